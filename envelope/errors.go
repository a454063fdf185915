package envelope

import (
	"fmt"
	"strings"

	"github.com/overtonx/loanbus/failure"
)

// EnvelopeError reports a message that cannot be decoded. It is never retried.
type EnvelopeError struct {
	Reason string
	Err    error
}

func (e *EnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope: %s: %v", e.Reason, e.Err)
	}
	return "envelope: " + e.Reason
}

func (e *EnvelopeError) Unwrap() error { return e.Err }

func (e *EnvelopeError) Kind() failure.Kind { return failure.KindFatal }

// ValidationError reports a payload that does not satisfy its schema.
// It is never retried.
type ValidationError struct {
	Schema string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("payload validation failed")
	if e.Schema != "" {
		b.WriteString(" against ")
		b.WriteString(e.Schema)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Kind() failure.Kind { return failure.KindFatal }
