// Package failure tags errors with the routing decision the consumer runtime
// makes for them. Classification is decided where the error is created and
// never inferred from the error text.
package failure

import (
	"errors"
)

// Kind tells the runtime whether a failed message may be retried.
type Kind int

const (
	// KindTransient errors are retried through the retry ladder.
	KindTransient Kind = iota
	// KindFatal errors go straight to the dead-letter queue.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Classified is implemented by errors that carry their own Kind.
type Classified interface {
	error
	Kind() Kind
}

// Error wraps an underlying error with an explicit Kind.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.kind.String() + " error"
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: KindFatal, err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: KindTransient, err: err}
}

// KindOf returns the Kind of the outermost classified error in the chain.
// Unclassified errors are transient.
func KindOf(err error) Kind {
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindTransient
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}
