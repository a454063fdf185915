package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Schema is a resolved JSON Schema used to validate payloads.
type Schema struct {
	name     string
	resolved *jsonschema.Resolved
}

// CompileSchema parses and resolves a JSON Schema document.
func CompileSchema(name string, doc []byte) (*Schema, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema %s: %w", name, err)
	}
	return &Schema{name: name, resolved: resolved}, nil
}

// MustCompileSchema is CompileSchema for schemas embedded in the binary.
func MustCompileSchema(name string, doc []byte) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the name the schema was compiled with.
func (s *Schema) Name() string { return s.name }

// ValidateMessage checks env's payload against schema and returns a
// *ValidationError on mismatch.
func ValidateMessage(env *Envelope, schema *Schema) error {
	var instance any
	if err := json.Unmarshal(env.Payload, &instance); err != nil {
		return &ValidationError{Schema: schema.name, Err: err}
	}
	if err := schema.resolved.Validate(instance); err != nil {
		return &ValidationError{Schema: schema.name, Err: err}
	}
	return nil
}
