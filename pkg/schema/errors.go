package schema

import (
	"errors"
	"fmt"
)

// Sentinel planning errors. These are synchronous, never retried; the
// registry wraps them with resource/field context via ValidationError
// below.
var (
	ErrUnknownResource = errors.New("schema: unknown resource")
	ErrUnknownRelation = errors.New("schema: unknown relation")
	ErrUnknownField    = errors.New("schema: unknown field")
)

// ValidationError wraps a schema definition or payload validation failure
// with enough context (resource/field) to render a useful message, mirroring
// the teacher's config.ValidationError shape.
type ValidationError struct {
	Resource string
	Field    string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("resource %q field %q: %v", e.Resource, e.Field, e.Err)
	}
	return fmt.Sprintf("resource %q: %v", e.Resource, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func newValidationError(resource, field string, err error) *ValidationError {
	return &ValidationError{Resource: resource, Field: field, Err: err}
}
