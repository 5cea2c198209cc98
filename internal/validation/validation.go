// Package validation holds the error returned when a caller supplies an unusable request parameter.
package validation

import (
	"errors"
	"fmt"
)

// Error reports a rejected request field. It maps to HTTP 400.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// New returns a validation error for field.
func New(field, reason string) *Error {
	return &Error{Field: field, Reason: reason}
}

// IsValidation reports whether err is or wraps a *Error.
func IsValidation(err error) bool {
	var v *Error
	return errors.As(err, &v)
}
