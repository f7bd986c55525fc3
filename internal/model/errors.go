package model

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing input. It is a caller bug
// and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	// ErrPersistenceUnavailable is returned once storage retries are exhausted.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrExhausted signals that every item in the pool is mastered.
	// It is a terminal selection state, not a failure.
	ErrExhausted = errors.New("no eligible items remain")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
)
