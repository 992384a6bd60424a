package entities

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced row does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals a lost claim race: the job is already owned or
	// already terminal. Callers skip the job, it is not a failure.
	ErrConflict = errors.New("conflict")

	// ErrVersionConflict is returned by guarded updates when the
	// optimistic version no longer matches.
	ErrVersionConflict = errors.New("version conflict")

	// ErrGone marks an artifact that expired or was deleted.
	ErrGone = errors.New("gone")
)

// ValidationError rejects a malformed ConversionRequest before any job
// row is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
