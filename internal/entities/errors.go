package entities

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain error taxonomy.
// Repositories and services wrap these with fmt.Errorf and %w so that
// callers can classify failures with errors.Is / errors.As.
var (
	// ErrNotFound indicates that an entity definition, field, or instance
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a state conflict that is never silently
	// resolved (e.g. deleting a definition with live instances, duplicate
	// field name within a definition).
	ErrConflict = errors.New("conflict")

	// ErrPermissionDenied indicates that the caller is not allowed to
	// perform the requested operation.
	ErrPermissionDenied = errors.New("permission denied")
)

// ValidationError describes a request the caller can fix: an unknown
// attribute key, a wrong value type, a missing required field, or an
// unknown filter field. It is never retried automatically.
type ValidationError struct {
	Field  string // offending field or attribute name (may be empty)
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
