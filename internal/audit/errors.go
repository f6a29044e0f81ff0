package audit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingTenant is returned when an operation has no tenant context.
	// It is an authorization precondition, not a validation failure.
	ErrMissingTenant = errors.New("audit: tenant context required")

	// ErrNotFound is returned when an entry does not exist for the tenant.
	ErrNotFound = errors.New("audit: entry not found")

	// ErrChainConflict means the tenant's chain head moved between the
	// sequence increment and the tail update. The enclosing transaction
	// must roll back.
	ErrChainConflict = errors.New("audit: chain head changed concurrently")

	// ErrNoTransaction is returned when the writer is called without a
	// caller-owned transaction.
	ErrNoTransaction = errors.New("audit: writer requires a transaction")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every invalid field of a request. Operations
// that return it have not applied any part of the input.
type ValidationError struct {
	Fields []FieldError `json:"details"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("audit: validation failed: %s", strings.Join(parts, "; "))
}

// Add records an invalid field.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e if any field was recorded, nil otherwise.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
