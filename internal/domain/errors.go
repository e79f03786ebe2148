package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrInvariant marks a caller invoking the core out of order. It is never retried.
var ErrInvariant = errors.New("invariant violated")

// ValidationError is returned when a requested transition is not allowed. Stored state is untouched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError not tied to a field.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// ConflictError lists the records that no longer matched a bulk transition's precondition.
// The whole batch is rejected.
type ConflictError struct {
	IDs []uuid.UUID
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.IDs))
	for _, id := range e.IDs {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	return fmt.Sprintf("conflicting records: %s", strings.Join(ids, ","))
}

// SortedIDs returns the conflicting ids in a stable order.
func (e *ConflictError) SortedIDs() []string {
	ids := make([]string, 0, len(e.IDs))
	for _, id := range e.IDs {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	return ids
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
