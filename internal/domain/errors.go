/**
 * @description
 * Domain error values shared by the service and API layers. Validation
 * problems are accumulated into a ValidationError before any mutation is
 * attempted, so a request either fails with the full list of problems or
 * proceeds with a clean write.
 */
package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDonorNotFound = errors.New("donor not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrEmailNotFound = errors.New("email not found on donor")

	// ErrUserLinked means the requested user id is already linked to a
	// different donor.
	ErrUserLinked = errors.New("user already linked to another donor")

	// ErrEmailExists means the address is already on this donor.
	ErrEmailExists = errors.New("email already associated with this donor")
	// ErrEmailTaken means the address belongs to a different donor.
	ErrEmailTaken = errors.New("email already associated with another donor")

	ErrInvalidEmail = errors.New("invalid email address")
)

// FieldError describes a single validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries every validation failure found before a mutation
// was attempted. No state changes when one of these is returned.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// NewValidationError builds a ValidationError from one or more field errors.
func NewValidationError(errs ...FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}
