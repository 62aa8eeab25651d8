// Package booking provides clients for the scheduling backend.
//
// This file defines the error taxonomy surfaced by backend operations:
// not-found, conflict (with alternative slots), validation, unavailable
// (retryable), and permission-denied.
package booking

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// ErrNotFound indicates no booking exists for the given confirmation number.
var ErrNotFound = errors.New("booking not found")

// ErrPermissionDenied indicates the operation is disabled for the organization.
// It is never retried and is surfaced to the user as a polite message.
var ErrPermissionDenied = errors.New("operation not permitted")

// ConflictError indicates the requested slot is taken. It carries alternative
// slots for the user to re-select from; the orchestrator does not treat it as
// a failure.
type ConflictError struct {
	Alternatives []models.Slot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot conflict (%d alternatives available)", len(e.Alternatives))
}

// ValidationError indicates malformed input (email, phone, date, ...). It is
// surfaced immediately and never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError wraps an error as a ValidationError.
func NewValidationError(err error) *ValidationError {
	return &ValidationError{Message: err.Error()}
}

// UnavailableError indicates a connectivity failure or server-side transient
// error (5xx). It is the only retryable error in the taxonomy.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("scheduling backend unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Retryable marks the error as safe to retry with backoff.
func (e *UnavailableError) Retryable() bool {
	return true
}

// IsRetryable reports whether the error should be retried with backoff.
// Only unavailable/transient errors qualify; validation, permission, conflict
// and not-found errors never do.
func IsRetryable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}
