package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the store implementations and the API layer.
// Handlers map these onto HTTP statuses; wrap with %w to preserve matching.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("conflict")
	ErrQuotaExceeded     = errors.New("monthly execution quota exceeded")
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrQueuePaused       = errors.New("queue is paused")
	ErrInviteExpired     = errors.New("invite expired")
)

// ValidationError carries per-field messages for a 422 response.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %d field(s)", len(e.Fields))
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// AsValidation unwraps err into a *ValidationError if it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
