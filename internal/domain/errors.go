package domain

import "errors"

var (
	// ErrNotFound is returned when a referenced comment or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated is returned when a connection has no authenticated principal.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInternal marks unexpected persistence or infrastructure failures.
	ErrInternal = errors.New("internal")
)

// ValidationError is a user-visible rejection of a request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError returns a ValidationError with the given message.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}
