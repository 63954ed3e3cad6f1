package types

import (
	"errors"
	"fmt"
)

// Error kinds shared by every component. Handlers return these (wrapped or
// not) and the outer boundary turns them into an error event or an HTTP
// status with ClientMessage.
var (
	ErrAuth         = errors.New("authentication failed")
	ErrMissingToken = fmt.Errorf("%w: token missing", ErrAuth)
	ErrInvalidToken = fmt.Errorf("%w: token invalid", ErrAuth)

	ErrAccessDenied = errors.New("access denied")
	ErrValidation   = errors.New("validation failed")
	ErrPersistence  = errors.New("persistence failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// ValidationError carries the message shown to the client for a malformed
// payload. errors.Is(err, ErrValidation) holds for every ValidationError.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ClientMessage maps an error onto the message sent back to the client.
// Internal details never leak; unknown errors become "Internal error".
func ClientMessage(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingToken):
		return "Authentication required"
	case errors.Is(err, ErrAuth):
		return "Invalid token"
	case errors.Is(err, ErrAccessDenied):
		return "Access denied"
	case errors.As(err, &verr):
		return verr.Message
	case errors.Is(err, ErrPersistence):
		return "Failed to save message"
	case errors.Is(err, ErrNotFound):
		return "Not found"
	case errors.Is(err, ErrConflict):
		return "Already exists"
	case errors.Is(err, ErrRateLimited):
		return "Rate limit exceeded"
	default:
		return "Internal error"
	}
}
