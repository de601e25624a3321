package collaboration

import (
	"errors"
	"fmt"
)

// Error taxonomy for the collaboration engine. Only ErrAuth (and transport
// failures) terminate a connection; everything else is reported back to the
// sender and the connection stays open.
var (
	// ErrAuth covers missing/expired/invalid tokens and callers with no
	// access to the session. Fatal to the connection attempt.
	ErrAuth = errors.New("authentication failed")

	// ErrAccessDenied means the caller may connect but not perform this
	// specific action.
	ErrAccessDenied = errors.New("access denied")

	// ErrValidation means the message shape is malformed.
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited means a sliding-window ceiling was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSessionFull means the session is at its participant cap.
	ErrSessionFull = errors.New("session full")

	// ErrSessionNotFound is returned to management-surface callers.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInternal is an unexpected failure applying or broadcasting; the
	// message is rejected but the connection survives.
	ErrInternal = errors.New("internal error")
)

// RejectError wraps a taxonomy error with the reason sent back to the
// offending sender.
type RejectError struct {
	Kind   error
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return e.Kind
}

func reject(kind error, format string, args ...any) *RejectError {
	return &RejectError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// errorCode maps a taxonomy error to the wire-level error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrSessionFull):
		return "session_full"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	default:
		return "internal_error"
	}
}
