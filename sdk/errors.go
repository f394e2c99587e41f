package serene

import (
	"fmt"
	"net/url"
)

// ErrorType classifies API errors returned by the backend.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
)

// Error is the canonical API error shape.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`

	// HTTPStatus is the status code the error arrived with, when known.
	HTTPStatus int `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// TransportError represents HTTP transport-level failures (DNS, timeouts,
// connection reset, TLS handshake, etc.) while talking to the backend.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical API errors (*Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}

// SessionInitError reports a failed session initialization. It wraps the
// underlying request error; no retry is attempted automatically.
type SessionInitError struct {
	Err error
}

func (e *SessionInitError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("session initialization failed: %v", e.Err)
}

func (e *SessionInitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SendError reports a failed message send. The caller's text is carried so
// it can be restored for re-entry; the provisional log entry has already
// been rolled back when this error is returned.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("send message failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
