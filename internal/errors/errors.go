// Package errors maps handler failures to typed JSON responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category reported to clients and used as the metric label.
type ErrorType string

const (
	TypeValidation  ErrorType = "validation"
	TypeNotFound    ErrorType = "not_found"
	TypeRateLimited ErrorType = "rate_limited"
	// TypeUnavailable means the presence store could not be reached.
	TypeUnavailable ErrorType = "unavailable"
	TypeInternal    ErrorType = "internal"
)

// Error is a structured error with a client-facing message and log context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

func NotFoundError(message string) *Error {
	return newError(TypeNotFound, message, nil)
}

func RateLimitedError(message string) *Error {
	return newError(TypeRateLimited, message, nil)
}

// UnavailableError reports a failing dependency (HTTP 503).
func UnavailableError(message string, cause error) *Error {
	return newError(TypeUnavailable, message, cause)
}

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithField adds a context field that is logged and returned to the client.
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the JSON body sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError returns the *Error in err's chain, or wraps err as an
// internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
