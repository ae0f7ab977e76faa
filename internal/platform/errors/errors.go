// Package errors provides the relay's error taxonomy with context propagation
// and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category of an error, used for handling decisions,
// metrics labels and response formatting.
type ErrorType string

const (
	// TypeValidation: missing or malformed input at the ingress boundary (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeAuth: the upstream rejected a credential (HTTP 401)
	TypeAuth ErrorType = "auth"
	// TypeTransient: non-success upstream response or network failure (HTTP 502)
	TypeTransient ErrorType = "transient"
	// TypeProtocol: malformed or unexpected inbound upstream payload (HTTP 422)
	TypeProtocol ErrorType = "protocol"
	// TypeInternal: server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
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

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeAuth:
		return http.StatusUnauthorized
	case TypeTransient:
		return http.StatusBadGateway
	case TypeProtocol:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// ValidationError creates a new validation error.
func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

// AuthError creates a new credential rejection error.
func AuthError(message string, cause error) *Error {
	return newError(TypeAuth, message, cause)
}

// TransientError creates a new error for failures worth logging and moving past.
func TransientError(message string, cause error) *Error {
	return newError(TypeTransient, message, cause)
}

// ProtocolError creates a new error for an inbound payload that was dropped.
func ProtocolError(message string, cause error) *Error {
	return newError(TypeProtocol, message, cause)
}

// InternalError creates a new internal error.
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithField adds a context field to the error (chainable).
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to clients.
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

// IsType reports whether err (or anything it wraps) is an *Error of type t.
func IsType(err error, t ErrorType) bool {
	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr.Type == t
	}
	return false
}

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	return IsType(err, TypeAuth)
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as an internal error.
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
