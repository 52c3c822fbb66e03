// Package errors provides structured error handling for the messaging layer.
//
// Every failure surfaced by the queue, dispatcher, connection manager or a
// persistence adapter is an *Error carrying a category. The category drives
// retry decisions, log levels and the HTTP status used by the status API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category of an error.
type ErrorType string

const (
	// TypeTransport indicates a failed write, dial or close on the transport
	TypeTransport ErrorType = "transport"
	// TypeCapacity indicates a full queue with nothing evictable
	TypeCapacity ErrorType = "capacity"
	// TypeTimeout indicates a request or processing deadline elapsed
	TypeTimeout ErrorType = "timeout"
	// TypeParse indicates an inbound frame could not be decoded
	TypeParse ErrorType = "parse"
	// TypePersistence indicates a snapshot load or save failed
	TypePersistence ErrorType = "persistence"
	// TypeClosed indicates the component was stopped or disconnected
	TypeClosed ErrorType = "closed"
	// TypeRemote indicates the peer answered a request with an error envelope
	TypeRemote ErrorType = "remote"
	// TypeNotFound indicates an unknown message or key (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeConflict indicates an operation that does not fit the current state (HTTP 409)
	TypeConflict ErrorType = "conflict"
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeInternal indicates a bug or unexpected state (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation, TypeParse:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeCapacity:
		return http.StatusTooManyRequests
	case TypeTimeout:
		return http.StatusGatewayTimeout
	case TypeTransport, TypeRemote:
		return http.StatusBadGateway
	case TypeClosed:
		return http.StatusServiceUnavailable
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

// TransportError wraps a failure on the underlying transport.
func TransportError(message string, cause error) *Error {
	return newError(TypeTransport, message, cause)
}

// CapacityError reports a full queue.
func CapacityError(message string) *Error {
	return newError(TypeCapacity, message, nil)
}

// TimeoutError reports an elapsed deadline.
func TimeoutError(message string) *Error {
	return newError(TypeTimeout, message, nil)
}

// ParseError wraps a decoding failure.
func ParseError(message string, cause error) *Error {
	return newError(TypeParse, message, cause)
}

// PersistenceError wraps a store failure.
func PersistenceError(message string, cause error) *Error {
	return newError(TypePersistence, message, cause)
}

// ClosedError reports use of a stopped component. The cause is usually a
// domain sentinel so callers can still match it with errors.Is.
func ClosedError(message string, cause error) *Error {
	return newError(TypeClosed, message, cause)
}

// RemoteError wraps an error envelope received in answer to a request.
func RemoteError(message string, cause error) *Error {
	return newError(TypeRemote, message, cause)
}

// NotFoundError creates a new not-found error (HTTP 404).
func NotFoundError(message string, cause error) *Error {
	return newError(TypeNotFound, message, cause)
}

// ConflictError creates a new conflict error (HTTP 409).
func ConflictError(message string, cause error) *Error {
	return newError(TypeConflict, message, cause)
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithField is an alias for WithContext (chainable).
func (e *Error) WithField(key string, value any) *Error {
	return e.WithContext(key, value)
}

// IsType reports whether any error in err's chain is an *Error of type t.
func IsType(err error, t ErrorType) bool {
	var structuredErr *Error
	if !errors.As(err, &structuredErr) {
		return false
	}
	return structuredErr.Type == t
}

// Retryable reports whether a processing failure is worth another attempt.
// Parse, validation and conflict failures are permanent; everything else,
// including plain errors from user processors, is retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsType(err, TypeParse) && !IsType(err, TypeValidation) && !IsType(err, TypeConflict)
}

// ErrorResponse represents the JSON structure sent to HTTP clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
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
