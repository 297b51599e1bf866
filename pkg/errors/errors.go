package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeInternal            ErrorType = "internal"
	ErrorTypeBadRequest          ErrorType = "bad_request"
	ErrorTypeTimeout             ErrorType = "timeout"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypePortInUse           ErrorType = "port_in_use"
	ErrorTypeNoFreePorts         ErrorType = "no_free_ports"
	ErrorTypeSpawnFailed         ErrorType = "spawn_failed"
	ErrorTypeCapacityExceeded    ErrorType = "capacity_exceeded"
	ErrorTypeNoBackendsAvailable ErrorType = "no_backends_available"
	ErrorTypeUpstreamUnreachable ErrorType = "upstream_unreachable"
)

// Sentinels for errors.Is. Matching is by type only, so any *Error of the
// same type satisfies errors.Is against these.
var (
	ErrNotFound            = &Error{Type: ErrorTypeNotFound}
	ErrPortInUse           = &Error{Type: ErrorTypePortInUse}
	ErrNoFreePorts         = &Error{Type: ErrorTypeNoFreePorts}
	ErrSpawnFailed         = &Error{Type: ErrorTypeSpawnFailed}
	ErrCapacityExceeded    = &Error{Type: ErrorTypeCapacityExceeded}
	ErrNoBackendsAvailable = &Error{Type: ErrorTypeNoBackendsAvailable}
	ErrUpstreamUnreachable = &Error{Type: ErrorTypeUpstreamUnreachable}
	ErrBadRequest          = &Error{Type: ErrorTypeBadRequest}
)

// Error represents a structured error with additional context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]any
}

// NewError creates a new structured error
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// HTTPStatusCode returns the appropriate HTTP status code for the error type
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeBadRequest, ErrorTypeCapacityExceeded:
		return http.StatusBadRequest
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypePortInUse:
		return http.StatusConflict
	case ErrorTypeNoFreePorts, ErrorTypeNoBackendsAvailable:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstreamUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// TypeOf returns the ErrorType carried anywhere in err's chain, or
// ErrorTypeInternal when err is not structured.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// StatusCode maps any error to an HTTP status code.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// Message returns the client-facing text of err: the structured message
// and its cause, without the type prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Cause != nil {
			return e.Message + ": " + e.Cause.Error()
		}
		return e.Message
	}
	return err.Error()
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}
