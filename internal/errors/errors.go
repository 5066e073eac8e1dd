// Package errors provides domain-specific error types for the swiftlink application.
//
// This package defines structured errors with error codes, making it easier to handle
// and test different error conditions consistently across the application.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorCode represents a category of error that can occur in the application.
type ErrorCode string

const (
	// ErrCodeConfig indicates a configuration-related error.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// ErrCodeTimeout indicates an upstream query that did not complete in time.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeConnectionFailed indicates an upstream that could not be reached.
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"

	// ErrCodeProxyHandshake indicates a forward proxy that refused or broke the tunnel.
	ErrCodeProxyHandshake ErrorCode = "PROXY_HANDSHAKE_FAILED"

	// ErrCodeMalformedResponse indicates an upstream answer that could not be parsed
	// or did not match the query.
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"

	// ErrCodeServerError indicates an upstream that answered with a failure rcode.
	ErrCodeServerError ErrorCode = "SERVER_ERROR"

	// ErrCodeAllFailed indicates that every upstream in a group failed.
	ErrCodeAllFailed ErrorCode = "ALL_UPSTREAMS_FAILED"

	// ErrCodeValidation indicates a validation error.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a domain-specific error with an error code and optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error for errors.Is and errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a new domain error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   nil,
	}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, cause error) *Error {
	return Wrap(ErrCodeConfig, message, cause)
}

// NewTimeoutError creates a new upstream timeout error.
func NewTimeoutError(message string, cause error) *Error {
	return Wrap(ErrCodeTimeout, message, cause)
}

// NewConnectionError creates a new upstream connection error.
func NewConnectionError(message string, cause error) *Error {
	return Wrap(ErrCodeConnectionFailed, message, cause)
}

// NewProxyHandshakeError creates a new proxy handshake error.
func NewProxyHandshakeError(message string, cause error) *Error {
	return Wrap(ErrCodeProxyHandshake, message, cause)
}

// NewMalformedResponseError creates a new malformed response error.
func NewMalformedResponseError(message string, cause error) *Error {
	return Wrap(ErrCodeMalformedResponse, message, cause)
}

// NewServerError creates a new upstream server error.
func NewServerError(message string, cause error) *Error {
	return Wrap(ErrCodeServerError, message, cause)
}

// NewAllFailedError creates a new all-upstreams-failed error.
func NewAllFailedError(message string, cause error) *Error {
	return Wrap(ErrCodeAllFailed, message, cause)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, cause error) *Error {
	return Wrap(ErrCodeValidation, message, cause)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCodeInternal, message, cause)
}

// HasCode reports whether err carries the given error code anywhere in
// its chain.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.Cause
		e = nil
	}
	return false
}

// ClassifyNetworkError maps a transport-level error to a timeout or
// connection error. Already-coded errors pass through unchanged.
func ClassifyNetworkError(message string, err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return NewTimeoutError(message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(message, err)
	}
	return NewConnectionError(message, err)
}
