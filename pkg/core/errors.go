package core

import (
	"errors"
	"fmt"
)

// Error is the typed error surfaced by the live session core.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest   ErrorType = "invalid_request_error"
	ErrPermissionDenied ErrorType = "permission_denied"
	ErrConnection       ErrorType = "connection_error"
	ErrNotConnected     ErrorType = "not_connected"
	ErrTransport        ErrorType = "transport_error"
	ErrMalformedEvent   ErrorType = "malformed_event"
	ErrUploadFailed     ErrorType = "upload_failed"
	ErrConflict         ErrorType = "conflict_error"
	ErrAPI              ErrorType = "api_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewPermissionDeniedError reports a refused or unavailable input device.
func NewPermissionDeniedError(message string, cause error) *Error {
	return &Error{Type: ErrPermissionDenied, Message: message, cause: cause}
}

// NewConnectionError reports a failed handshake with the remote service.
func NewConnectionError(message string, cause error) *Error {
	return &Error{Type: ErrConnection, Message: message, cause: cause}
}

// NewNotConnectedError reports an operation that needs a live session handle.
func NewNotConnectedError(message string) *Error {
	return &Error{Type: ErrNotConnected, Message: message}
}

// NewTransportError reports a mid-session transport failure.
func NewTransportError(message string, cause error) *Error {
	return &Error{Type: ErrTransport, Message: message, cause: cause}
}

// NewMalformedEventError reports an inbound event that could not be parsed.
func NewMalformedEventError(message string, cause error) *Error {
	return &Error{Type: ErrMalformedEvent, Message: message, cause: cause}
}

// NewUploadFailedError reports a document that could not be read or transmitted.
func NewUploadFailedError(message string, cause error) *Error {
	return &Error{Type: ErrUploadFailed, Message: message, cause: cause}
}

// NewConflictError reports an operation that is not valid in the current state.
func NewConflictError(message string) *Error {
	return &Error{Type: ErrConflict, Message: message}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// IsType reports whether err (or anything it wraps) is a *Error of the given type.
func IsType(err error, typ ErrorType) bool {
	var coreErr *Error
	if !errors.As(err, &coreErr) {
		return false
	}
	return coreErr.Type == typ
}

// Message returns a human-readable message for err, preferring the typed message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Message
	}
	return err.Error()
}
