// Package brokererr provides unified error handling across the broker and
// its client libraries.
package brokererr

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code. Wire-protocol error
// kinds (spec §6.4) live in the same table as the server-side error bands
// so one vocabulary covers both sides of the socket.
type ErrorCode string

const (
	// Wire/session errors (1xxx) - client-visible job error codes.
	ErrCodeConnectionFailed        ErrorCode = "CONN_1001"
	ErrCodeProtocolVersionMismatch ErrorCode = "CONN_1002"
	ErrCodeUserCanceled            ErrorCode = "CONN_1003"
	ErrCodeUnknown                 ErrorCode = "CONN_1004"

	// Protocol/framing errors (2xxx)
	ErrCodeMalformedCommand  ErrorCode = "PROTO_2001"
	ErrCodeUnknownCommand    ErrorCode = "PROTO_2002"
	ErrCodeTruncatedLiteral  ErrorCode = "PROTO_2003"
	ErrCodeIncompleteCommand ErrorCode = "PROTO_2004"

	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"
	ErrCodeCycle         ErrorCode = "RES_4004"

	// Storage/service errors (5xxx)
	ErrCodeInternal      ErrorCode = "SVC_5001"
	ErrCodeDatabaseError ErrorCode = "SVC_5002"
	ErrCodeTimeout       ErrorCode = "SVC_5003"

	// External payload errors (6xxx)
	ErrCodePayloadIO           ErrorCode = "PART_6001"
	ErrCodePayloadOutsideRoot  ErrorCode = "PART_6002"
	ErrCodePayloadSizeMismatch ErrorCode = "PART_6003"

	// Authentication errors (7xxx)
	ErrCodeUnauthorized ErrorCode = "AUTH_7001"
	ErrCodeInvalidToken ErrorCode = "AUTH_7002"
	ErrCodeTokenExpired ErrorCode = "AUTH_7003"
)

// ServiceError is a structured error carrying a stable code, a message
// meant for job.errorString(), and the wrapped cause.
type ServiceError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches diagnostic details and returns the receiver for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError without a wrapped cause.
func New(code ErrorCode, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

// Wrap creates a ServiceError around an existing error.
func Wrap(code ErrorCode, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, Err: err}
}

// Job error constructors - these map 1:1 onto spec §6.4.

func ConnectionFailed(err error) *ServiceError {
	return Wrap(ErrCodeConnectionFailed, "connection to broker failed", err)
}

func ProtocolVersionMismatch(serverOlder bool, negotiated, expected int) *ServiceError {
	direction := "server is newer than this client"
	if serverOlder {
		direction = "server is older than this client"
	}
	return New(ErrCodeProtocolVersionMismatch, direction).
		WithDetails("negotiated", negotiated).
		WithDetails("expected", expected)
}

func UserCanceled() *ServiceError {
	return New(ErrCodeUserCanceled, "operation canceled")
}

func UnknownReason(reason string) *ServiceError {
	return New(ErrCodeUnknown, reason)
}

// Protocol/framing errors.

func MalformedCommand(reason string) *ServiceError {
	return New(ErrCodeMalformedCommand, reason)
}

func UnknownCommandType(t byte) *ServiceError {
	return New(ErrCodeUnknownCommand, fmt.Sprintf("unknown command type %d", t))
}

func TruncatedLiteral() *ServiceError {
	return New(ErrCodeTruncatedLiteral, "literal truncated before declared size was read")
}

// Validation errors.

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input").
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter").
		WithDetails("parameter", param)
}

// Resource errors.

func NotFound(resource string, id int64) *ServiceError {
	return New(ErrCodeNotFound, "resource not found").
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists").
		WithDetails("resource", resource)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message)
}

func Cycle(message string) *ServiceError {
	return New(ErrCodeCycle, message)
}

// Storage errors.

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", err).
		WithDetails("operation", operation)
}

// Payload errors.

func PayloadIO(err error) *ServiceError {
	return Wrap(ErrCodePayloadIO, "external payload I/O failed", err)
}

func PayloadOutsideRoot(path string) *ServiceError {
	return New(ErrCodePayloadOutsideRoot, "path escapes the configured data root").
		WithDetails("path", path)
}

func PayloadSizeMismatch(declared, actual int64) *ServiceError {
	return New(ErrCodePayloadSizeMismatch, "on-disk size does not match the advertised size").
		WithDetails("declared", declared).
		WithDetails("actual", actual)
}

// Auth errors.

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeInvalidToken, "invalid session token", err)
}

func TokenExpired() *ServiceError {
	return New(ErrCodeTokenExpired, "session token has expired")
}

// IsServiceError reports whether err carries a *ServiceError in its chain.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// As extracts the *ServiceError from err's chain, if any.
func As(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// CodeOf returns the ErrorCode carried by err, or ErrCodeUnknown.
func CodeOf(err error) ErrorCode {
	if se := As(err); se != nil {
		return se.Code
	}
	return ErrCodeUnknown
}
