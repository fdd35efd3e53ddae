package model

import (
	"errors"
	"net/http"
)

// ErrorCode is a stable, client-visible error code.
type ErrorCode string

const (
	ErrUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrConflict         ErrorCode = "CONFLICT"
	ErrLimitExceeded    ErrorCode = "LIMIT_EXCEEDED"
	ErrDeploymentFailed ErrorCode = "DEPLOYMENT_FAILED"
	ErrRuntime          ErrorCode = "RUNTIME_ERROR"
	ErrInternal         ErrorCode = "INTERNAL"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
)

// HTTPStatus maps a code to its HTTP status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrUnauthorized:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrLimitExceeded, ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrDeploymentFailed, ErrRuntime:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error returned across service boundaries. Message is
// safe to show to callers; the wrapped cause is for logs only.
type Error struct {
	Code      ErrorCode
	Message   string
	Details   any
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause returns a copy of e that wraps cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.cause = cause
	return &c
}

// NewError builds a non-retryable error.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Unauthenticated(msg string) *Error { return NewError(ErrUnauthenticated, msg) }
func Unauthorized(msg string) *Error    { return NewError(ErrUnauthorized, msg) }
func NotFound(msg string) *Error        { return NewError(ErrNotFound, msg) }
func InvalidRequest(msg string) *Error  { return NewError(ErrInvalidRequest, msg) }
func Conflict(msg string) *Error        { return NewError(ErrConflict, msg) }
func LimitExceeded(msg string) *Error   { return NewError(ErrLimitExceeded, msg) }

// DeployFailedError and RuntimeError carry the adapter's retryable flag.
func DeployFailedError(msg string, retryable bool) *Error {
	return &Error{Code: ErrDeploymentFailed, Message: msg, Retryable: retryable}
}

func RuntimeError(msg string, retryable bool) *Error {
	return &Error{Code: ErrRuntime, Message: msg, Retryable: retryable}
}

// Internal wraps cause behind a generic message.
func Internal(cause error) *Error {
	return &Error{Code: ErrInternal, Message: "internal error", cause: cause}
}

// AsError extracts a *Error from err's chain, or converts err into an
// INTERNAL error. A nil err yields nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
