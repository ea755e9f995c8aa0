package rnode

import (
	"fmt"
	"net/http"
)

// ErrorCode identifies the category of a request-processing failure, as laid
// out in the error handling design: each one maps to a fixed HTTP status
// unless a gas or handler has already set one explicitly.
type ErrorCode string

// Error codes recognized by the pipeline's centralized error mapping.
const (
	ErrClientParse       ErrorCode = "client_parse_error"
	ErrNotFound          ErrorCode = "not_found"
	ErrMethodNotAllowed  ErrorCode = "method_not_allowed"
	ErrTimeout           ErrorCode = "timeout"
	ErrHandlerFailure    ErrorCode = "handler_failure"
	ErrMiddlewareFailure ErrorCode = "middleware_failure"
	ErrStaticSecurity    ErrorCode = "static_security_reject"
	ErrUpgradeReject     ErrorCode = "upgrade_reject"
	ErrPolicyReject      ErrorCode = "policy_reject"
	ErrInternal          ErrorCode = "internal_error"
)

// HTTPError is the error type returned by handlers and gases to signal a
// specific HTTP status and code. A plain error value is still accepted
// anywhere a `HTTPError` is; it is wrapped as `ErrHandlerFailure` with a 500.
type HTTPError struct {
	Code    ErrorCode
	Status  int
	Message string
	Cause   error
}

// NewHTTPError returns a new instance of the `HTTPError` with the status and
// the optional message. If the message is omitted, the status text is used.
func NewHTTPError(status int, message ...string) *HTTPError {
	m := http.StatusText(status)
	if len(message) > 0 && message[0] != "" {
		m = message[0]
	}

	return &HTTPError{
		Code:    codeForStatus(status),
		Status:  status,
		Message: m,
	}
}

// Error implements the `error`.
func (e *HTTPError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}

	return e.Message
}

// Unwrap returns the cause of the e, if any.
func (e *HTTPError) Unwrap() error {
	return e.Cause
}

// codeForStatus returns a best-effort `ErrorCode` for a bare HTTP status.
func codeForStatus(status int) ErrorCode {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusRequestTimeout:
		return ErrTimeout
	case http.StatusForbidden:
		return ErrStaticSecurity
	case http.StatusBadRequest:
		return ErrClientParse
	default:
		if status >= 500 {
			return ErrHandlerFailure
		}

		return ErrInternal
	}
}

// asHTTPError normalizes any error into an `*HTTPError`, defaulting to a 500
// `ErrHandlerFailure` for errors that carry no status of their own.
func asHTTPError(err error) *HTTPError {
	if err == nil {
		return nil
	}

	if he, ok := err.(*HTTPError); ok {
		return he
	}

	return &HTTPError{
		Code:    ErrHandlerFailure,
		Status:  http.StatusInternalServerError,
		Message: err.Error(),
		Cause:   err,
	}
}
