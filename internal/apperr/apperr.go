// Package apperr defines the error taxonomy shared by the three services and its mapping to
// HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine readable error identifier. It is the "error" field of the HTTP
// error envelope.
type Code string

const (
	CodeValidation                Code = "validation_error"
	CodeNotFound                  Code = "not_found"
	CodeForbidden                 Code = "forbidden"
	CodeUnauthenticated           Code = "unauthenticated"
	CodeInvalidTransition         Code = "invalid_transition"
	CodeInvalidState              Code = "invalid_state"
	CodeTerminalState             Code = "terminal_state"
	CodeInvalidAmount             Code = "invalid_amount"
	CodeConflict                  Code = "conflict"
	CodeAlreadyAssigned           Code = "already_assigned"
	CodeNoDroneAvailable          Code = "no_drone_available"
	CodeUpstreamUnavailable       Code = "upstream_unavailable"
	CodePartialAssignmentFailure  Code = "partial_assignment_failure"
	CodePartialFailure            Code = "partial_failure"
	CodeGatewayVerificationFailed Code = "gateway_verification_failed"
	CodeInternal                  Code = "internal_error"
)

// Sentinels for errors.Is matching. Matching compares codes only.
var (
	ErrValidation                = &Error{Code: CodeValidation}
	ErrNotFound                  = &Error{Code: CodeNotFound}
	ErrForbidden                 = &Error{Code: CodeForbidden}
	ErrUnauthenticated           = &Error{Code: CodeUnauthenticated}
	ErrInvalidTransition         = &Error{Code: CodeInvalidTransition}
	ErrInvalidState              = &Error{Code: CodeInvalidState}
	ErrTerminalState             = &Error{Code: CodeTerminalState}
	ErrInvalidAmount             = &Error{Code: CodeInvalidAmount}
	ErrConflict                  = &Error{Code: CodeConflict}
	ErrAlreadyAssigned           = &Error{Code: CodeAlreadyAssigned}
	ErrNoDroneAvailable          = &Error{Code: CodeNoDroneAvailable}
	ErrUpstreamUnavailable       = &Error{Code: CodeUpstreamUnavailable}
	ErrPartialAssignmentFailure  = &Error{Code: CodePartialAssignmentFailure}
	ErrPartialFailure            = &Error{Code: CodePartialFailure}
	ErrGatewayVerificationFailed = &Error{Code: CodeGatewayVerificationFailed}
	ErrInternal                  = &Error{Code: CodeInternal}
)

// Error is a classified application error. Details are copied into the HTTP envelope so
// callers can correlate partial failures (order_id, payment_id, mission_id, drone_id).
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns an error of the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under code.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithDetail returns a copy of e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Validation is shorthand for a validation_error.
func Validation(format string, args ...any) *Error { return New(CodeValidation, format, args...) }

// NotFound is shorthand for a not_found error.
func NotFound(format string, args ...any) *Error { return New(CodeNotFound, format, args...) }

// Forbidden is shorthand for a forbidden error.
func Forbidden(format string, args ...any) *Error { return New(CodeForbidden, format, args...) }

// Internal wraps an unexpected failure (storage, encoding).
func Internal(cause error, format string, args ...any) *Error {
	return Wrap(CodeInternal, cause, format, args...)
}

// CodeOf extracts the code of err, defaulting to internal_error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// As returns the classified error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Retryable reports whether the caller may retry the failed hop.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// HTTPStatus maps a code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated, CodeGatewayVerificationFailed:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodeInvalidState, CodeTerminalState, CodeConflict,
		CodeAlreadyAssigned, CodeNoDroneAvailable:
		return http.StatusConflict
	case CodeInvalidAmount:
		return http.StatusUnprocessableEntity
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case CodePartialAssignmentFailure, CodePartialFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTP rebuilds a classified error from a remote error envelope. Unknown codes are
// classified by status: 5xx as upstream_unavailable, everything else as internal_error.
func FromHTTP(status int, code, message string) *Error {
	c := Code(code)
	switch c {
	case CodeValidation, CodeNotFound, CodeForbidden, CodeUnauthenticated, CodeInvalidTransition,
		CodeInvalidState, CodeTerminalState, CodeInvalidAmount, CodeConflict, CodeAlreadyAssigned,
		CodeNoDroneAvailable, CodePartialAssignmentFailure, CodePartialFailure,
		CodeGatewayVerificationFailed:
		return &Error{Code: c, Message: message}
	case CodeUpstreamUnavailable:
		return &Error{Code: c, Message: message}
	}
	if status >= http.StatusInternalServerError {
		return &Error{Code: CodeUpstreamUnavailable, Message: fmt.Sprintf("upstream returned %d: %s", status, message)}
	}
	switch status {
	case http.StatusNotFound:
		return &Error{Code: CodeNotFound, Message: message}
	case http.StatusForbidden:
		return &Error{Code: CodeForbidden, Message: message}
	case http.StatusUnauthorized:
		return &Error{Code: CodeUnauthenticated, Message: message}
	case http.StatusBadRequest:
		return &Error{Code: CodeValidation, Message: message}
	case http.StatusConflict:
		return &Error{Code: CodeConflict, Message: message}
	}
	return &Error{Code: CodeInternal, Message: fmt.Sprintf("upstream returned %d: %s", status, message)}
}
