// Package errors defines the gateway error-code taxonomy.
package errors

import (
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"
	CodeRateLimited    Code = "RATE_LIMITED"

	// Idempotency protocol
	CodeKeyConflict          Code = "KEY_CONFLICT"
	CodeIdempotencyConflict  Code = "IDEMPOTENCY_CONFLICT"
	CodeVersionConflict      Code = "VERSION_CONFLICT"
	CodeStaleAttempt         Code = "STALE_ATTEMPT"
	CodeMissingKey           Code = "MISSING_IDEMPOTENCY_KEY"
	CodeDuplicateCompHandler Code = "DUPLICATE_COMPENSATION_HANDLER"
	CodeMissingCompHandler   Code = "MISSING_COMPENSATION_HANDLER"
	CodeDuplicateRoute       Code = "DUPLICATE_ROUTE"

	// Payments
	CodePaymentRejected    Code = "PAYMENT_REJECTED"
	CodeUpstreamFailure    Code = "UPSTREAM_FAILURE"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeCurrencyNotAllowed Code = "CURRENCY_NOT_ALLOWED"
)

// Error is a business error carrying a code and retryability hint.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New creates an error with retryability derived from the code.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf creates a formatted error.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID attaches the idempotency key / request id to the error.
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus maps the code to an HTTP status.
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

func isRetryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeTimeout, CodeUnavailable,
		CodeVersionConflict, CodeNotFound, CodeUpstreamFailure:
		return true
	default:
		return false
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeMissingKey,
		CodePaymentRejected, CodeInsufficientFunds, CodeCurrencyNotAllowed:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeKeyConflict, CodeIdempotencyConflict, CodeVersionConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeUpstreamFailure:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Predefined errors.
var (
	ErrKeyConflict = New(CodeKeyConflict, "idempotency key already exists")
	ErrKeyReuse    = New(CodeIdempotencyConflict, "idempotency key reused with a different payload")
	ErrNotFound    = New(CodeNotFound, "record not found")
	ErrVersion     = New(CodeVersionConflict, "record was modified concurrently")
	ErrStale       = New(CodeStaleAttempt, "attempt superseded by a newer one")
	ErrUnavailable = New(CodeUnavailable, "service unavailable, please retry")
)
