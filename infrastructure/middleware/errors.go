// Package middleware provides HTTP middleware for the service layer.
//
// This file carries the gateway's error taxonomy from the Error Handling
// Design: one ErrorCode per classifiable per-request failure mode, plus the
// panic-recovery fallback used by recovery.go. The Request Pipeline builds
// these via the exported constructors and writes them through
// httputil.WriteErrorResponse so the client envelope's code always matches
// the taxonomy, not an ad hoc string.
package middleware

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// ErrCodeUnauthorized is returned when the proxy token is missing or
	// does not match.
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	// ErrCodeGlobalLimit is returned when the global rate limiter rejects
	// a request.
	ErrCodeGlobalLimit ErrorCode = "global_limit"
	// ErrCodePerKeyLimit is returned when the per-key rate limiter
	// rejects a request after a key has already been selected.
	ErrCodePerKeyLimit ErrorCode = "per_key_limit"
	// ErrCodeNoEligibleKeys is returned when selection finds no eligible
	// credential.
	ErrCodeNoEligibleKeys ErrorCode = "no_eligible_keys"
	// ErrCodeUpstreamTransport is returned when the Dispatcher exhausts
	// its retry budget on connection-level failures.
	ErrCodeUpstreamTransport ErrorCode = "upstream_error"
	// ErrCodeCircuitOpen is returned when a key's per-label circuit
	// breaker is open and the dispatch is short-circuited before it
	// reaches the Dispatcher's own retry budget.
	ErrCodeCircuitOpen ErrorCode = "circuit_open"
	// ErrCodeBadRequest is returned when the inbound request body cannot
	// be read or the upstream URL cannot be constructed from it.
	ErrCodeBadRequest ErrorCode = "bad_request"
	// ErrCodeStorageIO marks a state or trace write failure; it is
	// logged only, never returned to a client, since StorageIO failures
	// do not interrupt the request path.
	ErrCodeStorageIO ErrorCode = "storage_io"
	// ErrCodeInternal is the generic panic-recovery fallback.
	ErrCodeInternal ErrorCode = "internal"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// newServiceError creates a new ServiceError.
func newServiceError(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// wrapServiceError wraps an existing error with a ServiceError.
func wrapServiceError(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ErrUnauthorized builds the Unauthorized taxonomy entry (spec §7):
// missing/bad proxy token, HTTP 401.
func ErrUnauthorized(hint string) *ServiceError {
	return newServiceError(ErrCodeUnauthorized, hint, http.StatusUnauthorized)
}

// ErrGlobalLimit builds the GlobalLimit taxonomy entry: the global rate
// limiter rejected the request, HTTP 429.
func ErrGlobalLimit(hint string) *ServiceError {
	return newServiceError(ErrCodeGlobalLimit, hint, http.StatusTooManyRequests)
}

// ErrPerKeyLimit builds the PerKeyLimit taxonomy entry: the per-key rate
// limiter rejected the request after selection, HTTP 429. The caller is
// responsible for rolling back the committed selection first.
func ErrPerKeyLimit(hint string) *ServiceError {
	return newServiceError(ErrCodePerKeyLimit, hint, http.StatusTooManyRequests)
}

// ErrNoEligibleKeys builds the NoEligibleKeys taxonomy entry: selection
// returned no candidate, HTTP 503.
func ErrNoEligibleKeys(hint string) *ServiceError {
	return newServiceError(ErrCodeNoEligibleKeys, hint, http.StatusServiceUnavailable)
}

// ErrUpstreamTransport builds the UpstreamTransport taxonomy entry: the
// Dispatcher gave up after exhausting its retry budget, HTTP 502.
func ErrUpstreamTransport(hint string) *ServiceError {
	return newServiceError(ErrCodeUpstreamTransport, hint, http.StatusBadGateway)
}

// ErrCircuitOpen builds the circuit-breaker short-circuit response. Not a
// spec §7 taxonomy member on its own, but a distinguishable UpstreamTransport
// variant raised before the Dispatcher's retry budget is spent.
func ErrCircuitOpen(hint string) *ServiceError {
	return newServiceError(ErrCodeCircuitOpen, hint, http.StatusServiceUnavailable)
}

// ErrBadRequest builds a bad-request response for an unreadable body or an
// unbuildable upstream URL.
func ErrBadRequest(hint string) *ServiceError {
	return newServiceError(ErrCodeBadRequest, hint, http.StatusBadRequest)
}

// errInternal creates an internal server error. Used only by the panic
// recovery middleware, which never returns a classifiable spec §7 error.
func errInternal(message string, err error) *ServiceError {
	return wrapServiceError(ErrCodeInternal, message, http.StatusInternalServerError, err)
}
