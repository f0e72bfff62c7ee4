package middleware

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  newServiceError(ErrCodeUnauthorized, "test message", http.StatusUnauthorized),
			want: "[unauthorized] test message",
		},
		{
			name: "error with underlying error",
			err:  wrapServiceError(ErrCodeInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[internal] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := wrapServiceError(ErrCodeInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := newServiceError(ErrCodeBadRequest, "test", http.StatusBadRequest)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}

	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}

	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestErrUnauthorized(t *testing.T) {
	err := ErrUnauthorized("present a valid token")

	if err.Code != ErrCodeUnauthorized {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeUnauthorized)
	}
	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusUnauthorized)
	}
	if err.Message != "present a valid token" {
		t.Errorf("Message = %v, want present a valid token", err.Message)
	}
}

func TestErrGlobalLimit(t *testing.T) {
	err := ErrGlobalLimit("retry shortly")

	if err.Code != ErrCodeGlobalLimit {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeGlobalLimit)
	}
	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}
}

func TestErrPerKeyLimit(t *testing.T) {
	err := ErrPerKeyLimit("retry shortly")

	if err.Code != ErrCodePerKeyLimit {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePerKeyLimit)
	}
	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}
}

func TestErrNoEligibleKeys(t *testing.T) {
	err := ErrNoEligibleKeys("check key health")

	if err.Code != ErrCodeNoEligibleKeys {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNoEligibleKeys)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
}

func TestErrUpstreamTransport(t *testing.T) {
	err := ErrUpstreamTransport("upstream connection failed")

	if err.Code != ErrCodeUpstreamTransport {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeUpstreamTransport)
	}
	if err.HTTPStatus != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadGateway)
	}
}

func TestErrCircuitOpen(t *testing.T) {
	err := ErrCircuitOpen("circuit broken")

	if err.Code != ErrCodeCircuitOpen {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCircuitOpen)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
}

func TestErrBadRequest(t *testing.T) {
	err := ErrBadRequest("failed to read request body")

	if err.Code != ErrCodeBadRequest {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeBadRequest)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
}

func TestErrInternal(t *testing.T) {
	underlying := errors.New("panic value")
	err := errInternal("internal error", underlying)

	if err.Code != ErrCodeInternal {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInternal)
	}
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}
