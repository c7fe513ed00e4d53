package avatar

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common error conditions.
var (
	// ErrNoAPIKey is returned when the API key is missing.
	ErrNoAPIKey = errors.New("avatar: API key required")

	// ErrNotConnected is returned when a call needs a session that does not exist yet.
	ErrNotConnected = errors.New("avatar: not connected")

	// ErrClosed is returned when the client has been closed.
	ErrClosed = errors.New("avatar: client closed")

	// ErrNoEventStream is returned when a new session offers no realtime endpoint.
	ErrNoEventStream = errors.New("avatar: service returned no realtime endpoint")
)

// APIError represents an error response from the avatar service.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Code is the service's own error code (if provided).
	Code int

	// Message is the error message from the service.
	Message string

	// Operation is the endpoint that failed, e.g. "streaming.task".
	Operation string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("avatar [%s]: API error %d (code %d): %s", e.Operation, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("avatar [%s]: API error %d: %s", e.Operation, e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error (HTTP 429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsUnauthorized returns true if the API key was rejected.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if the request should be retried.
func (e *APIError) IsRetryable() bool {
	return e.IsRateLimited() || e.IsServerError()
}

// IsRetryableError reports whether err is an APIError worth retrying.
func IsRetryableError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsRetryable()
}

// IsPermanent reports whether retrying the call that returned err cannot
// succeed without an operator changing something first.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNoAPIKey) || errors.Is(err, ErrClosed) || errors.Is(err, ErrNoEventStream) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}
