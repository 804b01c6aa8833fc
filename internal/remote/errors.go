// Package remote provides the HTTP client for the vault storage authority,
// with automatic retry, backoff, and error classification.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for response classification.
// Use errors.Is(err, remote.ErrAuth) to check.
var (
	// ErrAuth covers rejected credentials and revoked sessions. Fatal —
	// never retried.
	ErrAuth = errors.New("remote: authentication failed")

	// ErrNetwork covers transport-level failures and retryable server
	// statuses after retries are exhausted.
	ErrNetwork = errors.New("remote: network failure")

	// ErrNotFound is returned when the authority has no such node.
	ErrNotFound = errors.New("remote: not found")

	// ErrQuota is returned when a storage or bandwidth limit is exceeded.
	// Surfaced immediately, not retried.
	ErrQuota = errors.New("remote: quota exceeded")

	// ErrThrottled is returned for rate-limit responses after retries
	// are exhausted.
	ErrThrottled = errors.New("remote: throttled")

	// ErrBadRequest is returned for malformed requests.
	ErrBadRequest = errors.New("remote: bad request")

	// ErrServer is returned for 5xx responses after retries are exhausted.
	ErrServer = errors.New("remote: server error")
)

// APIError wraps a sentinel error with the HTTP status, the request ID the
// authority echoes back, and the response body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusPaymentRequired, http.StatusInsufficientStorage:
		return ErrQuota
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServer
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
// Auth, quota, and not-found statuses are never retryable.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth retrying at a higher level
// (chunk retry in the transfer engine). Auth, quota, not-found, and
// integrity failures are permanent.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrAuth),
		errors.Is(err, ErrQuota),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrBadRequest):
		return false
	default:
		return true
	}
}
