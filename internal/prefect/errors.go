package prefect

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrAuth indicates a missing or rejected API key.
	ErrAuth = errors.New("prefect authentication error")

	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("not found in prefect")

	// ErrRateLimited indicates the API rejected the request with 429.
	ErrRateLimited = errors.New("prefect rate limit exceeded")

	// ErrNetwork indicates the API could not be reached.
	ErrNetwork = errors.New("network error communicating with prefect")

	// ErrInvalidResponse indicates a response body that could not be decoded.
	ErrInvalidResponse = errors.New("invalid response from prefect")
)

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Detail     string // "detail" field of the error body, when present
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("prefect API error (%s %s, status %d): %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("prefect API error (%s %s, status %d)", e.Method, e.Path, e.StatusCode)
}

// Unwrap maps well-known status codes onto the package sentinels so callers
// can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

// IsNotFound returns true if the error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
