package httpclient

import (
	"fmt"
	"net/http"
	"time"
)

// RetryableError represents an HTTP failure that may succeed on a later attempt
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // How long to wait before retrying
	Err        error
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is retryable
func (e *RetryableError) IsRetryable() bool {
	return true
}

// ParseRetryAfter extracts a Retry-After delay from response headers
func ParseRetryAfter(headers http.Header) time.Duration {
	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
			return seconds
		}
	}
	return 0
}

// isRetryableStatus reports whether a status code warrants another attempt
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
