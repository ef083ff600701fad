package delivery

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout marks an attempt aborted by the per-attempt timeout
	ErrTimeout = errors.New("request timed out")
	// ErrMalformedResponse marks a 2xx reply whose body is not an envelope
	ErrMalformedResponse = errors.New("malformed response envelope")
)

// HTTPError is a non-2xx collector reply
type HTTPError struct {
	StatusCode int
	StatusText string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error: %d %s", e.StatusCode, e.StatusText)
}

// APIError is a 2xx reply whose envelope reports failure or carries no data
type APIError struct {
	Message string
	Errors  map[string]string
}

func (e *APIError) Error() string {
	return "API Error: " + e.Message
}

// classifyReason buckets a failed attempt for metrics and dead letters
func classifyReason(err error) string {
	var httpErr *HTTPError
	var apiErr *APIError

	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &httpErr):
		switch {
		case httpErr.StatusCode >= 500:
			return "http_5xx"
		case httpErr.StatusCode == 429:
			return "http_429"
		case httpErr.StatusCode >= 400:
			return "http_4xx"
		}
		return "http_other"
	case errors.As(err, &apiErr):
		return "envelope"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	}

	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	return "network"
}

// statusOf returns the HTTP status carried by err, or 0
func statusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
