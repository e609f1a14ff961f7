package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies API errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorAuth                        // 401, 403
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorAuth:
		return "auth"
	case ErrorBadRequest:
		return "bad_request"
	default:
		return "fatal"
	}
}

// IsRetryable reports whether the kind warrants retrying.
func (k ErrorKind) IsRetryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded
}

// apiError captures HTTP status and response body.
type apiError struct {
	statusCode int
	body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// Kind classifies the error from status code and body.
func (e *apiError) Kind() ErrorKind {
	bodyLower := strings.ToLower(e.body)

	if e.statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return ErrorRateLimit
	}
	if e.statusCode == 529 ||
		strings.Contains(bodyLower, "overloaded") ||
		strings.Contains(bodyLower, "capacity") {
		return ErrorOverloaded
	}
	switch e.statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	}
	if e.statusCode >= 500 {
		return ErrorRetryable
	}
	return ErrorFatal
}

// KindOf classifies any completion error. Non-API failures (network,
// timeout) count as retryable transport errors.
func KindOf(err error) ErrorKind {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	return ErrorRetryable
}
