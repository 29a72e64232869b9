package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RateLimitError is surfaced for upstream 429s. RetryAfter is zero when the
// upstream did not send a usable Retry-After header.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s rate limited (retry after %s): %s", e.Provider, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("provider %s rate limited: %s", e.Provider, e.Message)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// TimeoutError is surfaced for connection or read timeouts against upstreams.
type TimeoutError struct {
	Provider string
	Message  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s timeout: %s", e.Provider, e.Message)
}

func (e *TimeoutError) Unwrap() error { return ErrUpstreamTimeout }

// APIError covers every other upstream failure. Status is zero when the
// failure happened below HTTP (DNS, TLS, connection reset).
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s api error (status %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s api error: %s", e.Provider, e.Message)
}

// AllProvidersFailedError aggregates per-provider failures after a fallback
// chain is exhausted.
type AllProvidersFailedError struct {
	AgentID string
	Chain   []string
	Errors  map[string]error
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, p := range e.Chain {
		if err, ok := e.Errors[p]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", p, err))
		}
	}
	if len(parts) == 0 {
		for p, err := range e.Errors {
			parts = append(parts, fmt.Sprintf("%s: %v", p, err))
		}
		sort.Strings(parts)
	}
	return fmt.Sprintf("all providers failed for agent %s: [%s]", e.AgentID, strings.Join(parts, "; "))
}

// IsRetryable reports whether an error should trigger fallback or backoff.
// RateLimit and Timeout are always retryable; API errors only for the
// transient 5xx statuses.
func IsRetryable(err error, retryableStatuses map[int]bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamTimeout) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if retryableStatuses == nil {
			return defaultRetryableStatuses[apiErr.Status]
		}
		return retryableStatuses[apiErr.Status]
	}
	return false
}

var defaultRetryableStatuses = map[int]bool{500: true, 502: true, 503: true, 504: true}

// ClassifyError maps an error to a coarse kind for metrics and audit rows.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limit"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	default:
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "api"
		}
		return "other"
	}
}
