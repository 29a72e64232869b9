package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// ParseRetryAfter parses a Retry-After header value into a wait duration.
// Accepts delta-seconds integers or RFC-1123 HTTP-dates; anything else
// (including dates in the past) yields (0, false).
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

// normalizeHTTPError maps a non-2xx upstream response to the error taxonomy.
func normalizeHTTPError(providerName string, status int, retryAfterHeader, body string) error {
	if status == http.StatusTooManyRequests {
		retryAfter, _ := ParseRetryAfter(retryAfterHeader, time.Now())
		return &domain.RateLimitError{
			Provider:   providerName,
			RetryAfter: retryAfter,
			Message:    snippet(body, 256),
		}
	}
	return &domain.APIError{
		Provider: providerName,
		Status:   status,
		Message:  snippet(body, 256),
	}
}

// normalizeTransportError maps transport-level failures (DNS, timeouts,
// cancelled contexts) to the error taxonomy.
func normalizeTransportError(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.TimeoutError{Provider: providerName, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.TimeoutError{Provider: providerName, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.APIError{Provider: providerName, Message: err.Error()}
}

func snippet(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
