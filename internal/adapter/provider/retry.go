package provider

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// RetryExecutor wraps provider calls with bounded exponential backoff and
// Retry-After handling. Only errors classified retryable trigger another
// attempt; everything else surfaces immediately.
type RetryExecutor struct {
	cfg config.RetryConfig
	// MaxWait caps honored Retry-After headers. A header above the cap is
	// surfaced as the rate-limit error instead of slept on.
	maxWait           time.Duration
	retryableStatuses map[int]bool
}

// NewRetryExecutor builds an executor from retry config.
func NewRetryExecutor(cfg config.RetryConfig, maxWait time.Duration, retryableStatuses []int) *RetryExecutor {
	var statuses map[int]bool
	if len(retryableStatuses) > 0 {
		statuses = make(map[int]bool, len(retryableStatuses))
		for _, s := range retryableStatuses {
			statuses[s] = true
		}
	}
	if maxWait <= 0 {
		maxWait = 300 * time.Second
	}
	return &RetryExecutor{cfg: cfg, maxWait: maxWait, retryableStatuses: statuses}
}

// Result carries the call outcome plus the attempt count.
type Result struct {
	Response *domain.LLMResponse
	Attempts int
}

// Do runs fn until it succeeds, a non-retryable error occurs, attempts run
// out, or the context is cancelled.
func (e *RetryExecutor) Do(ctx context.Context, fn func(ctx context.Context) (*domain.LLMResponse, error)) (Result, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.cfg.InitialInterval
	expo.MaxInterval = e.cfg.MaxInterval
	expo.MaxElapsedTime = e.cfg.MaxElapsedTime
	expo.Multiplier = e.cfg.Multiplier
	expo.Reset()

	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return Result{Response: resp, Attempts: attempt}, nil
		}
		lastErr = err

		if !domain.IsRetryable(err, e.retryableStatuses) {
			return Result{Attempts: attempt}, err
		}
		if attempt == maxAttempts {
			break
		}

		delay, surfaceNow := e.nextDelay(err, expo)
		if surfaceNow {
			return Result{Attempts: attempt}, err
		}
		slog.Debug("retrying upstream call",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if err := sleepCtx(ctx, delay); err != nil {
			return Result{Attempts: attempt}, err
		}
	}
	return Result{Attempts: maxAttempts}, lastErr
}

// nextDelay prefers an upstream Retry-After over the backoff schedule.
// Returns surfaceNow=true when the requested wait exceeds the cap.
func (e *RetryExecutor) nextDelay(err error, expo *backoff.ExponentialBackOff) (time.Duration, bool) {
	var rle *domain.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		if rle.RetryAfter > e.maxWait {
			return 0, true
		}
		return rle.RetryAfter, false
	}
	d := expo.NextBackOff()
	if d == backoff.Stop {
		return 0, true
	}
	return d, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
