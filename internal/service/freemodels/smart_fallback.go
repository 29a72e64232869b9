package freemodels

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// ModelCaller is the aggregator adapter surface the smart fallback drives:
// the same call, parameterized by model.
type ModelCaller interface {
	Name() string
	CallModel(ctx context.Context, model string, opts domain.CallOptions) (*domain.LLMResponse, error)
}

// SmartFallback re-picks free models when the chosen one is unavailable.
// Unavailability is a property of the model, not the aggregator, so it is
// handled here instead of rotating to the next provider.
type SmartFallback struct {
	catalog    *Service
	caller     ModelCaller
	maxRetries int
	retryDelay time.Duration
}

// NewSmartFallback wires the catalog to an aggregator adapter.
func NewSmartFallback(catalog *Service, caller ModelCaller) *SmartFallback {
	return &SmartFallback{
		catalog:    catalog,
		caller:     caller,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// CallWithAutoFallback picks the best free model for the task type and
// calls it, re-picking on model-unavailable errors up to maxRetries times.
// When every cataloged model is marked failed mid-loop, the failure memory
// is cleared once per attempt so the remaining budget retries them all.
// Other errors pass through to the normal retry/fallback machinery.
func (f *SmartFallback) CallWithAutoFallback(ctx context.Context, opts domain.CallOptions) (*domain.LLMResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}

		model, err := f.catalog.PickBest(ctx, opts.TaskType)
		if err != nil {
			return nil, err
		}
		if model == "" && f.catalog.ClearFailed() {
			// Every cataloged model is marked failed; unavailability is
			// usually transient, so wipe the memory and give them all
			// another chance within the remaining retry budget.
			slog.Warn("all free models marked failed, clearing failure memory",
				slog.String("provider", f.caller.Name()),
				slog.Int("attempt", attempt+1))
			model, err = f.catalog.PickBest(ctx, opts.TaskType)
			if err != nil {
				return nil, err
			}
		}
		if model == "" {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, &domain.APIError{
				Provider: f.caller.Name(),
				Message:  "no free models available",
			}
		}

		resp, err := f.caller.CallModel(ctx, model, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsModelUnavailable(err) {
			return nil, err
		}

		f.catalog.MarkFailed(model)
		slog.Warn("free model unavailable, re-picking",
			slog.String("provider", f.caller.Name()),
			slog.String("model", model),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return nil, lastErr
}

// IsModelUnavailable classifies errors that mean the specific model (not
// the aggregator) is down: 404/410 statuses or unavailability phrasing in
// the error body. Quota 429s are left to the rate-limit path, but a 429
// saying the model itself is rate-limited upstream means pick another one.
func IsModelUnavailable(err error) bool {
	var rlErr *domain.RateLimitError
	if errors.As(err, &rlErr) {
		return strings.Contains(strings.ToLower(rlErr.Message), "rate-limited upstream")
	}
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == 404 || apiErr.Status == 410 {
			return true
		}
		msg := strings.ToLower(apiErr.Message)
		for _, marker := range []string{
			"model unavailable",
			"model is not available",
			"not a valid model",
			"no endpoints found",
			"model not found",
			"is currently overloaded",
		} {
			if strings.Contains(msg, marker) {
				return true
			}
		}
	}
	return false
}
