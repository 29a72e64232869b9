package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

func fastRetryConfig(maxAttempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		Multiplier:      2,
	}
}

func TestRetrySucceedsAfterRateLimit(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(3), time.Second, nil)

	calls := 0
	start := time.Now()
	result, err := e.Do(context.Background(), func(context.Context) (*domain.LLMResponse, error) {
		calls++
		if calls == 1 {
			return nil, &domain.RateLimitError{Provider: "p", RetryAfter: 100 * time.Millisecond}
		}
		return &domain.LLMResponse{Content: "ok"}, nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if result.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", result.Attempts)
	}
	if result.Response.Content != "ok" {
		t.Fatalf("response = %+v", result.Response)
	}
	// The Retry-After wait was honored, not the millisecond backoff schedule.
	if elapsed < 100*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 100ms retry-after wait", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("elapsed = %v, waited far longer than requested", elapsed)
	}
}

func TestRetryAfterAboveCapSurfaces(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(3), 50*time.Millisecond, nil)

	calls := 0
	start := time.Now()
	_, err := e.Do(context.Background(), func(context.Context) (*domain.LLMResponse, error) {
		calls++
		return nil, &domain.RateLimitError{Provider: "p", RetryAfter: time.Hour}
	})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("error = %v, want rate limited", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no sleep on oversized retry-after)", calls)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("executor slept instead of surfacing")
	}
}

func TestRetryNonRetryableImmediate(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(3), time.Second, nil)

	calls := 0
	_, err := e.Do(context.Background(), func(context.Context) (*domain.LLMResponse, error) {
		calls++
		return nil, &domain.APIError{Provider: "p", Status: 401, Message: "bad key"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryRetryableStatusExhaustsAttempts(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(3), time.Second, nil)

	calls := 0
	result, err := e.Do(context.Background(), func(context.Context) (*domain.LLMResponse, error) {
		calls++
		return nil, &domain.APIError{Provider: "p", Status: 503, Message: "down"}
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 || result.Attempts != 3 {
		t.Fatalf("calls = %d attempts = %d, want 3", calls, result.Attempts)
	}
}

func TestRetryCustomStatusSet(t *testing.T) {
	// With a custom set, 503 is no longer retryable.
	e := NewRetryExecutor(fastRetryConfig(3), time.Second, []int{500})

	calls := 0
	_, err := e.Do(context.Background(), func(context.Context) (*domain.LLMResponse, error) {
		calls++
		return nil, &domain.APIError{Provider: "p", Status: 503}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 with 503 excluded", calls)
	}
}

func TestRetryTimeoutRetried(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(2), time.Second, nil)

	calls := 0
	result, err := e.Do(context.Background(), func(context.Context) (*domain.LLMResponse, error) {
		calls++
		if calls == 1 {
			return nil, &domain.TimeoutError{Provider: "p", Message: "deadline"}
		}
		return &domain.LLMResponse{Content: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if result.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", result.Attempts)
	}
}

func TestRetryContextCancelStopsSleep(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(3), time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := e.Do(ctx, func(context.Context) (*domain.LLMResponse, error) {
			return nil, &domain.RateLimitError{Provider: "p", RetryAfter: time.Minute}
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}
