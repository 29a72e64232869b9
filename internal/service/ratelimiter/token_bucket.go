// Package ratelimiter implements the per-provider admission stack: token
// bucket plus sliding window, combined atomically on Redis when available
// and in-memory otherwise, plus the process-wide concurrency gate.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// TokenBucket is a continuously-refilling bucket. Capacity is the burst
// allowance; refill derives from rpm/60. Acquires are serialized under a
// mutex, giving in-process FIFO fairness at the bucket's granularity.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	windowSize time.Duration
	lastRefill time.Time
	provider   string

	// now is swappable for tests.
	now func() time.Time
}

// NewTokenBucket builds a full bucket for a provider.
func NewTokenBucket(provider string, burst int, rpm int, windowSize time.Duration) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	b := &TokenBucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: float64(rpm) / 60.0,
		windowSize: windowSize,
		provider:   provider,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// SetRefillRPM updates the refill rate; used when the auto-throttle adjusts
// the effective RPM.
func (b *TokenBucket) SetRefillRPM(rpm int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.refillRate = float64(rpm) / 60.0
}

// refill tops the bucket up from wall-clock elapsed time. Caller holds mu.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}
}

// Acquire takes one token, sleeping for refill when the bucket is empty.
// A computed wait longer than the window size is surfaced as a rate-limit
// error instead of slept on.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		var wait time.Duration
		if b.refillRate <= 0 {
			wait = b.windowSize + time.Second
		} else {
			wait = time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
		}
		b.mu.Unlock()

		if wait > b.windowSize {
			return &domain.RateLimitError{
				Provider: b.provider,
				Message:  fmt.Sprintf("token bucket refill wait %s exceeds window %s", wait, b.windowSize),
			}
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// TryAcquire takes a token without waiting.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Available reports the current token count.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Capacity reports the burst capacity.
func (b *TokenBucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Reset refills the bucket to capacity.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = b.now()
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
