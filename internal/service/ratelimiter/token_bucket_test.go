package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

func TestTokenBucketBurst(t *testing.T) {
	b := NewTokenBucket("groq", 3, 30, time.Minute)
	for i := 0; i < 3; i++ {
		if !b.TryAcquire() {
			t.Fatalf("acquire %d should succeed within burst", i)
		}
	}
	if b.TryAcquire() {
		t.Fatal("acquire beyond burst should fail without refill")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	clock := time.Now()
	b := NewTokenBucket("groq", 1, 60, time.Minute)
	b.now = func() time.Time { return clock }
	b.Reset()

	if !b.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if b.TryAcquire() {
		t.Fatal("bucket should be empty")
	}

	// 60 rpm refills one token per second.
	clock = clock.Add(time.Second)
	if !b.TryAcquire() {
		t.Fatal("acquire after refill should succeed")
	}
}

func TestTokenBucketRefillNeverExceedsCapacity(t *testing.T) {
	clock := time.Now()
	b := NewTokenBucket("groq", 2, 60, time.Minute)
	b.now = func() time.Time { return clock }
	b.Reset()

	clock = clock.Add(time.Hour)
	if got := b.Available(); got != 2 {
		t.Fatalf("available = %v, want capacity 2", got)
	}
}

func TestTokenBucketAcquireRaisesWhenWaitExceedsWindow(t *testing.T) {
	// rpm=1 means a 60 s refill wait, far beyond the 1 s window.
	b := NewTokenBucket("groq", 1, 1, time.Second)
	if !b.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	err := b.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("error = %v, want rate limited", err)
	}
}

func TestTokenBucketMinimumBurst(t *testing.T) {
	b := NewTokenBucket("groq", 0, 30, time.Minute)
	if b.Capacity() != 1 {
		t.Fatalf("capacity = %v, want 1", b.Capacity())
	}
}
