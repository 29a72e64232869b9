package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlidingWindowPurgesOldEntries(t *testing.T) {
	clock := time.Now()
	w := NewSlidingWindow(time.Minute)
	w.now = func() time.Time { return clock }

	w.Add()
	w.Add()
	if got := w.Count(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	clock = clock.Add(61 * time.Second)
	if got := w.Count(); got != 0 {
		t.Fatalf("count after window = %d, want 0", got)
	}
}

func TestSlidingWindowCheckLimit(t *testing.T) {
	w := NewSlidingWindow(time.Minute)
	for i := 0; i < 3; i++ {
		if !w.CheckLimit(3) {
			t.Fatalf("check %d should pass below limit", i)
		}
		w.Add()
	}
	if w.CheckLimit(3) {
		t.Fatal("check at limit should fail")
	}
}

func TestSlidingWindowWaitForCapacityTimesOut(t *testing.T) {
	w := NewSlidingWindow(time.Minute)
	w.Add()

	err := w.WaitForCapacity(context.Background(), 1, 150*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestSlidingWindowWaitForCapacityRespectsCancel(t *testing.T) {
	w := NewSlidingWindow(time.Minute)
	w.Add()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.WaitForCapacity(ctx, 1, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want canceled", err)
	}
}
