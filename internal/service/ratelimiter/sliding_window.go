package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow tracks request timestamps over a rolling window, in memory.
// Check and Add are separate steps on this path, so a concurrent burst can
// exceed the limit across processes; this is the documented single-process
// fallback. The Redis Lua path eliminates the race.
type SlidingWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	windowSize time.Duration

	now func() time.Time
}

// NewSlidingWindow builds a window of the given size.
func NewSlidingWindow(windowSize time.Duration) *SlidingWindow {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &SlidingWindow{windowSize: windowSize, now: time.Now}
}

// purge drops entries older than the window. Caller holds mu.
func (w *SlidingWindow) purge(now time.Time) {
	cutoff := now.Add(-w.windowSize)
	i := 0
	for ; i < len(w.timestamps); i++ {
		if w.timestamps[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// Count returns the number of requests inside the window.
func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purge(w.now())
	return len(w.timestamps)
}

// Add appends the current time to the window.
func (w *SlidingWindow) Add() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.purge(now)
	w.timestamps = append(w.timestamps, now)
}

// CheckLimit reports whether another request fits under rpm.
func (w *SlidingWindow) CheckLimit(rpm int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purge(w.now())
	return len(w.timestamps) < rpm
}

// WaitForCapacity polls until a slot frees up or the timeout elapses.
func (w *SlidingWindow) WaitForCapacity(ctx context.Context, rpm int, timeout time.Duration) error {
	deadline := w.now().Add(timeout)
	for {
		if w.CheckLimit(rpm) {
			return nil
		}
		if !w.now().Before(deadline) {
			return context.DeadlineExceeded
		}
		t := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
