package ratelimiter

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is the process-wide ceiling on concurrent upstream calls.
type Gate struct {
	sem *semaphore.Weighted
	max int64
}

// NewGate builds a gate with the given capacity (default 12).
func NewGate(max int) *Gate {
	if max <= 0 {
		max = 12
	}
	return &Gate{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Acquire blocks until a slot is free or the context is cancelled. The
// returned release function is safe to call exactly once and must run on
// every exit path, including panics.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}

// TryAcquire takes a slot without blocking.
func (g *Gate) TryAcquire() (release func(), ok bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { g.sem.Release(1) }, true
}

// Max reports the configured capacity.
func (g *Gate) Max() int64 { return g.max }
