package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateBoundsConcurrency(t *testing.T) {
	g := NewGate(2)

	r1, ok := g.TryAcquire()
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	r2, ok := g.TryAcquire()
	if !ok {
		t.Fatal("second acquire should succeed")
	}
	if _, ok := g.TryAcquire(); ok {
		t.Fatal("third acquire should fail at capacity")
	}

	r1()
	r3, ok := g.TryAcquire()
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
	r2()
	r3()
}

func TestGateAcquireRespectsCancellation(t *testing.T) {
	g := NewGate(1)
	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestGateDefaultCapacity(t *testing.T) {
	g := NewGate(0)
	if g.Max() != 12 {
		t.Fatalf("max = %d, want 12", g.Max())
	}
}
