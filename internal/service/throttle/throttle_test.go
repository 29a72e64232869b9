package throttle

import (
	"math"
	"sync"
	"testing"
	"time"
)

func newTestThrottle() (*AutoThrottle, *time.Time) {
	clock := time.Now()
	at := New(DefaultConfig())
	at.now = func() time.Time { return clock }
	return at, &clock
}

func TestThrottleEngagesAfterSpike(t *testing.T) {
	at, clock := newTestThrottle()
	at.RegisterProvider("groq", 30)

	// Three 429s inside the 60 s spike window.
	for i := 0; i < 3; i++ {
		*clock = clock.Add(time.Second)
		at.RecordError("groq")
	}

	state, ok := at.GetState("groq")
	if !ok {
		t.Fatal("provider should be registered")
	}
	if !state.IsThrottled {
		t.Fatal("provider should be throttled after spike")
	}
	if math.Abs(state.ThrottleFactor-0.80) > 1e-9 {
		t.Fatalf("throttle factor = %v, want 0.80", state.ThrottleFactor)
	}
	if state.CurrentRPM != 24 {
		t.Fatalf("current rpm = %d, want 24", state.CurrentRPM)
	}
	if state.SpikeCount != 1 {
		t.Fatalf("spike count = %d, want 1", state.SpikeCount)
	}
	if at.TotalThrottles() != 1 {
		t.Fatalf("total throttles = %d, want 1", at.TotalThrottles())
	}
}

func TestThrottleBelowThresholdDoesNothing(t *testing.T) {
	at, clock := newTestThrottle()
	at.RegisterProvider("groq", 30)

	at.RecordError("groq")
	*clock = clock.Add(time.Second)
	at.RecordError("groq")

	state, _ := at.GetState("groq")
	if state.IsThrottled {
		t.Fatal("two errors should not throttle")
	}
	if state.CurrentRPM != 30 {
		t.Fatalf("current rpm = %d, want 30", state.CurrentRPM)
	}
}

func TestThrottleWindowForgetsOldErrors(t *testing.T) {
	at, clock := newTestThrottle()
	at.RegisterProvider("groq", 30)

	at.RecordError("groq")
	at.RecordError("groq")
	// The first two fall out of the 60 s window.
	*clock = clock.Add(2 * time.Minute)
	at.RecordError("groq")

	state, _ := at.GetState("groq")
	if state.IsThrottled {
		t.Fatal("stale errors should not count toward a spike")
	}
}

func TestThrottleCooldownPreventsImmediateRepeat(t *testing.T) {
	at, clock := newTestThrottle()
	at.RegisterProvider("groq", 30)

	for i := 0; i < 3; i++ {
		*clock = clock.Add(time.Second)
		at.RecordError("groq")
	}
	// Still inside the 30 s cooldown.
	for i := 0; i < 3; i++ {
		*clock = clock.Add(time.Second)
		at.RecordError("groq")
	}

	if at.TotalThrottles() != 1 {
		t.Fatalf("total throttles = %d, want 1 within cooldown", at.TotalThrottles())
	}
}

func TestThrottleFactorFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleCooldown = time.Millisecond
	at := New(cfg)
	clock := time.Now()
	at.now = func() time.Time { return clock }
	at.RegisterProvider("groq", 30)

	// Repeated spikes push the factor toward, but never below, 0.2.
	for spike := 0; spike < 20; spike++ {
		for i := 0; i < 3; i++ {
			clock = clock.Add(time.Millisecond * 50)
			at.RecordError("groq")
		}
	}

	state, _ := at.GetState("groq")
	if state.ThrottleFactor < 0.2-1e-9 {
		t.Fatalf("throttle factor = %v, below floor 0.2", state.ThrottleFactor)
	}
	if state.CurrentRPM < 6 {
		t.Fatalf("current rpm = %d, below 0.2 of original", state.CurrentRPM)
	}
}

func TestThrottleRestoreAfterStablePeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StableMinutes = 2
	at := New(cfg)
	clock := time.Now()
	at.now = func() time.Time { return clock }
	at.RegisterProvider("groq", 30)

	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Second)
		at.RecordError("groq")
	}
	state, _ := at.GetState("groq")
	if state.CurrentRPM != 24 {
		t.Fatalf("current rpm = %d, want 24 after throttle", state.CurrentRPM)
	}

	// Two stable one-minute ticks with no errors trigger one restore step.
	clock = clock.Add(time.Minute)
	at.CheckRestore("groq")
	clock = clock.Add(time.Minute)
	at.CheckRestore("groq")

	state, _ = at.GetState("groq")
	if math.Abs(state.ThrottleFactor-0.88) > 1e-9 {
		t.Fatalf("throttle factor = %v, want 0.88 after one restore", state.ThrottleFactor)
	}
	if state.CurrentRPM != 26 {
		t.Fatalf("current rpm = %d, want 26 after one restore", state.CurrentRPM)
	}
	if !state.IsThrottled {
		t.Fatal("still below full rpm, should remain throttled")
	}
}

func TestThrottleRestoreClearsAtFullFactor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StableMinutes = 1
	at := New(cfg)
	clock := time.Now()
	at.now = func() time.Time { return clock }
	at.RegisterProvider("groq", 30)

	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Second)
		at.RecordError("groq")
	}
	for i := 0; i < 10; i++ {
		clock = clock.Add(time.Minute)
		at.CheckRestore("groq")
	}

	state, _ := at.GetState("groq")
	if state.IsThrottled {
		t.Fatal("fully restored provider should not be throttled")
	}
	if state.CurrentRPM != 30 {
		t.Fatalf("current rpm = %d, want original 30", state.CurrentRPM)
	}
	if state.ThrottleFactor < 1.0 {
		t.Fatalf("throttle factor = %v, want 1.0", state.ThrottleFactor)
	}
}

func TestThrottleErrorResetsStability(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StableMinutes = 2
	at := New(cfg)
	clock := time.Now()
	at.now = func() time.Time { return clock }
	at.RegisterProvider("groq", 30)

	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Second)
		at.RecordError("groq")
	}
	clock = clock.Add(time.Minute)
	at.CheckRestore("groq")
	// A single fresh error (no spike) wipes accumulated stability.
	clock = clock.Add(3 * time.Minute)
	at.RecordError("groq")
	clock = clock.Add(time.Minute)
	at.CheckRestore("groq")
	clock = clock.Add(time.Minute)
	at.CheckRestore("groq")

	state, _ := at.GetState("groq")
	if math.Abs(state.ThrottleFactor-0.80) > 1e-9 {
		t.Fatalf("throttle factor = %v, want 0.80 (restore interrupted)", state.ThrottleFactor)
	}
}

type recordingAlerter struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (a *recordingAlerter) ThrottleEngaged(provider string, _ State) {
	a.mu.Lock()
	a.calls = append(a.calls, provider)
	a.mu.Unlock()
	a.done <- struct{}{}
}

func TestThrottleAlerterFires(t *testing.T) {
	at, clock := newTestThrottle()
	at.RegisterProvider("groq", 30)
	alerter := &recordingAlerter{done: make(chan struct{}, 1)}
	at.SetAlerter(alerter)

	for i := 0; i < 3; i++ {
		*clock = clock.Add(time.Second)
		at.RecordError("groq")
	}

	select {
	case <-alerter.done:
	case <-time.After(time.Second):
		t.Fatal("alerter was not notified")
	}
	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	if len(alerter.calls) != 1 || alerter.calls[0] != "groq" {
		t.Fatalf("alerter calls = %v, want [groq]", alerter.calls)
	}
}

func TestThrottleCurrentRPMUnregistered(t *testing.T) {
	at, _ := newTestThrottle()
	if rpm := at.CurrentRPM("nope"); rpm != 0 {
		t.Fatalf("rpm = %d, want 0 for unregistered provider", rpm)
	}
}
