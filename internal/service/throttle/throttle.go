// Package throttle implements the closed-loop controller that lowers a
// provider's effective RPM on 429 spikes and restores it during stable
// periods.
package throttle

import (
	"math"
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/agent-gateway/internal/adapter/observability"
)

const minThrottleFactor = 0.2

// Config tunes spike detection and restoration.
type Config struct {
	SpikeWindow      time.Duration // errors older than this are forgotten
	SpikeThreshold   int           // errors within window that trigger a throttle
	Reduction        float64       // multiplicative factor reduction per throttle
	RestoreIncrement float64       // multiplicative factor increase per restore
	StableMinutes    int           // stable check_restore ticks before restoring
	// Cooldown between consecutive throttles of the same provider.
	ThrottleCooldown time.Duration
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		SpikeWindow:      60 * time.Second,
		SpikeThreshold:   3,
		Reduction:        0.20,
		RestoreIncrement: 0.10,
		StableMinutes:    5,
		ThrottleCooldown: 30 * time.Second,
	}
}

// State is the per-provider throttle state. CurrentRPM always equals
// round(OriginalRPM * ThrottleFactor) with the factor floored at 0.2.
type State struct {
	OriginalRPM             int
	CurrentRPM              int
	ThrottleFactor          float64
	SpikeCount              int
	LastSpikeTime           time.Time
	ConsecutiveStableMins   int
	IsThrottled             bool
	LastErrorTime           time.Time
	LastStabilityReset      time.Time
}

// Alerter receives fire-and-forget notifications when a throttle engages.
type Alerter interface {
	ThrottleEngaged(provider string, state State)
}

type providerThrottle struct {
	state      State
	errorTimes []time.Time
}

// AutoThrottle observes post-hoc 429s and adjusts effective RPM.
type AutoThrottle struct {
	mu        sync.Mutex
	cfg       Config
	providers map[string]*providerThrottle
	alerter   Alerter
	// totalThrottles counts throttle engagements across providers.
	totalThrottles int

	now func() time.Time
}

// New builds an auto-throttle with the given config.
func New(cfg Config) *AutoThrottle {
	if cfg.SpikeWindow <= 0 {
		cfg.SpikeWindow = 60 * time.Second
	}
	if cfg.SpikeThreshold <= 0 {
		cfg.SpikeThreshold = 3
	}
	if cfg.Reduction <= 0 {
		cfg.Reduction = 0.20
	}
	if cfg.RestoreIncrement <= 0 {
		cfg.RestoreIncrement = 0.10
	}
	if cfg.StableMinutes <= 0 {
		cfg.StableMinutes = 5
	}
	if cfg.ThrottleCooldown <= 0 {
		cfg.ThrottleCooldown = 30 * time.Second
	}
	return &AutoThrottle{
		cfg:       cfg,
		providers: make(map[string]*providerThrottle),
		now:       time.Now,
	}
}

// SetAlerter installs the optional alert hook.
func (t *AutoThrottle) SetAlerter(a Alerter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alerter = a
}

// RegisterProvider seeds state for a provider with its configured RPM.
func (t *AutoThrottle) RegisterProvider(name string, originalRPM int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.providers[name]; ok {
		return
	}
	t.providers[name] = &providerThrottle{
		state: State{
			OriginalRPM:    originalRPM,
			CurrentRPM:     originalRPM,
			ThrottleFactor: 1.0,
		},
	}
}

// RecordError ingests one 429 observation for the provider. On a spike
// (threshold errors inside the window, outside the cooldown) the throttle
// factor is reduced multiplicatively, floored at 0.2 of the original RPM.
func (t *AutoThrottle) RecordError(name string) {
	t.mu.Lock()
	pt, ok := t.providers[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := t.now()
	pt.state.LastErrorTime = now
	pt.errorTimes = append(pt.errorTimes, now)

	// Purge errors outside the spike window.
	cutoff := now.Add(-t.cfg.SpikeWindow)
	kept := pt.errorTimes[:0]
	for _, ts := range pt.errorTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	pt.errorTimes = kept

	if len(pt.errorTimes) < t.cfg.SpikeThreshold {
		t.mu.Unlock()
		return
	}
	if !pt.state.LastSpikeTime.IsZero() && now.Sub(pt.state.LastSpikeTime) < t.cfg.ThrottleCooldown {
		t.mu.Unlock()
		return
	}

	pt.state.ThrottleFactor = math.Max(minThrottleFactor, pt.state.ThrottleFactor*(1-t.cfg.Reduction))
	pt.state.CurrentRPM = int(math.Round(float64(pt.state.OriginalRPM) * pt.state.ThrottleFactor))
	pt.state.IsThrottled = true
	pt.state.SpikeCount++
	pt.state.LastSpikeTime = now
	pt.state.ConsecutiveStableMins = 0
	pt.state.LastStabilityReset = now
	t.totalThrottles++
	state := pt.state
	alerter := t.alerter
	t.mu.Unlock()

	observability.RateLimitRPMLimit.WithLabelValues(name).Set(float64(state.CurrentRPM))
	slog.Warn("provider throttled after 429 spike",
		slog.String("provider", name),
		slog.Float64("throttle_factor", state.ThrottleFactor),
		slog.Int("current_rpm", state.CurrentRPM),
		slog.Int("spike_count", state.SpikeCount))

	if alerter != nil {
		// Fire-and-forget; a slow alert sink must not delay the call path.
		go alerter.ThrottleEngaged(name, state)
	}
}

// CheckRestore is called periodically (about once a minute). After the
// configured number of consecutive stable ticks the throttle factor is
// restored multiplicatively, capped at 1.0.
func (t *AutoThrottle) CheckRestore(name string) {
	t.mu.Lock()
	pt, ok := t.providers[name]
	if !ok || !pt.state.IsThrottled {
		t.mu.Unlock()
		return
	}
	now := t.now()

	if pt.state.LastErrorTime.After(pt.state.LastStabilityReset) {
		pt.state.ConsecutiveStableMins = 0
		pt.state.LastStabilityReset = now
		t.mu.Unlock()
		return
	}

	pt.state.ConsecutiveStableMins++
	if pt.state.ConsecutiveStableMins < t.cfg.StableMinutes {
		t.mu.Unlock()
		return
	}

	pt.state.ThrottleFactor = math.Min(1.0, pt.state.ThrottleFactor*(1+t.cfg.RestoreIncrement))
	pt.state.CurrentRPM = int(math.Round(float64(pt.state.OriginalRPM) * pt.state.ThrottleFactor))
	pt.state.ConsecutiveStableMins = 0
	pt.state.LastStabilityReset = now
	if pt.state.ThrottleFactor >= 1.0 {
		pt.state.IsThrottled = false
		pt.state.CurrentRPM = pt.state.OriginalRPM
	}
	state := pt.state
	t.mu.Unlock()

	observability.RateLimitRPMLimit.WithLabelValues(name).Set(float64(state.CurrentRPM))
	slog.Info("provider throttle restored",
		slog.String("provider", name),
		slog.Float64("throttle_factor", state.ThrottleFactor),
		slog.Int("current_rpm", state.CurrentRPM),
		slog.Bool("is_throttled", state.IsThrottled))
}

// CheckRestoreAll runs CheckRestore for every registered provider.
func (t *AutoThrottle) CheckRestoreAll() {
	t.mu.Lock()
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	t.mu.Unlock()
	for _, name := range names {
		t.CheckRestore(name)
	}
}

// CurrentRPM reports the effective RPM for a provider; the combined limiter
// consults this on each admission. Returns 0 when unregistered.
func (t *AutoThrottle) CurrentRPM(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pt, ok := t.providers[name]; ok {
		return pt.state.CurrentRPM
	}
	return 0
}

// GetState returns a copy of the provider's throttle state.
func (t *AutoThrottle) GetState(name string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pt, ok := t.providers[name]; ok {
		return pt.state, true
	}
	return State{}, false
}

// TotalThrottles reports how many throttle engagements have occurred.
func (t *AutoThrottle) TotalThrottles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalThrottles
}
