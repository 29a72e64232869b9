package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/agent-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// Limiter modes reported by Mode().
const (
	ModeAtomic = "atomic"
	ModeMemory = "memory"
)

// RPMSource lets the auto-throttle shape the effective RPM consulted on
// each admission. It receives the provider name and configured RPM and
// returns the effective value.
type RPMSource func(provider string, configuredRPM int) int

type providerState struct {
	cfg    config.RateLimitConfig
	bucket *TokenBucket
	window *SlidingWindow
	// lastEffectiveRPM tracks what was last pushed to the atomic path.
	lastEffectiveRPM int
}

// CombinedLimiter composes the token bucket and sliding window per provider.
// With a Redis client it runs the atomic path; otherwise the in-memory
// fallback, which is single-process only.
type CombinedLimiter struct {
	mu             sync.RWMutex
	providers      map[string]*providerState
	redis          *RedisLimiter
	acquireTimeout time.Duration
	rpmSource      RPMSource
}

// NewCombinedLimiter builds the limiter. rdb may be nil for in-memory mode;
// the non-atomic fallback logs a visible warning since rpm is then enforced
// per-process, not globally.
func NewCombinedLimiter(rdb *RedisLimiter, acquireTimeout time.Duration) *CombinedLimiter {
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	l := &CombinedLimiter{
		providers:      make(map[string]*providerState),
		redis:          rdb,
		acquireTimeout: acquireTimeout,
	}
	if rdb == nil {
		slog.Warn("rate limiter running in non-atomic in-memory mode; limits are per-process only")
	}
	return l
}

// SetRPMSource installs the effective-RPM hook consulted on each admission.
func (l *CombinedLimiter) SetRPMSource(src RPMSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rpmSource = src
}

// Mode reports which admission path is active.
func (l *CombinedLimiter) Mode() string {
	if l.redis != nil {
		return ModeAtomic
	}
	return ModeMemory
}

// RegisterProvider prepares state for a provider and publishes the static
// gauges. Registration is idempotent: the same config yields identical
// observable limits.
func (l *CombinedLimiter) RegisterProvider(name string, cfg config.RateLimitConfig) {
	cfg = cfg.Normalize()
	windowSize := time.Duration(cfg.WindowSize) * time.Second

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.providers[name]; ok && st.cfg == cfg {
		return
	}
	l.providers[name] = &providerState{
		cfg:              cfg,
		bucket:           NewTokenBucket(name, cfg.Burst, cfg.RPM, windowSize),
		window:           NewSlidingWindow(windowSize),
		lastEffectiveRPM: cfg.RPM,
	}
	if l.redis != nil {
		l.redis.SetBucketConfig(name, BucketConfig{RPM: cfg.RPM, Burst: cfg.Burst, WindowSize: windowSize})
	}

	observability.RateLimitRPMLimit.WithLabelValues(name).Set(float64(cfg.RPM))
	observability.RateLimitBurstCapacity.WithLabelValues(name).Set(float64(cfg.Burst))
	observability.RateLimitTokensCapacity.WithLabelValues(name).Set(float64(cfg.Burst))
	slog.Info("rate limit provider registered",
		slog.String("provider", name),
		slog.Int("rpm", cfg.RPM),
		slog.Int("burst", cfg.Burst),
		slog.Int("window_size", cfg.WindowSize))
}

// Registered reports whether a provider has been registered.
func (l *CombinedLimiter) Registered(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.providers[name]
	return ok
}

// Acquire admits one request for the provider or returns a rate-limit
// error. The provider must have been registered.
func (l *CombinedLimiter) Acquire(ctx context.Context, name string) error {
	l.mu.RLock()
	st, ok := l.providers[name]
	src := l.rpmSource
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: rate limiter has no provider %q", domain.ErrProviderNotFound, name)
	}

	effRPM := st.cfg.RPM
	if src != nil {
		if v := src(name, st.cfg.RPM); v > 0 {
			effRPM = v
		}
	}
	l.applyEffectiveRPM(name, st, effRPM)

	if l.redis != nil {
		return l.acquireAtomic(ctx, name, st)
	}
	return l.acquireMemory(ctx, name, st, effRPM)
}

// applyEffectiveRPM pushes a changed effective RPM into the active path.
func (l *CombinedLimiter) applyEffectiveRPM(name string, st *providerState, effRPM int) {
	l.mu.Lock()
	changed := st.lastEffectiveRPM != effRPM
	if changed {
		st.lastEffectiveRPM = effRPM
	}
	l.mu.Unlock()
	if !changed {
		return
	}
	windowSize := time.Duration(st.cfg.WindowSize) * time.Second
	if l.redis != nil {
		l.redis.SetBucketConfig(name, BucketConfig{RPM: effRPM, Burst: st.cfg.Burst, WindowSize: windowSize})
	} else {
		st.bucket.SetRefillRPM(effRPM)
	}
	observability.RateLimitRPMLimit.WithLabelValues(name).Set(float64(effRPM))
	slog.Info("effective rpm updated",
		slog.String("provider", name),
		slog.Int("rpm", effRPM))
}

func (l *CombinedLimiter) acquireAtomic(ctx context.Context, name string, st *providerState) error {
	allowed, retryAfter, err := l.redis.Allow(ctx, name)
	if err != nil {
		// Fail open on Redis errors to avoid hard outages; upstream 429
		// handling still applies separately.
		return nil
	}
	if !allowed {
		return &domain.RateLimitError{
			Provider:   name,
			RetryAfter: retryAfter,
			Message:    "admission denied by rate limiter",
		}
	}
	if count, err := l.redis.WindowCount(ctx, name); err == nil {
		observability.RateLimitWindowOccupancy.WithLabelValues(name).Set(float64(count))
		if st.cfg.RPM > 0 {
			observability.QuotaUsagePercent.WithLabelValues(name, "rpm").Set(float64(count) / float64(st.cfg.RPM) * 100)
		}
	}
	return nil
}

func (l *CombinedLimiter) acquireMemory(ctx context.Context, name string, st *providerState, effRPM int) error {
	if !st.window.CheckLimit(effRPM) {
		if err := st.window.WaitForCapacity(ctx, effRPM, l.acquireTimeout); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &domain.RateLimitError{
					Provider: name,
					Message:  fmt.Sprintf("window capacity wait exceeded %s", l.acquireTimeout),
				}
			}
			return err
		}
	}
	if err := st.bucket.Acquire(ctx); err != nil {
		return err
	}
	st.window.Add()

	observability.RateLimitTokensAvailable.WithLabelValues(name).Set(st.bucket.Available())
	occupancy := st.window.Count()
	observability.RateLimitWindowOccupancy.WithLabelValues(name).Set(float64(occupancy))
	if effRPM > 0 {
		observability.QuotaUsagePercent.WithLabelValues(name, "rpm").Set(float64(occupancy) / float64(effRPM) * 100)
	}
	return nil
}
