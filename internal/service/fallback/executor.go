// Package fallback iterates a per-agent provider chain, rotating to the
// next provider on retryable failure.
package fallback

import (
	"context"
	"sync"

	"log/slog"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// CallFunc invokes one named provider through the full admission pipeline
// (gate, limiter, retry, adapter). The executor stays agnostic of wiring.
type CallFunc func(ctx context.Context, providerName string, opts domain.CallOptions) (*domain.LLMResponse, error)

// Stats tracks fallback behavior. FallbackTriggered counts requests that
// hit at least two providers.
type Stats struct {
	TotalCalls        int64 `json:"total_calls"`
	FallbackTriggered int64 `json:"fallback_triggered"`
	FallbackSuccess   int64 `json:"fallback_success"`
	AllFailed         int64 `json:"all_failed"`
}

// FallbackRate is the share of calls that needed a second provider.
func (s Stats) FallbackRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FallbackTriggered) / float64(s.TotalCalls)
}

// SuccessRate is the share of fallback attempts that ultimately succeeded.
func (s Stats) SuccessRate() float64 {
	if s.FallbackTriggered == 0 {
		return 0
	}
	return float64(s.FallbackSuccess) / float64(s.FallbackTriggered)
}

// Executor resolves and walks provider chains.
type Executor struct {
	mu sync.Mutex
	// registrationOrder is the default chain when an agent is unmapped.
	registrationOrder []string
	registered        map[string]bool
	chains            map[string][]string
	call              CallFunc
	stats             Stats
}

// NewExecutor builds an executor over the registered provider names, in
// registration order, with optional per-agent custom chains.
func NewExecutor(providerOrder []string, chains map[string][]string, call CallFunc) *Executor {
	registered := make(map[string]bool, len(providerOrder))
	for _, p := range providerOrder {
		registered[p] = true
	}
	if chains == nil {
		chains = map[string][]string{}
	}
	return &Executor{
		registrationOrder: append([]string(nil), providerOrder...),
		registered:        registered,
		chains:            chains,
		call:              call,
	}
}

// defaultChainKey routes agents without a custom chain.
const defaultChainKey = "default"

// Chain resolves the provider chain for an agent: the agent's custom chain
// filtered to registered providers, else the "default" chain, else all
// registered providers in registration order.
func (e *Executor) Chain(agentID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range []string{agentID, defaultChainKey} {
		custom, ok := e.chains[key]
		if !ok {
			continue
		}
		chain := make([]string, 0, len(custom))
		for _, p := range custom {
			if e.registered[p] {
				chain = append(chain, p)
			}
		}
		if len(chain) > 0 {
			return chain
		}
	}
	return append([]string(nil), e.registrationOrder...)
}

// ExecuteWithFallback walks the agent's chain until a provider succeeds.
// Retryable failures rotate to the next provider; unexpected adapter errors
// also rotate but are logged at error level. An exhausted chain yields
// AllProvidersFailedError with the per-provider error map.
func (e *Executor) ExecuteWithFallback(ctx context.Context, agentID string, opts domain.CallOptions) (*domain.LLMResponse, error) {
	resp, _, err := e.ExecuteWithPreferred(ctx, agentID, "", opts)
	return resp, err
}

// ExecuteWithPreferred is ExecuteWithFallback with the named provider moved
// to the front of the chain (the cost optimizer's pick). It also reports
// how many providers were tried so callers can mark fallback_used.
func (e *Executor) ExecuteWithPreferred(ctx context.Context, agentID, preferred string, opts domain.CallOptions) (*domain.LLMResponse, int, error) {
	chain := e.Chain(agentID)
	if preferred != "" {
		reordered := make([]string, 0, len(chain))
		reordered = append(reordered, preferred)
		for _, p := range chain {
			if p != preferred {
				reordered = append(reordered, p)
			}
		}
		if e.registered[preferred] {
			chain = reordered
		}
	}

	e.mu.Lock()
	e.stats.TotalCalls++
	e.mu.Unlock()

	errs := make(map[string]error, len(chain))
	for i, providerName := range chain {
		if i == 1 {
			e.mu.Lock()
			e.stats.FallbackTriggered++
			e.mu.Unlock()
		}

		resp, err := e.call(ctx, providerName, opts)
		if err == nil {
			if i > 0 {
				e.mu.Lock()
				e.stats.FallbackSuccess++
				e.mu.Unlock()
				slog.Info("fallback succeeded",
					slog.String("agent", agentID),
					slog.String("provider", providerName),
					slog.Int("providers_tried", i+1))
			}
			return resp, i + 1, nil
		}
		if ctx.Err() != nil {
			return nil, i + 1, ctx.Err()
		}
		errs[providerName] = err

		if domain.IsRetryable(err, nil) {
			slog.Warn("provider failed, trying next in chain",
				slog.String("agent", agentID),
				slog.String("provider", providerName),
				slog.Any("error", err))
		} else {
			slog.Error("provider failed with non-retryable error, trying next in chain",
				slog.String("agent", agentID),
				slog.String("provider", providerName),
				slog.Any("error", err))
		}
	}

	e.mu.Lock()
	e.stats.AllFailed++
	e.mu.Unlock()
	return nil, len(chain), &domain.AllProvidersFailedError{AgentID: agentID, Chain: chain, Errors: errs}
}

// Stats returns a snapshot of the executor's counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
