// Package costoptimizer selects providers per task-complexity class under a
// daily budget and records post-hoc usage cost.
package costoptimizer

import (
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/agent-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/agent-gateway/internal/config"
)

// Budget-exceeded actions.
const (
	ActionFallbackToFree = "fallback_to_free"
	ActionHardStop       = "hard_stop"
)

// defaultProvider is the safe fallback when routing yields nothing
// available. Kept hard-coded rather than erroring so a mis-scoped routing
// table degrades to the free tier instead of failing requests.
const defaultProvider = "groq"

// Optimizer tracks daily spend and applies the routing policy.
type Optimizer struct {
	mu     sync.Mutex
	limits config.CostLimits
	rules  map[string]config.RoutingRule
	costs  map[string]config.ProviderCost

	dailyCosts        map[string]float64
	userCosts         map[string]float64
	conversationCosts map[string]float64
	paidRequestsToday int
	freeRequestsToday int
	lastReset         time.Time

	// alerted suppresses repeat alert logs within a day.
	alerted bool

	now func() time.Time
}

// New builds an optimizer from the policy.
func New(limits config.CostLimits, rules map[string]config.RoutingRule, costs map[string]config.ProviderCost) *Optimizer {
	o := &Optimizer{
		limits: limits,
		rules:  rules,
		costs:  costs,
		now:    time.Now,
	}
	o.resetLocked(o.now())
	return o
}

// resetLocked clears the day's aggregates. Caller holds mu.
func (o *Optimizer) resetLocked(now time.Time) {
	o.dailyCosts = make(map[string]float64)
	o.userCosts = make(map[string]float64)
	o.conversationCosts = make(map[string]float64)
	o.paidRequestsToday = 0
	o.freeRequestsToday = 0
	o.alerted = false
	o.lastReset = now
}

// resetIfNewDay rolls the aggregates when the local wall date changes.
// Caller holds mu.
func (o *Optimizer) resetIfNewDay() {
	now := o.now()
	y1, m1, d1 := o.lastReset.Date()
	y2, m2, d2 := now.Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		slog.Info("cost optimizer day rollover",
			slog.Float64("previous_total", totalOf(o.dailyCosts)),
			slog.Int("paid_requests", o.paidRequestsToday),
			slog.Int("free_requests", o.freeRequestsToday))
		o.resetLocked(now)
	}
}

// SelectProvider picks a provider for a complexity class from the available
// set. When the daily budget is spent and the policy is fallback_to_free,
// preferences are filtered to free providers first.
func (o *Optimizer) SelectProvider(complexity string, available map[string]bool) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetIfNewDay()

	pref := o.rules[complexity].Providers
	if len(pref) == 0 {
		pref = []string{defaultProvider}
	}

	overBudget := o.limits.DailyBudget > 0 && totalOf(o.dailyCosts) >= o.limits.DailyBudget
	if overBudget && o.limits.BudgetExceededAction == ActionFallbackToFree {
		free := make([]string, 0, len(pref))
		for _, p := range pref {
			if o.costOf(p).InputPerMillion == 0 && o.costOf(p).OutputPerMillion == 0 {
				free = append(free, p)
			}
		}
		pref = free
	}

	for _, p := range pref {
		if available == nil || available[p] {
			return p
		}
	}
	if available == nil || available[defaultProvider] {
		return defaultProvider
	}
	// Nothing preferred is available; any available provider beats failing.
	for p := range available {
		return p
	}
	return defaultProvider
}

// OverBudget reports whether the day's spend has reached the budget.
func (o *Optimizer) OverBudget() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetIfNewDay()
	return o.limits.DailyBudget > 0 && totalOf(o.dailyCosts) >= o.limits.DailyBudget
}

// RecordUsage computes the call's cost and updates the day's aggregates.
// userID and conversationID may be empty.
func (o *Optimizer) RecordUsage(provider string, tokensIn, tokensOut int, userID, conversationID string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetIfNewDay()

	cost := o.costFor(provider, tokensIn, tokensOut)
	o.dailyCosts[provider] += cost
	if userID != "" {
		o.userCosts[userID] += cost
	}
	if conversationID != "" {
		o.conversationCosts[conversationID] += cost
	}
	if cost > 0 {
		o.paidRequestsToday++
	} else {
		o.freeRequestsToday++
	}

	if o.limits.DailyBudget > 0 {
		percent := totalOf(o.dailyCosts) / o.limits.DailyBudget * 100
		observability.QuotaUsagePercent.WithLabelValues(provider, "daily_budget").Set(percent)
		if percent >= o.limits.AlertAtPercent && !o.alerted {
			o.alerted = true
			slog.Warn("daily budget alert threshold reached",
				slog.Float64("percent_used", percent),
				slog.Float64("daily_budget", o.limits.DailyBudget),
				slog.Float64("spent", totalOf(o.dailyCosts)))
		}
	}
	return cost
}

// costFor prices one call. Costs are per 1M tokens; free tier is 0.
func (o *Optimizer) costFor(provider string, tokensIn, tokensOut int) float64 {
	c := o.costOf(provider)
	return float64(tokensIn)/1e6*c.InputPerMillion + float64(tokensOut)/1e6*c.OutputPerMillion
}

func (o *Optimizer) costOf(provider string) config.ProviderCost {
	if c, ok := o.costs[provider]; ok {
		return c
	}
	return config.ProviderCost{}
}

// Stats is a snapshot of the day's aggregates.
type Stats struct {
	DailyCosts        map[string]float64 `json:"daily_costs"`
	UserCosts         map[string]float64 `json:"user_costs"`
	ConversationCosts map[string]float64 `json:"conversation_costs"`
	TotalSpent        float64            `json:"total_spent"`
	DailyBudget       float64            `json:"daily_budget"`
	PaidRequestsToday int                `json:"paid_requests_today"`
	FreeRequestsToday int                `json:"free_requests_today"`
	LastReset         time.Time          `json:"last_reset"`
}

// GetStats returns a copy of the day's aggregates.
func (o *Optimizer) GetStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetIfNewDay()
	return Stats{
		DailyCosts:        copyMap(o.dailyCosts),
		UserCosts:         copyMap(o.userCosts),
		ConversationCosts: copyMap(o.conversationCosts),
		TotalSpent:        totalOf(o.dailyCosts),
		DailyBudget:       o.limits.DailyBudget,
		PaidRequestsToday: o.paidRequestsToday,
		FreeRequestsToday: o.freeRequestsToday,
		LastReset:         o.lastReset,
	}
}

func totalOf(m map[string]float64) float64 {
	total := 0.0
	for _, v := range m {
		total += v
	}
	return total
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
