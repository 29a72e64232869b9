package costoptimizer

import (
	"math"
	"testing"
	"time"

	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

func testPolicy() (config.CostLimits, map[string]config.RoutingRule, map[string]config.ProviderCost) {
	limits := config.CostLimits{
		DailyBudget:          1.0,
		AlertAtPercent:       80,
		BudgetExceededAction: ActionFallbackToFree,
	}
	rules := map[string]config.RoutingRule{
		domain.ComplexitySimple:  {Providers: []string{"groq", "cerebras"}},
		domain.ComplexityComplex: {Providers: []string{"openai", "groq"}},
	}
	costs := map[string]config.ProviderCost{
		"groq":     {},
		"cerebras": {},
		"openai":   {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	}
	return limits, rules, costs
}

func allOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func TestSelectProviderPreferenceOrder(t *testing.T) {
	o := New(testPolicy())
	got := o.SelectProvider(domain.ComplexityComplex, allOf("groq", "cerebras", "openai"))
	if got != "openai" {
		t.Fatalf("provider = %s, want openai", got)
	}
}

func TestSelectProviderSkipsUnavailable(t *testing.T) {
	o := New(testPolicy())
	got := o.SelectProvider(domain.ComplexityComplex, allOf("groq", "cerebras"))
	if got != "groq" {
		t.Fatalf("provider = %s, want groq", got)
	}
}

func TestSelectProviderUnknownComplexityFallsBackToDefault(t *testing.T) {
	o := New(testPolicy())
	got := o.SelectProvider("unknown", allOf("groq", "openai"))
	if got != "groq" {
		t.Fatalf("provider = %s, want safe default groq", got)
	}
}

func TestBudgetExhaustedFiltersToFree(t *testing.T) {
	o := New(testPolicy())
	// One expensive call blows the $1 budget: 10M output tokens at $0.60/M.
	o.RecordUsage("openai", 0, 10_000_000, "", "")
	if !o.OverBudget() {
		t.Fatal("budget should be exhausted")
	}

	got := o.SelectProvider(domain.ComplexityComplex, allOf("groq", "openai"))
	if got != "groq" {
		t.Fatalf("provider = %s, want free-tier groq after budget exhaustion", got)
	}
}

func TestRecordUsageCostMath(t *testing.T) {
	o := New(testPolicy())
	cost := o.RecordUsage("openai", 1_000_000, 1_000_000, "u1", "c1")
	want := 0.15 + 0.60
	if math.Abs(cost-want) > 1e-9 {
		t.Fatalf("cost = %v, want %v", cost, want)
	}

	stats := o.GetStats()
	if math.Abs(stats.TotalSpent-want) > 1e-9 {
		t.Fatalf("total spent = %v, want %v", stats.TotalSpent, want)
	}
	if math.Abs(stats.UserCosts["u1"]-want) > 1e-9 {
		t.Fatalf("user cost = %v, want %v", stats.UserCosts["u1"], want)
	}
	if math.Abs(stats.ConversationCosts["c1"]-want) > 1e-9 {
		t.Fatalf("conversation cost = %v, want %v", stats.ConversationCosts["c1"], want)
	}
	if stats.PaidRequestsToday != 1 {
		t.Fatalf("paid requests = %d, want 1", stats.PaidRequestsToday)
	}
}

func TestRecordUsageFreeTier(t *testing.T) {
	o := New(testPolicy())
	if cost := o.RecordUsage("groq", 500, 500, "u1", ""); cost != 0 {
		t.Fatalf("cost = %v, want 0 for free tier", cost)
	}
	stats := o.GetStats()
	if stats.FreeRequestsToday != 1 || stats.PaidRequestsToday != 0 {
		t.Fatalf("free=%d paid=%d, want 1/0", stats.FreeRequestsToday, stats.PaidRequestsToday)
	}
}

// Aggregated daily cost equals the sum of the individual recorded calls.
func TestCostAggregationLaw(t *testing.T) {
	o := New(testPolicy())
	sum := 0.0
	for i := 0; i < 10; i++ {
		sum += o.RecordUsage("openai", 10_000*i, 5_000*i, "u1", "c1")
	}
	stats := o.GetStats()
	if math.Abs(stats.TotalSpent-sum) > 1e-9 {
		t.Fatalf("total spent = %v, want sum of calls %v", stats.TotalSpent, sum)
	}
}

func TestDayRolloverResetsAggregates(t *testing.T) {
	o := New(testPolicy())
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return clock }
	o.resetLocked(clock)

	o.RecordUsage("openai", 1_000_000, 0, "u1", "")
	if o.GetStats().TotalSpent == 0 {
		t.Fatal("spend should be recorded")
	}

	clock = clock.Add(2 * time.Hour) // crosses midnight
	stats := o.GetStats()
	if stats.TotalSpent != 0 {
		t.Fatalf("total spent = %v, want 0 after rollover", stats.TotalSpent)
	}
	if stats.PaidRequestsToday != 0 {
		t.Fatalf("paid requests = %d, want 0 after rollover", stats.PaidRequestsToday)
	}
}
