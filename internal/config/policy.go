// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig describes one upstream provider instance.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	BaseURL     string        `yaml:"base_url,omitempty"`
	RPMLimit    int           `yaml:"rpm_limit"`
	TPMLimit    int           `yaml:"tpm_limit"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	Enabled     bool          `yaml:"enabled"`
}

// RateLimitConfig holds per-provider admission limits.
// Burst must be >= 1; the bucket refill rate derives from RPM/60.
type RateLimitConfig struct {
	RPM        int `yaml:"rpm"`
	RPD        int `yaml:"rpd,omitempty"`
	TPM        int `yaml:"tpm"`
	Burst      int `yaml:"burst"`
	WindowSize int `yaml:"window_size"`
}

// Normalize applies defaults and enforces invariants.
func (r RateLimitConfig) Normalize() RateLimitConfig {
	if r.Burst < 1 {
		r.Burst = 1
	}
	if r.WindowSize <= 0 {
		r.WindowSize = 60
	}
	return r
}

// CostLimits is the daily budget policy of the cost optimizer.
type CostLimits struct {
	DailyBudget          float64 `yaml:"daily_budget"`
	AlertAtPercent       float64 `yaml:"alert_at_percent"`
	BudgetExceededAction string  `yaml:"budget_exceeded_action"`
}

// RoutingRule lists providers in preference order for one complexity class.
type RoutingRule struct {
	Providers []string `yaml:"providers"`
}

// ProviderCost is the static per-1M-token price of one provider (0 = free tier).
type ProviderCost struct {
	InputPerMillion  float64 `yaml:"input"`
	OutputPerMillion float64 `yaml:"output"`
}

// AgentRoute names a primary provider and a fallback chain for one agent.
type AgentRoute struct {
	Primary  string   `yaml:"primary"`
	Fallback []string `yaml:"fallback"`
}

// Policy is the static startup policy: providers, limits, costs, routing.
type Policy struct {
	Providers  []ProviderConfig           `yaml:"providers"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	CostLimits CostLimits                 `yaml:"cost_limits"`
	// RoutingRules maps complexity class -> preferred providers.
	RoutingRules map[string]RoutingRule  `yaml:"routing_rules"`
	Costs        map[string]ProviderCost `yaml:"costs"`
	// Router maps agent id -> route; the "default" entry applies when the
	// agent is unmapped.
	Router map[string]AgentRoute `yaml:"router"`
	// EscalationTiers maps quality tiers (boss, ultimate) to provider names.
	EscalationTiers map[string]string `yaml:"escalation_tiers,omitempty"`
}

// LoadPolicy reads and validates the YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("op=config.LoadPolicy: %w", err)
	}
	return ParsePolicy(b)
}

// ParsePolicy decodes policy YAML and applies defaults.
func ParsePolicy(b []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, fmt.Errorf("op=config.ParsePolicy: %w", err)
	}
	if p.CostLimits.BudgetExceededAction == "" {
		p.CostLimits.BudgetExceededAction = "fallback_to_free"
	}
	if p.CostLimits.AlertAtPercent == 0 {
		p.CostLimits.AlertAtPercent = 80
	}
	for name, rl := range p.RateLimits {
		p.RateLimits[name] = rl.Normalize()
	}
	for i, pc := range p.Providers {
		if pc.Timeout == 0 {
			p.Providers[i].Timeout = 30 * time.Second
		}
	}
	return p, nil
}

// EnabledProviders returns the configured providers with Enabled set.
func (p Policy) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(p.Providers))
	for _, pc := range p.Providers {
		if pc.Enabled {
			out = append(out, pc)
		}
	}
	return out
}
