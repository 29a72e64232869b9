// Package quality inspects provider responses and recommends tier
// escalation. The checks are tuned heuristics, exposed as configuration
// rather than hardcoded.
package quality

import (
	"strings"
)

// Escalation tiers in order.
const (
	TierWorker   = "worker"
	TierBoss     = "boss"
	TierUltimate = "ultimate"
)

// Issue kinds reported by Validate.
const (
	IssueTooShort      = "too_short"
	IssueErrorMarker   = "error_marker"
	IssueLowConfidence = "low_confidence"
	IssueIncomplete    = "incomplete"
	IssueCorrupted     = "corrupted"
)

// Config holds the tuned thresholds and marker lists.
type Config struct {
	// MinLength maps tier -> minimum acceptable content length.
	MinLength map[string]int
	// ErrorMarkers flag outright failures, matched case-insensitive.
	ErrorMarkers []string
	// HedgingPhrases count toward the low-confidence issue.
	HedgingPhrases []string
	// HedgingThreshold is the distinct-phrase count that flags low confidence.
	HedgingThreshold float64
	// ValidThreshold is the minimum score considered valid.
	ValidThreshold float64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MinLength: map[string]int{
			TierWorker: 50,
			TierBoss:   200,
		},
		ErrorMarkers: []string{
			"i cannot", "i can't", "i don't know", "i am unable",
			"[error]", "failed to", "as an ai", "i apologize, but",
		},
		HedgingPhrases: []string{
			"maybe", "perhaps", "i think", "possibly", "it seems",
			"not sure", "might be", "could be",
		},
		HedgingThreshold: 3,
		ValidThreshold:   0.6,
	}
}

// Report is the validation outcome for one response.
type Report struct {
	Issues         []string `json:"issues"`
	QualityScore   float64  `json:"quality_score"`
	IsValid        bool     `json:"is_valid"`
	ShouldEscalate bool     `json:"should_escalate"`
	// NextTier is the recommended escalation target, empty at the top tier.
	NextTier string `json:"next_tier,omitempty"`
}

// Validator scores responses against the configured heuristics.
type Validator struct {
	cfg Config
}

// New builds a validator; zero-value config fields fall back to defaults.
func New(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.MinLength == nil {
		cfg.MinLength = def.MinLength
	}
	if cfg.ErrorMarkers == nil {
		cfg.ErrorMarkers = def.ErrorMarkers
	}
	if cfg.HedgingPhrases == nil {
		cfg.HedgingPhrases = def.HedgingPhrases
	}
	if cfg.HedgingThreshold == 0 {
		cfg.HedgingThreshold = def.HedgingThreshold
	}
	if cfg.ValidThreshold == 0 {
		cfg.ValidThreshold = def.ValidThreshold
	}
	return &Validator{cfg: cfg}
}

// Validate scores content produced at the given tier. Deductions: short
// 0.3, error marker 0.4, low confidence 0.2, incomplete 0.1, corrupted 0.3;
// the score is clamped to [0, 1].
func (v *Validator) Validate(content, finishReason, tier string) Report {
	lower := strings.ToLower(content)
	var issues []string
	score := 1.0

	if minLen, ok := v.cfg.MinLength[tier]; ok && len(content) < minLen {
		issues = append(issues, IssueTooShort)
		score -= 0.3
	}

	hasErrorMarker := false
	for _, marker := range v.cfg.ErrorMarkers {
		if strings.Contains(lower, marker) {
			hasErrorMarker = true
			break
		}
	}
	if hasErrorMarker {
		issues = append(issues, IssueErrorMarker)
		score -= 0.4
	}

	hedges := 0
	for _, phrase := range v.cfg.HedgingPhrases {
		if strings.Contains(lower, phrase) {
			hedges++
		}
	}
	if float64(hedges) >= v.cfg.HedgingThreshold {
		issues = append(issues, IssueLowConfidence)
		score -= 0.2
	}

	if finishReason == "length" && !endsWithTerminator(content) {
		issues = append(issues, IssueIncomplete)
		score -= 0.1
	}

	if strings.Count(content, "{") != strings.Count(content, "}") {
		issues = append(issues, IssueCorrupted)
		score -= 0.3
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	isValid := score >= v.cfg.ValidThreshold
	shouldEscalate := !isValid || hasErrorMarker || (tier == TierWorker && len(issues) >= 2)

	return Report{
		Issues:         issues,
		QualityScore:   score,
		IsValid:        isValid,
		ShouldEscalate: shouldEscalate,
		NextTier:       NextTier(tier),
	}
}

// NextTier returns the escalation target above a tier, or empty at the top.
func NextTier(tier string) string {
	switch tier {
	case TierWorker:
		return TierBoss
	case TierBoss:
		return TierUltimate
	default:
		return ""
	}
}

func endsWithTerminator(content string) bool {
	trimmed := strings.TrimRight(content, " \t\n")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
