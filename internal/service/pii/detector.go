// Package pii detects and masks personally identifiable information in
// outbound prompts and stored transcripts. Detection is advisory: regex
// patterns trade recall for zero external dependencies and will miss
// free-form PII.
package pii

import (
	"regexp"
)

// Finding is one detected PII occurrence.
type Finding struct {
	Kind  string `json:"kind"`
	Match string `json:"match"`
}

// Detected kinds.
const (
	KindEmail      = "email"
	KindPhone      = "phone"
	KindSSN        = "ssn"
	KindCreditCard = "credit_card"
	KindAPIKey     = "api_key"
	KindIPAddress  = "ip_address"
)

type pattern struct {
	kind        string
	re          *regexp.Regexp
	replacement string
}

var patterns = []pattern{
	{KindEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{KindSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{KindCreditCard, regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[CARD]"},
	{KindPhone, regexp.MustCompile(`\b\+?\d{1,3}[ .\-]?\(?\d{2,4}\)?[ .\-]?\d{3,4}[ .\-]?\d{3,4}\b`), "[PHONE]"},
	{KindAPIKey, regexp.MustCompile(`\b(?:sk|pk|api|key|token)[-_][A-Za-z0-9\-_]{16,}\b`), "[API_KEY]"},
	{KindIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[IP]"},
}

// Detect returns every PII occurrence in order of pattern precedence.
func Detect(text string) []Finding {
	var findings []Finding
	for _, p := range patterns {
		for _, m := range p.re.FindAllString(text, -1) {
			findings = append(findings, Finding{Kind: p.kind, Match: m})
		}
	}
	return findings
}

// Scrub replaces each detected occurrence with a kind placeholder. Pattern
// order matters: SSNs and cards are masked before the looser phone pattern
// can claim their digits.
func Scrub(text string) (string, []Finding) {
	var findings []Finding
	for _, p := range patterns {
		text = p.re.ReplaceAllStringFunc(text, func(m string) string {
			findings = append(findings, Finding{Kind: p.kind, Match: m})
			return p.replacement
		})
	}
	return text, findings
}

// HasPII reports whether any pattern matches.
func HasPII(text string) bool {
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}
