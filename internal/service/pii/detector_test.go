package pii

import (
	"strings"
	"testing"
)

func TestDetectKinds(t *testing.T) {
	cases := []struct {
		name string
		text string
		kind string
	}{
		{"email", "reach me at alice@example.com please", KindEmail},
		{"phone", "call +1 555-123-4567 tomorrow", KindPhone},
		{"ssn", "ssn is 123-45-6789 on file", KindSSN},
		{"credit card", "card 4111 1111 1111 1111 expires soon", KindCreditCard},
		{"api key", "use sk-abcdef1234567890abcdef to auth", KindAPIKey},
		{"ip address", "server at 192.168.10.42 is down", KindIPAddress},
	}
	for _, tc := range cases {
		findings := Detect(tc.text)
		if len(findings) == 0 {
			t.Errorf("%s: no findings in %q", tc.name, tc.text)
			continue
		}
		found := false
		for _, f := range findings {
			if f.Kind == tc.kind {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: findings = %+v, want kind %s", tc.name, findings, tc.kind)
		}
	}
}

func TestDetectCleanText(t *testing.T) {
	text := "Write a function that reverses a linked list in place."
	if findings := Detect(text); len(findings) != 0 {
		t.Fatalf("findings = %+v, want none", findings)
	}
	if HasPII(text) {
		t.Fatal("clean text flagged as PII")
	}
}

func TestScrubReplacesWithPlaceholders(t *testing.T) {
	text := "email alice@example.com, ip 10.0.0.1"
	scrubbed, findings := Scrub(text)

	if strings.Contains(scrubbed, "alice@example.com") || strings.Contains(scrubbed, "10.0.0.1") {
		t.Fatalf("scrubbed = %q, PII survived", scrubbed)
	}
	if !strings.Contains(scrubbed, "[EMAIL]") || !strings.Contains(scrubbed, "[IP]") {
		t.Fatalf("scrubbed = %q, want placeholders", scrubbed)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %+v, want 2", findings)
	}
}

// SSNs and card numbers must be claimed before the looser phone pattern.
func TestScrubPrecedence(t *testing.T) {
	scrubbed, _ := Scrub("ssn 123-45-6789 and card 4111111111111111")
	if !strings.Contains(scrubbed, "[SSN]") {
		t.Fatalf("scrubbed = %q, want [SSN]", scrubbed)
	}
	if !strings.Contains(scrubbed, "[CARD]") {
		t.Fatalf("scrubbed = %q, want [CARD]", scrubbed)
	}
	if strings.Contains(scrubbed, "[PHONE]") {
		t.Fatalf("scrubbed = %q, phone pattern claimed structured digits", scrubbed)
	}
}

func TestScrubKeepsSurroundingText(t *testing.T) {
	scrubbed, _ := Scrub("before alice@example.com after")
	if scrubbed != "before [EMAIL] after" {
		t.Fatalf("scrubbed = %q", scrubbed)
	}
}

func TestHasPII(t *testing.T) {
	if !HasPII("my ssn is 123-45-6789") {
		t.Fatal("ssn not flagged")
	}
	if HasPII("nothing sensitive here") {
		t.Fatal("false positive")
	}
}
