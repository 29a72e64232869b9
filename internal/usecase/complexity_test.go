package usecase

import (
	"testing"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
	"github.com/fairyhunter13/agent-gateway/internal/service/freemodels"
)

func TestDetermineComplexityExplicitWins(t *testing.T) {
	req := domain.ExecutionRequest{
		AgentID:    "dev",
		Task:       "explain how to compare two things",
		Complexity: domain.ComplexityCritical,
	}
	if got := DetermineComplexity(req); got != domain.ComplexityCritical {
		t.Fatalf("complexity = %s, want explicit value", got)
	}
}

func TestDetermineComplexityAgentDefault(t *testing.T) {
	cases := map[string]string{
		"analyst":   domain.ComplexitySimple,
		"dev":       domain.ComplexityCode,
		"architect": domain.ComplexityComplex,
		"reviewer":  domain.ComplexityMedium,
		"qa":        domain.ComplexitySimple,
		"pm":        domain.ComplexitySimple,
	}
	for agent, want := range cases {
		req := domain.ExecutionRequest{AgentID: agent, Task: "hello"}
		if got := DetermineComplexity(req); got != want {
			t.Errorf("agent %s: complexity = %s, want %s", agent, got, want)
		}
	}
}

// The agent default beats keyword inference.
func TestDetermineComplexityAgentDefaultBeatsKeywords(t *testing.T) {
	req := domain.ExecutionRequest{AgentID: "qa", Task: "review the architecture design"}
	if got := DetermineComplexity(req); got != domain.ComplexitySimple {
		t.Fatalf("complexity = %s, want the qa default", got)
	}
}

func TestDetermineComplexityKeywordInference(t *testing.T) {
	cases := []struct {
		task string
		want string
	}{
		{"we have an urgent production outage", domain.ComplexityCritical},
		{"debug this python function", domain.ComplexityCode},
		{"evaluate the database scalability", domain.ComplexityComplex},
		{"explain why the sky is blue", domain.ComplexityMedium},
		{"hello there", domain.ComplexitySimple},
	}
	for _, tc := range cases {
		req := domain.ExecutionRequest{AgentID: "custom-agent", Task: tc.task}
		if got := DetermineComplexity(req); got != tc.want {
			t.Errorf("task %q: complexity = %s, want %s", tc.task, got, tc.want)
		}
	}
}

// Code keywords outrank critical ones when a task mixes them; critical
// still wins when no code keyword is present.
func TestDetermineComplexityCodeBeatsCritical(t *testing.T) {
	req := domain.ExecutionRequest{AgentID: "custom-agent", Task: "critical bug in the api code"}
	if got := DetermineComplexity(req); got != domain.ComplexityCode {
		t.Fatalf("complexity = %s, want code", got)
	}

	req = domain.ExecutionRequest{AgentID: "custom-agent", Task: "critical outage, all hands"}
	if got := DetermineComplexity(req); got != domain.ComplexityCritical {
		t.Fatalf("complexity = %s, want critical", got)
	}
}

func TestTaskTypeFor(t *testing.T) {
	cases := map[string]string{
		domain.ComplexityCode:     freemodels.TaskTypeCode,
		domain.ComplexityComplex:  freemodels.TaskTypeReasoning,
		domain.ComplexityCritical: freemodels.TaskTypeReasoning,
		domain.ComplexityMedium:   freemodels.TaskTypeGeneral,
		domain.ComplexitySimple:   freemodels.TaskTypeGeneral,
	}
	for complexity, want := range cases {
		if got := TaskTypeFor(complexity); got != want {
			t.Errorf("complexity %s: task type = %s, want %s", complexity, got, want)
		}
	}
}
