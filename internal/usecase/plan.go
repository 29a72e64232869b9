package usecase

import (
	"context"
	"fmt"
	"strings"

	"log/slog"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// requiredMethodology is the only plan methodology the validator accepts.
const requiredMethodology = "BMAD-Agile"

// AgileMetadata frames a plan's process context.
type AgileMetadata struct {
	Methodology         string   `json:"methodology"`
	ComplianceChecklist []string `json:"compliance_checklist"`
}

// PlanTask is one specialist sub-call inside a plan.
type PlanTask struct {
	ID               string   `json:"id"`
	Role             string   `json:"role"`
	ProviderKey      string   `json:"provider_key"`
	ExpertiseContext string   `json:"expertise_context"`
	TaskPrompt       string   `json:"task_prompt"`
	Inputs           []string `json:"inputs"`
	ExpectedOutputs  string   `json:"expected_outputs,omitempty"`
	DefinitionOfDone string   `json:"definition_of_done,omitempty"`
	Blocking         bool     `json:"blocking,omitempty"`
}

// PromptPlan is a DAG of specialist sub-calls plus an optional synthesis
// step over their outputs.
type PromptPlan struct {
	UserRequest          string        `json:"user_request"`
	NormalizedProblem    string        `json:"normalized_problem"`
	Agile                AgileMetadata `json:"agile_metadata"`
	Tasks                []PlanTask    `json:"tasks"`
	AggregationStrategy  string        `json:"aggregation_strategy,omitempty"`
	PostProcessingPrompt string        `json:"post_processing_prompt,omitempty"`
}

// PlanOptimizer produces a plan for a task, or nil when a single direct
// call is the better shape.
type PlanOptimizer interface {
	Optimize(ctx context.Context, task string) (*PromptPlan, error)
}

// Synthesizer merges ordered per-task outputs into a final answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, outputs []TaskOutput, postProcessingPrompt string) (string, error)
}

// TaskOutput pairs one finished plan task with its result.
type TaskOutput struct {
	TaskID   string
	Provider string
	Content  string
}

// ValidatePlan enforces the structural invariants before execution: the
// methodology and checklist, unique non-empty task ids, resolvable
// provider keys and inputs, and an acyclic dependency graph. Violations
// are process-compliance errors and never retried.
func ValidatePlan(plan *PromptPlan, providerRegistered func(string) bool) error {
	if plan.Agile.Methodology != requiredMethodology {
		return fmt.Errorf("%w: methodology %q, want %q",
			domain.ErrProcessCompliance, plan.Agile.Methodology, requiredMethodology)
	}
	if len(plan.Agile.ComplianceChecklist) == 0 {
		return fmt.Errorf("%w: compliance checklist is empty", domain.ErrProcessCompliance)
	}
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("%w: plan has no tasks", domain.ErrProcessCompliance)
	}

	byID := make(map[string]*PlanTask, len(plan.Tasks))
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if t.ID == "" {
			return fmt.Errorf("%w: task %d has empty id", domain.ErrProcessCompliance, i)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %q", domain.ErrProcessCompliance, t.ID)
		}
		byID[t.ID] = t
		if !providerRegistered(t.ProviderKey) {
			return fmt.Errorf("%w: task %q references unregistered provider %q",
				domain.ErrProcessCompliance, t.ID, t.ProviderKey)
		}
	}
	for _, t := range plan.Tasks {
		for _, in := range t.Inputs {
			if in == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", domain.ErrProcessCompliance, t.ID)
			}
			if _, ok := byID[in]; !ok {
				return fmt.Errorf("%w: task %q input %q does not resolve",
					domain.ErrProcessCompliance, t.ID, in)
			}
		}
	}

	// DFS with grey/black marking; a grey revisit is a back-edge.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(plan.Tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: dependency cycle through task %q", domain.ErrProcessCompliance, id)
		case black:
			return nil
		}
		color[id] = grey
		for _, in := range byID[id].Inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, t := range plan.Tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// executePlan runs a validated plan: tasks become ready when all inputs are
// complete, each runs through the same admission pipeline as a single call,
// and the outputs are synthesized or concatenated. Token counts are summed;
// provider and model reflect the last finished task.
func (o *Orchestrator) executePlan(ctx context.Context, plan *PromptPlan, opts domain.CallOptions) (*domain.LLMResponse, error) {
	results := make(map[string]*domain.LLMResponse, len(plan.Tasks))
	order := make([]string, 0, len(plan.Tasks))
	var last *domain.LLMResponse
	totalIn, totalOut := 0, 0

	for len(results) < len(plan.Tasks) {
		progressed := false
		for i := range plan.Tasks {
			t := &plan.Tasks[i]
			if _, done := results[t.ID]; done {
				continue
			}
			if !inputsReady(t, results) {
				continue
			}

			taskOpts := domain.CallOptions{
				Messages:    planMessages(t, results),
				MaxTokens:   opts.MaxTokens,
				Temperature: opts.Temperature,
				TaskType:    opts.TaskType,
			}
			resp, err := o.callProvider(ctx, t.ProviderKey, taskOpts)
			if err != nil {
				return nil, fmt.Errorf("plan task %s: %w", t.ID, err)
			}
			results[t.ID] = resp
			order = append(order, t.ID)
			last = resp
			totalIn += resp.TokensInput
			totalOut += resp.TokensOutput
			progressed = true
			slog.Info("plan task completed",
				slog.String("task", t.ID),
				slog.String("provider", t.ProviderKey),
				slog.Int("done", len(results)),
				slog.Int("total", len(plan.Tasks)))
		}
		if !progressed {
			return nil, fmt.Errorf("%w: plan made no progress with %d/%d tasks done",
				domain.ErrProcessCompliance, len(results), len(plan.Tasks))
		}
	}

	outputs := make([]TaskOutput, 0, len(order))
	for _, id := range order {
		var providerKey string
		for i := range plan.Tasks {
			if plan.Tasks[i].ID == id {
				providerKey = plan.Tasks[i].ProviderKey
				break
			}
		}
		outputs = append(outputs, TaskOutput{TaskID: id, Provider: providerKey, Content: results[id].Content})
	}

	content := concatOutputs(outputs)
	if o.synthesizer != nil {
		synthesized, err := o.synthesizer.Synthesize(ctx, outputs, plan.PostProcessingPrompt)
		if err != nil {
			slog.Warn("plan synthesis failed, concatenating task outputs", slog.Any("error", err))
		} else {
			content = synthesized
		}
	}

	return &domain.LLMResponse{
		Content:      content,
		TokensInput:  totalIn,
		TokensOutput: totalOut,
		LatencyMS:    last.LatencyMS,
		Model:        last.Model,
		FinishReason: last.FinishReason,
		ProviderName: last.ProviderName,
	}, nil
}

func inputsReady(t *PlanTask, results map[string]*domain.LLMResponse) bool {
	for _, in := range t.Inputs {
		if _, ok := results[in]; !ok {
			return false
		}
	}
	return true
}

// planMessages builds the task's message pair, injecting each dependency's
// output into the user turn.
func planMessages(t *PlanTask, results map[string]*domain.LLMResponse) []domain.Message {
	var user strings.Builder
	user.WriteString(t.TaskPrompt)
	for _, in := range t.Inputs {
		fmt.Fprintf(&user, "\n\nContext from %s: %s", in, results[in].Content)
	}
	return []domain.Message{
		{Role: domain.RoleSystem, Content: t.ExpertiseContext},
		{Role: domain.RoleUser, Content: user.String()},
	}
}

func concatOutputs(outputs []TaskOutput) string {
	parts := make([]string, 0, len(outputs))
	for _, out := range outputs {
		parts = append(parts, fmt.Sprintf("Task %s (%s) => %s", out.TaskID, out.Provider, out.Content))
	}
	return strings.Join(parts, "\n\n")
}
