package usecase

import (
	"strings"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
	"github.com/fairyhunter13/agent-gateway/internal/service/freemodels"
)

// agentDefaultComplexity maps well-known agent ids to a baseline class,
// consulted when the request does not state one explicitly.
var agentDefaultComplexity = map[string]string{
	"analyst":   domain.ComplexitySimple,
	"dev":       domain.ComplexityCode,
	"architect": domain.ComplexityComplex,
	"reviewer":  domain.ComplexityMedium,
	"qa":        domain.ComplexitySimple,
	"pm":        domain.ComplexitySimple,
}

// Groups are checked in order; code keywords win over architecture and
// critical ones when a task mixes them.
var complexityKeywords = []struct {
	class    string
	keywords []string
}{
	{domain.ComplexityCode, []string{
		"code", "function", "class", "implement", "bug", "debug",
		"refactor", "python", "javascript", "typescript", "api",
	}},
	{domain.ComplexityComplex, []string{
		"architecture", "design", "system", "database", "security",
		"performance", "scalability", "review",
	}},
	{domain.ComplexityCritical, []string{
		"critical", "production", "emergency", "urgent", "security breach",
	}},
	{domain.ComplexityMedium, []string{
		"explain", "how to", "why", "compare", "recommend",
	}},
}

// DetermineComplexity resolves the class for a request: explicit value,
// then the agent default, then keyword inference over the task, then simple.
func DetermineComplexity(req domain.ExecutionRequest) string {
	if req.Complexity != "" {
		return req.Complexity
	}
	if class, ok := agentDefaultComplexity[req.AgentID]; ok {
		return class
	}
	task := strings.ToLower(req.Task)
	for _, group := range complexityKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(task, kw) {
				return group.class
			}
		}
	}
	return domain.ComplexitySimple
}

// TaskTypeFor maps a complexity class to the aggregator model-selection
// hint.
func TaskTypeFor(complexity string) string {
	switch complexity {
	case domain.ComplexityCode:
		return freemodels.TaskTypeCode
	case domain.ComplexityComplex, domain.ComplexityCritical:
		return freemodels.TaskTypeReasoning
	default:
		return freemodels.TaskTypeGeneral
	}
}
