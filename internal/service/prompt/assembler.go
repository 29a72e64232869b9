// Package prompt renders agent personas into system prompts and shapes the
// message array sent upstream.
package prompt

import (
	"fmt"
	"strings"

	"log/slog"

	"github.com/fairyhunter13/agent-gateway/internal/adapter/tokencount"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// promptTokenCeiling is the hard advisory cap on the assembled system
// prompt; exceeding it logs a warning, estimated at 4 chars per token.
const promptTokenCeiling = 4000

// historyTokenBudget caps the estimated token weight of injected history.
const historyTokenBudget = 4000

// UserConfig scopes prompt rendering to the requesting user.
type UserConfig struct {
	CommunicationLanguage string
	UserName              string
}

// Assembler renders personas to prompts.
type Assembler struct {
	historyBudget int
}

// New builds an assembler with the default budgets.
func New() *Assembler {
	return &Assembler{historyBudget: historyTokenBudget}
}

// SystemPrompt renders the persona in five sections: intro, persona, menu
// (when present), rules, activation. Deterministic for a given record and
// user config.
func (a *Assembler) SystemPrompt(agent domain.AgentRecord, user UserConfig) string {
	var b strings.Builder

	// Section 1: intro.
	fmt.Fprintf(&b, "You are %s", agent.Name)
	if agent.Title != "" {
		fmt.Fprintf(&b, ", a %s", agent.Title)
	}
	b.WriteString(".\n")

	// Section 2: persona.
	b.WriteString("\nPERSONA:\n")
	if agent.Persona.Role != "" {
		fmt.Fprintf(&b, "- Role: %s\n", agent.Persona.Role)
	}
	if agent.Persona.Identity != "" {
		fmt.Fprintf(&b, "- Identity: %s\n", agent.Persona.Identity)
	}
	if agent.Persona.CommunicationStyle != "" {
		fmt.Fprintf(&b, "- Communication Style: %s\n", agent.Persona.CommunicationStyle)
	}
	for _, p := range agent.Persona.Principles {
		fmt.Fprintf(&b, "- Principle: %s\n", p)
	}

	// Section 3: menu (optional).
	if len(agent.Menu) > 0 {
		b.WriteString("\nCOMMANDS:\n")
		for i, item := range agent.Menu {
			if item.Description != "" {
				fmt.Fprintf(&b, "%d. %s - %s\n", i+1, item.Cmd, item.Description)
			} else {
				fmt.Fprintf(&b, "%d. %s\n", i+1, item.Cmd)
			}
		}
	}

	// Section 4: rules.
	lang := user.CommunicationLanguage
	if lang == "" {
		lang = "English"
	}
	b.WriteString("\nRULES:\n")
	fmt.Fprintf(&b, "- Communicate in %s.\n", lang)
	if user.UserName != "" {
		fmt.Fprintf(&b, "- Address the user as %s.\n", user.UserName)
	}
	b.WriteString("- Answer only within your role and expertise.\n")
	b.WriteString("- Be direct; do not invent facts you cannot support.\n")

	// Section 5: activation.
	fmt.Fprintf(&b, "\nStay in character as %s for the entire conversation.", agent.Name)

	out := b.String()
	if est := tokencount.Estimate(out); est > promptTokenCeiling {
		slog.Warn("assembled system prompt exceeds token ceiling",
			slog.String("agent", agent.ID),
			slog.Int("estimated_tokens", est),
			slog.Int("ceiling", promptTokenCeiling))
	}
	return out
}

// BuildMessages assembles the full message array: system prompt, then as
// much recent history as fits the token budget, then the current task as
// the final user turn.
func (a *Assembler) BuildMessages(agent domain.AgentRecord, user UserConfig, history []domain.Message, task string) []domain.Message {
	msgs := make([]domain.Message, 0, len(history)+2)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: a.SystemPrompt(agent, user)})
	msgs = append(msgs, a.trimHistory(history)...)
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: task})
	return msgs
}

// trimHistory keeps the newest turns whose estimated tokens fit the budget.
func (a *Assembler) trimHistory(history []domain.Message) []domain.Message {
	budget := a.historyBudget
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := tokencount.Estimate(history[i].Content)
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	return history[start:]
}
