// Package domain defines the core entities and ports of the agent gateway.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrProviderNotFound  = errors.New("provider not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrProcessCompliance = errors.New("process compliance violation")
	ErrInternal          = errors.New("internal error")
)

// Complexity classes used by the cost optimizer routing rules.
const (
	ComplexitySimple   = "simple"
	ComplexityCode     = "code"
	ComplexityMedium   = "medium"
	ComplexityComplex  = "complex"
	ComplexityCritical = "critical"
)

// Message roles accepted by chat-completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn in role/content form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MenuItem is one entry of an agent's command menu.
type MenuItem struct {
	Cmd         string `yaml:"cmd" json:"cmd"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Workflow    string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Exec        string `yaml:"exec,omitempty" json:"exec,omitempty"`
	Data        string `yaml:"data,omitempty" json:"data,omitempty"`
	Action      string `yaml:"action,omitempty" json:"action,omitempty"`
}

// Persona describes how an agent presents itself.
type Persona struct {
	Role               string   `yaml:"role" json:"role"`
	Identity           string   `yaml:"identity" json:"identity"`
	CommunicationStyle string   `yaml:"communication_style" json:"communication_style"`
	Principles         []string `yaml:"principles" json:"principles"`
}

// AgentRecord is a durable persona definition. Immutable after load.
type AgentRecord struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"name"`
	Title     string     `yaml:"title" json:"title"`
	Icon      string     `yaml:"icon,omitempty" json:"icon,omitempty"`
	Persona   Persona    `yaml:"persona" json:"persona"`
	Menu      []MenuItem `yaml:"menu,omitempty" json:"menu,omitempty"`
	Workflows []string   `yaml:"workflows,omitempty" json:"workflows,omitempty"`
}

// ExecutionRequest is one inbound unit of work: agent + task + user scope + caps.
type ExecutionRequest struct {
	AgentID        string            `json:"agent_id" validate:"required"`
	Task           string            `json:"task" validate:"required,min=1,max=10000"`
	UserID         string            `json:"user_id" validate:"required"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=100000"`
	Temperature    *float64          `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	Complexity     string            `json:"complexity,omitempty" validate:"omitempty,oneof=simple code medium complex critical"`
}

// ExecutionMetadata carries per-request accounting returned to the caller.
type ExecutionMetadata struct {
	RequestID    string `json:"request_id"`
	LatencyMS    int64  `json:"latency_ms"`
	TokensInput  int    `json:"tokens_input"`
	TokensOutput int    `json:"tokens_output"`
	FallbackUsed bool   `json:"fallback_used"`
	Turns        int    `json:"turns"`
}

// ExecutionResponse is the caller-visible result of a successful execution.
type ExecutionResponse struct {
	AgentID      string            `json:"agent_id"`
	AgentName    string            `json:"agent_name"`
	ProviderName string            `json:"provider_name"`
	ModelName    string            `json:"model_name"`
	ResponseText string            `json:"response_text"`
	Metadata     ExecutionMetadata `json:"metadata"`
}

// LLMResponse is the normalized output of a provider adapter call.
// FinishReason is opaque except that "length" marks truncation.
type LLMResponse struct {
	Content      string
	TokensInput  int
	TokensOutput int
	LatencyMS    int64
	Model        string
	FinishReason string
	ProviderName string
}

// CallOptions shapes a single upstream call. Exactly one of
// (SystemPrompt+UserPrompt) or Messages is set; adapters normalize.
type CallOptions struct {
	SystemPrompt string
	UserPrompt   string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64
	// TaskType hints aggregator model selection: code, reasoning, general.
	TaskType string
}

// Provider is the uniform contract every upstream adapter implements.
type Provider interface {
	Name() string
	Model() string
	Call(ctx context.Context, opts CallOptions) (*LLMResponse, error)
	HealthCheck(ctx context.Context) error
}

// AgentRegistry resolves agent records; records are immutable after load.
type AgentRegistry interface {
	Get(id string) (AgentRecord, bool)
	List() []AgentRecord
}

// ConversationStore keeps a rolling TTL-bounded history per (user, agent).
// The load-append-trim-save cycle is last-writer-wins; callers needing strict
// ordering must serialize per key externally.
type ConversationStore interface {
	AddMessage(ctx context.Context, userID, agentID, role, content string) error
	GetMessages(ctx context.Context, userID, agentID string) ([]Message, error)
	ClearHistory(ctx context.Context, userID, agentID string) error
}

// AuditRecord is the structured row emitted after each execution attempt.
type AuditRecord struct {
	Timestamp      time.Time
	UserID         string
	ConversationID string
	Agent          string
	Provider       string
	Action         string
	Status         string
	LatencyMS      int64
	TokensIn       int
	TokensOut      int
	ErrorMessage   string
	RequestID      string
	Metadata       map[string]string
}

// AuditSink persists audit records. The orchestrator calls it
// opportunistically; failures are swallowed by the caller.
type AuditSink interface {
	LogExecution(ctx context.Context, rec AuditRecord) error
}

// EventPublisher emits one record per completed execution, fire-and-forget.
type EventPublisher interface {
	PublishExecution(ctx context.Context, rec AuditRecord) error
}

// Context is an alias to keep call signatures uniform with std context.
type Context = context.Context
