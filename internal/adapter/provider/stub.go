package provider

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fairyhunter13/agent-gateway/internal/adapter/tokencount"
	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// Stub is a deterministic in-process provider for tests and local runs.
// Responses can be scripted per call; by default it echoes the task.
type Stub struct {
	name  string
	model string

	mu      sync.Mutex
	scripts []func(opts domain.CallOptions) (*domain.LLMResponse, error)
	calls   atomic.Int64
}

// NewStub constructs a stub provider from config.
func NewStub(cfg config.ProviderConfig) (domain.Provider, error) {
	model := cfg.Model
	if model == "" {
		model = "stub-model"
	}
	return &Stub{name: cfg.Name, model: model}, nil
}

// NewStubNamed is a test convenience bypassing config.
func NewStubNamed(name string) *Stub {
	return &Stub{name: name, model: "stub-model"}
}

// Name returns the stub's instance name.
func (p *Stub) Name() string { return p.name }

// Model returns the stub's model name.
func (p *Stub) Model() string { return p.model }

// Script appends a scripted response for the next unconsumed call.
func (p *Stub) Script(fn func(opts domain.CallOptions) (*domain.LLMResponse, error)) *Stub {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, fn)
	return p
}

// ScriptText scripts a plain successful text response.
func (p *Stub) ScriptText(text string) *Stub {
	return p.Script(func(domain.CallOptions) (*domain.LLMResponse, error) {
		return p.respond(text), nil
	})
}

// ScriptError scripts a failing call.
func (p *Stub) ScriptError(err error) *Stub {
	return p.Script(func(domain.CallOptions) (*domain.LLMResponse, error) {
		return nil, err
	})
}

// Calls reports how many times Call was invoked.
func (p *Stub) Calls() int64 { return p.calls.Load() }

// Call consumes the next script, or echoes the last user turn.
func (p *Stub) Call(_ context.Context, opts domain.CallOptions) (*domain.LLMResponse, error) {
	p.calls.Add(1)
	p.mu.Lock()
	var fn func(opts domain.CallOptions) (*domain.LLMResponse, error)
	if len(p.scripts) > 0 {
		fn = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	p.mu.Unlock()
	if fn != nil {
		return fn(opts)
	}

	text := opts.UserPrompt
	if text == "" && len(opts.Messages) > 0 {
		text = opts.Messages[len(opts.Messages)-1].Content
	}
	return p.respond("stub: " + text), nil
}

// HealthCheck always succeeds.
func (p *Stub) HealthCheck(context.Context) error { return nil }

func (p *Stub) respond(text string) *domain.LLMResponse {
	return &domain.LLMResponse{
		Content:      text,
		TokensInput:  tokencount.Estimate(text),
		TokensOutput: tokencount.Estimate(text),
		LatencyMS:    1,
		Model:        p.model,
		FinishReason: "stop",
		ProviderName: p.name,
	}
}
