// Package usecase owns the request lifecycle: validation, prompt assembly,
// provider selection, admission, fallback, history and accounting.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/agent-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/agent-gateway/internal/adapter/provider"
	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
	"github.com/fairyhunter13/agent-gateway/internal/service/costoptimizer"
	"github.com/fairyhunter13/agent-gateway/internal/service/fallback"
	"github.com/fairyhunter13/agent-gateway/internal/service/freemodels"
	"github.com/fairyhunter13/agent-gateway/internal/service/pii"
	"github.com/fairyhunter13/agent-gateway/internal/service/prompt"
	"github.com/fairyhunter13/agent-gateway/internal/service/quality"
	"github.com/fairyhunter13/agent-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/agent-gateway/internal/service/throttle"
)

// Deps wires the orchestrator's collaborators. Optimizer, Planner,
// Synthesizer, Audit and Events are optional; a nil Gate gets the
// configured concurrency limit.
type Deps struct {
	Config      config.Config
	Registry    domain.AgentRegistry
	Store       domain.ConversationStore
	Assembler   *prompt.Assembler
	Limiter     *ratelimiter.CombinedLimiter
	Gate        *ratelimiter.Gate
	Retry       *provider.RetryExecutor
	Throttle    *throttle.AutoThrottle
	Quality     *quality.Validator
	Optimizer   *costoptimizer.Optimizer
	Planner     PlanOptimizer
	Synthesizer Synthesizer
	Audit       domain.AuditSink
	Events      domain.EventPublisher
	// Chains maps agent id to a custom provider chain (router policy).
	Chains map[string][]string
}

// Orchestrator executes agent requests end to end.
type Orchestrator struct {
	cfg         config.Config
	registry    domain.AgentRegistry
	store       domain.ConversationStore
	assembler   *prompt.Assembler
	limiter     *ratelimiter.CombinedLimiter
	gate        *ratelimiter.Gate
	retry       *provider.RetryExecutor
	throttle    *throttle.AutoThrottle
	quality     *quality.Validator
	optimizer   *costoptimizer.Optimizer
	planner     PlanOptimizer
	synthesizer Synthesizer
	audit       domain.AuditSink
	events      domain.EventPublisher
	validate    *validator.Validate

	mu        sync.RWMutex
	providers map[string]domain.Provider
	order     []string
	smart     map[string]*freemodels.SmartFallback
	chains    map[string][]string
	fb        *fallback.Executor
	// tierProviders maps quality escalation tiers to provider names.
	tierProviders map[string]string
}

// New builds an orchestrator. Providers are registered separately at
// startup via RegisterProviders.
func New(d Deps) *Orchestrator {
	if d.Assembler == nil {
		d.Assembler = prompt.New()
	}
	if d.Quality == nil {
		d.Quality = quality.New(quality.Config{})
	}
	if d.Gate == nil {
		d.Gate = ratelimiter.NewGate(d.Config.MaxConcurrent)
	}
	return &Orchestrator{
		cfg:           d.Config,
		registry:      d.Registry,
		store:         d.Store,
		assembler:     d.Assembler,
		limiter:       d.Limiter,
		gate:          d.Gate,
		retry:         d.Retry,
		throttle:      d.Throttle,
		quality:       d.Quality,
		optimizer:     d.Optimizer,
		planner:       d.Planner,
		synthesizer:   d.Synthesizer,
		audit:         d.Audit,
		events:        d.Events,
		validate:      validator.New(),
		providers:     make(map[string]domain.Provider),
		smart:         make(map[string]*freemodels.SmartFallback),
		chains:        d.Chains,
		tierProviders: make(map[string]string),
	}
}

// RegisterProviders registers upstream providers in the given order; the
// order becomes the default fallback chain. Call once at startup.
func (o *Orchestrator) RegisterProviders(providers ...domain.Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range providers {
		if _, dup := o.providers[p.Name()]; dup {
			continue
		}
		o.providers[p.Name()] = p
		o.order = append(o.order, p.Name())
	}
	o.fb = fallback.NewExecutor(o.order, o.chains, o.callProvider)
}

// SetSmartFallback installs aggregator model auto-discovery for a provider.
func (o *Orchestrator) SetSmartFallback(providerName string, sf *freemodels.SmartFallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.smart[providerName] = sf
}

// SetEscalationTier maps a quality tier (boss, ultimate) to a provider used
// when the validator recommends escalation.
func (o *Orchestrator) SetEscalationTier(tier, providerName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tierProviders[tier] = providerName
}

// FallbackStats exposes the fallback executor counters.
func (o *Orchestrator) FallbackStats() fallback.Stats {
	o.mu.RLock()
	fb := o.fb
	o.mu.RUnlock()
	if fb == nil {
		return fallback.Stats{}
	}
	return fb.Stats()
}

// callProvider runs one named provider through the full admission pipeline:
// gate, combined limiter, retry, adapter. Upstream 429s feed the
// auto-throttle per attempt.
func (o *Orchestrator) callProvider(ctx context.Context, name string, opts domain.CallOptions) (*domain.LLMResponse, error) {
	o.mu.RLock()
	p, ok := o.providers[name]
	sf := o.smart[name]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}

	release, err := o.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if o.limiter != nil {
		if err := o.limiter.Acquire(ctx, name); err != nil {
			return nil, err
		}
	}

	attempt := func(ctx context.Context) (*domain.LLMResponse, error) {
		var resp *domain.LLMResponse
		var err error
		if sf != nil {
			resp, err = sf.CallWithAutoFallback(ctx, opts)
		} else {
			resp, err = p.Call(ctx, opts)
		}
		if err != nil && errors.Is(err, domain.ErrRateLimited) {
			observability.Errors429Total.WithLabelValues(name).Inc()
			if o.throttle != nil {
				o.throttle.RecordError(name)
			}
		}
		return resp, err
	}

	if o.retry == nil {
		return attempt(ctx)
	}
	result, err := o.retry.Do(ctx, attempt)
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

// Execute runs the full request lifecycle and returns the caller-visible
// response or a classified error.
func (o *Orchestrator) Execute(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResponse, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	requestID := uuid.NewString()
	start := time.Now()
	ctx = observability.ContextWithRequest(ctx, observability.RequestContext{
		RequestID: requestID,
		Agent:     req.AgentID,
	})
	lg := observability.LoggerFromContext(ctx)

	agent, ok := o.registry.Get(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, req.AgentID)
	}

	complexity := DetermineComplexity(req)
	taskType := TaskTypeFor(complexity)
	lg.Info("execution started",
		slog.String("agent", req.AgentID),
		slog.String("user", req.UserID),
		slog.String("complexity", complexity),
		slog.Int("task_chars", len(req.Task)))

	// PII is advisory: warn and proceed.
	if findings := pii.Detect(req.Task); len(findings) > 0 {
		kinds := make([]string, 0, len(findings))
		for _, f := range findings {
			kinds = append(kinds, f.Kind)
		}
		lg.Warn("possible pii in task input",
			slog.Int("matches", len(findings)),
			slog.Any("kinds", kinds))
	}

	var plan *PromptPlan
	if o.planner != nil {
		p, err := o.planner.Optimize(ctx, req.Task)
		if err != nil {
			lg.Warn("plan optimizer failed, using direct call", slog.Any("error", err))
		} else if p != nil {
			if err := ValidatePlan(p, o.providerRegistered); err != nil {
				return nil, err
			}
			plan = p
		}
	}

	history, err := o.store.GetMessages(ctx, req.UserID, req.AgentID)
	if err != nil {
		lg.Warn("history load failed, continuing without history", slog.Any("error", err))
		history = nil
	}

	userCfg := prompt.UserConfig{
		CommunicationLanguage: req.Metadata["language"],
		UserName:              req.Metadata["user_name"],
	}
	messages := o.assembler.BuildMessages(agent, userCfg, history, req.Task)
	opts := domain.CallOptions{
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TaskType:    taskType,
	}

	var preferred string
	if o.optimizer != nil {
		preferred = o.optimizer.SelectProvider(complexity, o.availableProviders())
	}

	var resp *domain.LLMResponse
	tried := 1
	if plan != nil {
		resp, err = o.executePlan(ctx, plan, opts)
	} else {
		resp, tried, err = o.executeDirect(ctx, req.AgentID, preferred, opts)
	}
	duration := time.Since(start)

	if err != nil {
		errType := domain.ClassifyError(err)
		failedProvider := providerFromError(err)
		if failedProvider == "" {
			failedProvider = preferred
		}
		observability.RecordFailure(failedProvider, req.AgentID, errType, duration)
		lg.Error("execution failed",
			slog.String("error_type", errType),
			slog.String("provider", failedProvider),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		o.record(ctx, req, requestID, failedProvider, duration, nil, err)
		return nil, err
	}

	resp = o.maybeEscalate(ctx, resp, opts, lg)

	if err := o.store.AddMessage(ctx, req.UserID, req.AgentID, domain.RoleUser, req.Task); err != nil {
		lg.Warn("history write failed", slog.Any("error", err))
	}
	if err := o.store.AddMessage(ctx, req.UserID, req.AgentID, domain.RoleAssistant, resp.Content); err != nil {
		lg.Warn("history write failed", slog.Any("error", err))
	}

	if o.optimizer != nil {
		cost := o.optimizer.RecordUsage(resp.ProviderName, resp.TokensInput, resp.TokensOutput, req.UserID, req.ConversationID)
		lg.Debug("usage recorded",
			slog.String("provider", resp.ProviderName),
			slog.Float64("cost", cost))
	}
	observability.RecordSuccess(resp.ProviderName, req.AgentID, duration, resp.TokensInput, resp.TokensOutput)
	o.record(ctx, req, requestID, resp.ProviderName, duration, resp, nil)

	lg.Info("execution completed",
		slog.String("provider", resp.ProviderName),
		slog.String("model", resp.Model),
		slog.Duration("duration", duration),
		slog.Int("tokens_in", resp.TokensInput),
		slog.Int("tokens_out", resp.TokensOutput),
		slog.Bool("fallback_used", tried > 1))

	return &domain.ExecutionResponse{
		AgentID:      agent.ID,
		AgentName:    agent.Name,
		ProviderName: resp.ProviderName,
		ModelName:    resp.Model,
		ResponseText: resp.Content,
		Metadata: domain.ExecutionMetadata{
			RequestID:    requestID,
			LatencyMS:    duration.Milliseconds(),
			TokensInput:  resp.TokensInput,
			TokensOutput: resp.TokensOutput,
			FallbackUsed: tried > 1,
			Turns:        (len(history) + 2) / 2,
		},
	}, nil
}

// executeDirect runs a single call through the fallback chain.
func (o *Orchestrator) executeDirect(ctx context.Context, agentID, preferred string, opts domain.CallOptions) (*domain.LLMResponse, int, error) {
	o.mu.RLock()
	fb := o.fb
	o.mu.RUnlock()
	if fb == nil {
		return nil, 0, fmt.Errorf("%w: no providers registered", domain.ErrInternal)
	}
	return fb.ExecuteWithPreferred(ctx, agentID, preferred, opts)
}

// maybeEscalate runs the quality validator over a response and, when it
// recommends escalation and a tier provider is mapped, retries once at the
// higher tier, keeping whichever response scores better.
func (o *Orchestrator) maybeEscalate(ctx context.Context, resp *domain.LLMResponse, opts domain.CallOptions, lg *slog.Logger) *domain.LLMResponse {
	report := o.quality.Validate(resp.Content, resp.FinishReason, quality.TierWorker)
	if !report.ShouldEscalate {
		return resp
	}
	lg.Warn("response quality below threshold",
		slog.Float64("quality_score", report.QualityScore),
		slog.Any("issues", report.Issues),
		slog.String("next_tier", report.NextTier))

	o.mu.RLock()
	tierProvider := o.tierProviders[report.NextTier]
	o.mu.RUnlock()
	if tierProvider == "" {
		return resp
	}

	escalated, err := o.callProvider(ctx, tierProvider, opts)
	if err != nil {
		lg.Warn("tier escalation failed, keeping original response",
			slog.String("tier_provider", tierProvider),
			slog.Any("error", err))
		return resp
	}
	escalatedReport := o.quality.Validate(escalated.Content, escalated.FinishReason, report.NextTier)
	if escalatedReport.QualityScore >= report.QualityScore {
		lg.Info("tier escalation accepted",
			slog.String("tier_provider", tierProvider),
			slog.Float64("quality_score", escalatedReport.QualityScore))
		return escalated
	}
	return resp
}

// record writes the audit row and publishes the execution event. Failures
// are swallowed; they never alter the caller-visible outcome.
func (o *Orchestrator) record(ctx context.Context, req domain.ExecutionRequest, requestID, providerName string, duration time.Duration, resp *domain.LLMResponse, execErr error) {
	if o.audit == nil && o.events == nil {
		return
	}
	rec := domain.AuditRecord{
		Timestamp:      time.Now().UTC(),
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Agent:          req.AgentID,
		Provider:       providerName,
		Action:         "execute",
		Status:         "success",
		LatencyMS:      duration.Milliseconds(),
		RequestID:      requestID,
		Metadata:       req.Metadata,
	}
	if resp != nil {
		rec.TokensIn = resp.TokensInput
		rec.TokensOut = resp.TokensOutput
	}
	if execErr != nil {
		rec.Status = "failed"
		rec.ErrorMessage = execErr.Error()
	}
	if o.audit != nil {
		if err := o.audit.LogExecution(ctx, rec); err != nil {
			slog.Warn("audit sink write failed", slog.Any("error", err))
		}
	}
	if o.events != nil {
		if err := o.events.PublishExecution(ctx, rec); err != nil {
			slog.Warn("event publish failed", slog.Any("error", err))
		}
	}
}

// providerFromError attributes a failed execution to a provider: the last
// provider of an exhausted chain, else the provider named by the typed
// upstream error.
func providerFromError(err error) string {
	var all *domain.AllProvidersFailedError
	if errors.As(err, &all) && len(all.Chain) > 0 {
		return all.Chain[len(all.Chain)-1]
	}
	var rlErr *domain.RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr.Provider
	}
	var toErr *domain.TimeoutError
	if errors.As(err, &toErr) {
		return toErr.Provider
	}
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Provider
	}
	return ""
}

func (o *Orchestrator) providerRegistered(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.providers[name]
	return ok
}

func (o *Orchestrator) availableProviders() map[string]bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]bool, len(o.providers))
	for name := range o.providers {
		out[name] = true
	}
	return out
}
