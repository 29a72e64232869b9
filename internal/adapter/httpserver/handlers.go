package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
	"github.com/fairyhunter13/agent-gateway/internal/service/costoptimizer"
	"github.com/fairyhunter13/agent-gateway/internal/service/fallback"
	"github.com/fairyhunter13/agent-gateway/internal/usecase"
)

// ReadinessChecker reports whether a backing dependency is usable.
type ReadinessChecker func() error

// Handlers holds the HTTP endpoints over the orchestrator.
type Handlers struct {
	Orch      *usecase.Orchestrator
	Registry  domain.AgentRegistry
	Store     domain.ConversationStore
	Optimizer *costoptimizer.Optimizer
	// LimiterMode reports atomic vs memory admission for /v1/stats.
	LimiterMode string
	Readiness   []ReadinessChecker
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", slog.Any("error", err))
	}
}

// writeError maps the domain error taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.ClassifyError(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, kind = http.StatusBadRequest, "input"
	case errors.Is(err, domain.ErrAgentNotFound), errors.Is(err, domain.ErrProviderNotFound):
		status, kind = http.StatusNotFound, "input"
	case errors.Is(err, domain.ErrProcessCompliance):
		status, kind = http.StatusUnprocessableEntity, "process_compliance"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status = http.StatusGatewayTimeout
	default:
		var all *domain.AllProvidersFailedError
		if errors.As(err, &all) {
			status, kind = http.StatusBadGateway, "all_providers_failed"
		}
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

// Execute runs one agent execution request.
func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	var req domain.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &invalidArgument{msg: "malformed JSON body"})
		return
	}
	resp, err := h.Orch.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// invalidArgument adapts a plain message to the input-error sentinel.
type invalidArgument struct{ msg string }

func (e *invalidArgument) Error() string { return e.msg }
func (e *invalidArgument) Unwrap() error { return domain.ErrInvalidArgument }

// ListAgents returns the agent catalog.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.Registry.List()})
}

// GetAgent returns one agent record.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, ok := h.Registry.Get(id)
	if !ok {
		writeError(w, domain.ErrAgentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// ClearConversation drops the stored history for a (user, agent) pair.
func (h *Handlers) ClearConversation(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	agent := chi.URLParam(r, "agent")
	if err := h.Store.ClearHistory(r.Context(), user, agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// statsResponse aggregates the operational counters exposed on /v1/stats.
type statsResponse struct {
	LimiterMode string               `json:"limiter_mode"`
	Fallback    fallback.Stats       `json:"fallback"`
	Cost        *costoptimizer.Stats `json:"cost,omitempty"`
}

// Stats exposes fallback, cost and limiter state.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		LimiterMode: h.LimiterMode,
		Fallback:    h.Orch.FallbackStats(),
	}
	if h.Optimizer != nil {
		s := h.Optimizer.GetStats()
		resp.Cost = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz is the liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz runs the registered dependency checks.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.Readiness {
		if err := check(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
