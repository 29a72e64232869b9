// Package freemodels manages the OpenRouter free-model catalog and the
// smart fallback that re-picks models when one becomes unavailable.
package freemodels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"
)

// Task type hints for model selection.
const (
	TaskTypeCode      = "code"
	TaskTypeReasoning = "reasoning"
	TaskTypeGeneral   = "general"
)

// Model is one entry from the OpenRouter model listing.
type Model struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	ContextLength int     `json:"context_length"`
	Pricing       Pricing `json:"pricing"`
}

// Pricing carries OpenRouter's string-encoded per-token prices.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	Request    string `json:"request"`
	Image      string `json:"image"`
}

type listResponse struct {
	Data []Model `json:"data"`
}

// Service caches the free-model catalog and tracks models that failed
// recently so the picker can skip them.
type Service struct {
	mu         sync.Mutex
	apiKey     string
	baseURL    string
	httpClient *http.Client
	models     []Model
	lastFetch  time.Time
	refreshDur time.Duration
	// failed holds model IDs to skip until the next catalog refresh.
	failed map[string]time.Time

	now func() time.Time
}

// NewService creates a catalog service. refreshDur defaults to an hour.
func NewService(apiKey, baseURL string, refreshDur time.Duration) *Service {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if refreshDur <= 0 {
		refreshDur = time.Hour
	}
	return &Service{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		refreshDur: refreshDur,
		failed:     make(map[string]time.Time),
		now:        time.Now,
	}
}

// GetFreeModels returns the cached free-model list, refreshing it from the
// API when stale. A fetch failure with a warm cache serves the stale list.
func (s *Service) GetFreeModels(ctx context.Context) ([]Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.models != nil && s.now().Sub(s.lastFetch) <= s.refreshDur {
		return append([]Model(nil), s.models...), nil
	}

	models, err := s.fetchModels(ctx)
	if err != nil {
		if s.models != nil {
			slog.Warn("using cached free models due to fetch failure",
				slog.Any("error", err),
				slog.Int("cached_count", len(s.models)))
			return append([]Model(nil), s.models...), nil
		}
		return nil, fmt.Errorf("fetch free models: %w", err)
	}

	s.models = models
	s.lastFetch = s.now()
	// A fresh catalog invalidates the failure memory; models flagged as
	// unavailable often recover between refreshes.
	s.failed = make(map[string]time.Time)

	slog.Info("refreshed free model catalog",
		slog.Int("free_models", len(models)),
		slog.String("base_url", s.baseURL))
	return append([]Model(nil), s.models...), nil
}

func (s *Service) fetchModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list models: status %d: %s", resp.StatusCode, string(body))
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	free := make([]Model, 0, len(out.Data))
	for _, m := range out.Data {
		if isFree(m) {
			free = append(free, m)
		}
	}
	return free, nil
}

// isFree reports whether every pricing field is zero or empty. Auto-select
// router models are excluded; they time out and defeat explicit picking.
func isFree(m Model) bool {
	id := strings.ToLower(m.ID)
	if id == "openrouter/auto" || strings.HasSuffix(id, "/auto") {
		return false
	}
	return priceFree(m.Pricing.Prompt) &&
		priceFree(m.Pricing.Completion) &&
		priceFree(m.Pricing.Request) &&
		priceFree(m.Pricing.Image)
}

func priceFree(p string) bool {
	return p == "" || p == "0" || p == "0.0"
}

// MarkFailed records a model as unavailable until the next catalog refresh.
func (s *Service) MarkFailed(modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[modelID] = s.now()
	slog.Warn("free model marked unavailable", slog.String("model", modelID))
}

// ClearFailed wipes the failure memory so every cataloged model becomes
// eligible again. Reports whether anything was cleared.
func (s *Service) ClearFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failed) == 0 {
		return false
	}
	s.failed = make(map[string]time.Time)
	return true
}

// PickBest selects the best available free model for a task type. Coder
// models win for code tasks, reasoning-tuned families for reasoning, and
// larger context breaks ties. Returns empty when the catalog is exhausted.
func (s *Service) PickBest(ctx context.Context, taskType string) (string, error) {
	models, err := s.GetFreeModels(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	failed := make(map[string]bool, len(s.failed))
	for id := range s.failed {
		failed[id] = true
	}
	s.mu.Unlock()

	candidates := make([]Model, 0, len(models))
	for _, m := range models {
		if !failed[m.ID] {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := scoreModel(candidates[i], taskType), scoreModel(candidates[j], taskType)
		if si != sj {
			return si > sj
		}
		return candidates[i].ContextLength > candidates[j].ContextLength
	})
	return candidates[0].ID, nil
}

// scoreModel ranks a model for a task type based on family hints in the ID.
func scoreModel(m Model, taskType string) int {
	id := strings.ToLower(m.ID)
	score := 0
	switch taskType {
	case TaskTypeCode:
		if strings.Contains(id, "coder") || strings.Contains(id, "code") {
			score += 20
		}
	case TaskTypeReasoning:
		if strings.Contains(id, "deepseek") || strings.Contains(id, "r1") || strings.Contains(id, "chimera") {
			score += 20
		}
	}
	// General preference for the strongest free families.
	if strings.Contains(id, "deepseek") {
		score += 5
	}
	if strings.Contains(id, "llama-3.3") || strings.Contains(id, "qwen") {
		score += 3
	}
	return score
}

// Refresh drops the cache and refetches.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.models = nil
	s.lastFetch = time.Time{}
	s.mu.Unlock()
	_, err := s.GetFreeModels(ctx)
	return err
}
