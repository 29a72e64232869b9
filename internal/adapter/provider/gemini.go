package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"

	"github.com/fairyhunter13/agent-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/agent-gateway/internal/adapter/tokencount"
	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini adapts the Google generateContent API. The system prompt travels as
// systemInstruction and roles are user/model rather than user/assistant.
type Gemini struct {
	cfg    config.ProviderConfig
	apiKey string
	hc     *http.Client
	base   string
}

// NewGemini constructs the adapter, failing fast on missing keys.
func NewGemini(cfg config.ProviderConfig) (domain.Provider, error) {
	key, err := apiKeyFromEnv(cfg)
	if err != nil {
		return nil, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = geminiDefaultBaseURL
	}
	return &Gemini{cfg: cfg, apiKey: key, hc: newHTTPClient(cfg), base: base}, nil
}

// Name returns the configured provider instance name.
func (p *Gemini) Name() string { return p.cfg.Name }

// Model returns the configured model.
func (p *Gemini) Model() string { return p.cfg.Model }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		Temperature     *float64 `json:"temperature,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Call sends a generateContent request and normalizes the response.
func (p *Gemini) Call(ctx context.Context, opts domain.CallOptions) (*domain.LLMResponse, error) {
	system, messages := partitionSystem(opts)
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: call requires a prompt or messages", domain.ErrInvalidArgument)
	}

	var reqBody geminiRequest
	if system != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, m := range messages {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		reqBody.Contents = append(reqBody.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	reqBody.GenerationConfig.MaxOutputTokens = capTokens(opts.MaxTokens, p.cfg.MaxTokens)
	reqBody.GenerationConfig.Temperature = opts.Temperature
	b, _ := json.Marshal(reqBody)

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.base, p.cfg.Model, p.apiKey)

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	r.Header.Set("Content-Type", "application/json")

	resp, err := p.hc.Do(r)
	latency := time.Since(start)
	observability.ProviderLatency.WithLabelValues(p.cfg.Name).Observe(latency.Seconds())
	if err != nil {
		return nil, normalizeTransportError(p.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, normalizeTransportError(p.cfg.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("ai provider non-2xx",
			slog.String("provider", p.cfg.Name),
			slog.Int("status", resp.StatusCode),
			slog.String("model", p.cfg.Model),
			slog.String("body", snippet(string(bodyBytes), 512)))
		return nil, normalizeHTTPError(p.cfg.Name, resp.StatusCode, resp.Header.Get("Retry-After"), string(bodyBytes))
	}

	var out geminiResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, &domain.APIError{Provider: p.cfg.Name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, &domain.APIError{Provider: p.cfg.Name, Message: "empty candidates"}
	}

	content := ""
	for _, part := range out.Candidates[0].Content.Parts {
		content += part.Text
	}

	tokensIn, tokensOut := out.UsageMetadata.PromptTokenCount, out.UsageMetadata.CandidatesTokenCount
	if tokensIn == 0 && tokensOut == 0 {
		tokensIn = tokencount.CountOrEstimate(system, p.cfg.Model) + countMessages(p.cfg.Model, messages)
		tokensOut = tokencount.CountOrEstimate(content, p.cfg.Model)
	}

	return &domain.LLMResponse{
		Content:      content,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		LatencyMS:    latency.Milliseconds(),
		Model:        p.cfg.Model,
		FinishReason: normalizeGeminiFinishReason(out.Candidates[0].FinishReason),
		ProviderName: p.cfg.Name,
	}, nil
}

// HealthCheck verifies the model metadata endpoint responds.
func (p *Gemini) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/models/%s?key=%s", p.base, p.cfg.Model, p.apiKey)
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.hc.Do(r)
	if err != nil {
		return normalizeTransportError(p.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return normalizeHTTPError(p.cfg.Name, resp.StatusCode, resp.Header.Get("Retry-After"), "")
	}
	return nil
}

func normalizeGeminiFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "STOP":
		return "stop"
	default:
		return reason
	}
}
