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

// Default base URLs for the OpenAI-compatible providers.
var openAICompatBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"cerebras":   "https://api.cerebras.ai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"local":      "http://localhost:11434/v1",
}

// OpenAICompat is the adapter for every provider speaking the OpenAI
// chat-completions wire format (OpenAI, Groq, Cerebras, OpenRouter, local
// inference servers).
type OpenAICompat struct {
	cfg    config.ProviderConfig
	apiKey string
	hc     *http.Client
	base   string
	// model may be swapped per call by the aggregator smart fallback.
	modelOverride func(opts domain.CallOptions) string
}

// NewOpenAICompat constructs the adapter, failing fast on missing keys.
func NewOpenAICompat(cfg config.ProviderConfig) (domain.Provider, error) {
	key, err := apiKeyFromEnv(cfg)
	if err != nil {
		return nil, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = openAICompatBaseURLs[cfg.Type]
	}
	if base == "" {
		return nil, fmt.Errorf("%w: provider %s has no base_url", domain.ErrInvalidArgument, cfg.Name)
	}
	return &OpenAICompat{cfg: cfg, apiKey: key, hc: newHTTPClient(cfg), base: base}, nil
}

// Name returns the configured provider instance name.
func (p *OpenAICompat) Name() string { return p.cfg.Name }

// Model returns the configured default model.
func (p *OpenAICompat) Model() string { return p.cfg.Model }

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Call sends a chat completion request and normalizes the response.
func (p *OpenAICompat) Call(ctx context.Context, opts domain.CallOptions) (*domain.LLMResponse, error) {
	return p.CallModel(ctx, p.cfg.Model, opts)
}

// CallModel is Call with an explicit model; the aggregator smart fallback
// uses it to re-pick models mid-retry.
func (p *OpenAICompat) CallModel(ctx context.Context, model string, opts domain.CallOptions) (*domain.LLMResponse, error) {
	messages := normalizeMessages(opts)
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: call requires a prompt or messages", domain.ErrInvalidArgument)
	}

	reqBody := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   capTokens(opts.MaxTokens, p.cfg.MaxTokens),
		Temperature: opts.Temperature,
	}
	if reqBody.Temperature == nil && p.cfg.Temperature > 0 {
		t := p.cfg.Temperature
		reqBody.Temperature = &t
	}
	b, _ := json.Marshal(reqBody)

	start := time.Now()
	// Recreate request each attempt to avoid reusing consumed bodies
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if p.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.apiKey)
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
			slog.String("model", model),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet(string(bodyBytes), 512)))
		return nil, normalizeHTTPError(p.cfg.Name, resp.StatusCode, resp.Header.Get("Retry-After"), string(bodyBytes))
	}

	var out chatResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, &domain.APIError{Provider: p.cfg.Name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(out.Choices) == 0 {
		return nil, &domain.APIError{Provider: p.cfg.Name, Message: "empty choices"}
	}

	content := out.Choices[0].Message.Content
	tokensIn, tokensOut := out.Usage.PromptTokens, out.Usage.CompletionTokens
	if tokensIn == 0 && tokensOut == 0 {
		tokensIn = countMessages(model, messages)
		tokensOut = tokencount.CountOrEstimate(content, model)
	}

	actualModel := out.Model
	if actualModel == "" {
		actualModel = model
	} else if actualModel != model {
		slog.Warn("model substitution detected",
			slog.String("requested_model", model),
			slog.String("actual_model", actualModel),
			slog.String("provider", p.cfg.Name))
	}

	return &domain.LLMResponse{
		Content:      content,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		LatencyMS:    latency.Milliseconds(),
		Model:        actualModel,
		FinishReason: out.Choices[0].FinishReason,
		ProviderName: p.cfg.Name,
	}, nil
}

// HealthCheck verifies the upstream is reachable via the models listing.
func (p *OpenAICompat) HealthCheck(ctx context.Context) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/models", nil)
	if err != nil {
		return err
	}
	if p.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.apiKey)
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

// normalizeMessages converts CallOptions to the message array shape. When
// both a system/user prompt pair and messages are set, messages win.
func normalizeMessages(opts domain.CallOptions) []domain.Message {
	if len(opts.Messages) > 0 {
		return opts.Messages
	}
	msgs := make([]domain.Message, 0, 2)
	if opts.SystemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: opts.SystemPrompt})
	}
	if opts.UserPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: opts.UserPrompt})
	}
	return msgs
}

// countMessages tokenizes a prompt the way the upstream bills it, degrading
// to the rough estimate when the encoding cannot be loaded.
func countMessages(model string, msgs []domain.Message) int {
	pairs := make([][2]string, len(msgs))
	for i, m := range msgs {
		pairs[i] = [2]string{m.Role, m.Content}
	}
	return tokencount.MessageTokensOrEstimate(model, pairs...)
}

func capTokens(requested, limit int) int {
	if requested <= 0 {
		return limit
	}
	if limit > 0 && requested > limit {
		return limit
	}
	return requested
}
