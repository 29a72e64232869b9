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

const anthropicDefaultBaseURL = "https://api.anthropic.com/v1"

// Anthropic adapts the Anthropic messages API. The system prompt travels as
// a separate field and the messages array may not carry system turns, so the
// adapter silently partitions them out.
type Anthropic struct {
	cfg    config.ProviderConfig
	apiKey string
	hc     *http.Client
	base   string
}

// NewAnthropic constructs the adapter, failing fast on missing keys.
func NewAnthropic(cfg config.ProviderConfig) (domain.Provider, error) {
	key, err := apiKeyFromEnv(cfg)
	if err != nil {
		return nil, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = anthropicDefaultBaseURL
	}
	return &Anthropic{cfg: cfg, apiKey: key, hc: newHTTPClient(cfg), base: base}, nil
}

// Name returns the configured provider instance name.
func (p *Anthropic) Name() string { return p.cfg.Name }

// Model returns the configured model.
func (p *Anthropic) Model() string { return p.cfg.Model }

type anthropicRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Call sends a messages request and normalizes the response.
func (p *Anthropic) Call(ctx context.Context, opts domain.CallOptions) (*domain.LLMResponse, error) {
	system, messages := partitionSystem(opts)
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: call requires a prompt or messages", domain.ErrInvalidArgument)
	}

	maxTokens := capTokens(opts.MaxTokens, p.cfg.MaxTokens)
	if maxTokens <= 0 {
		// The messages API requires max_tokens.
		maxTokens = 4096
	}
	reqBody := anthropicRequest{
		Model:       p.cfg.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
	}
	b, _ := json.Marshal(reqBody)

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/messages", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	r.Header.Set("x-api-key", p.apiKey)
	r.Header.Set("anthropic-version", "2023-06-01")
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

	var out anthropicResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, &domain.APIError{Provider: p.cfg.Name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(out.Content) == 0 {
		return nil, &domain.APIError{Provider: p.cfg.Name, Message: "empty content"}
	}

	content := ""
	for _, block := range out.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	tokensIn, tokensOut := out.Usage.InputTokens, out.Usage.OutputTokens
	if tokensIn == 0 && tokensOut == 0 {
		tokensIn = tokencount.CountOrEstimate(system, p.cfg.Model) + countMessages(p.cfg.Model, messages)
		tokensOut = tokencount.CountOrEstimate(content, p.cfg.Model)
	}

	return &domain.LLMResponse{
		Content:      content,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		LatencyMS:    latency.Milliseconds(),
		Model:        out.Model,
		FinishReason: normalizeStopReason(out.StopReason),
		ProviderName: p.cfg.Name,
	}, nil
}

// HealthCheck issues a minimal request; the API has no cheap ping endpoint,
// so a 4xx on a bad-but-authenticated request still proves reachability.
func (p *Anthropic) HealthCheck(ctx context.Context) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/models", nil)
	if err != nil {
		return err
	}
	r.Header.Set("x-api-key", p.apiKey)
	r.Header.Set("anthropic-version", "2023-06-01")
	resp, err := p.hc.Do(r)
	if err != nil {
		return normalizeTransportError(p.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500 {
		return normalizeHTTPError(p.cfg.Name, resp.StatusCode, resp.Header.Get("Retry-After"), "")
	}
	return nil
}

// partitionSystem splits system turns out of the messages and concatenates
// them into the separate system argument.
func partitionSystem(opts domain.CallOptions) (string, []domain.Message) {
	if len(opts.Messages) == 0 {
		var msgs []domain.Message
		if opts.UserPrompt != "" {
			msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: opts.UserPrompt})
		}
		return opts.SystemPrompt, msgs
	}
	system := opts.SystemPrompt
	msgs := make([]domain.Message, 0, len(opts.Messages))
	for _, m := range opts.Messages {
		if m.Role == domain.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, m)
	}
	return system, msgs
}

// normalizeStopReason maps Anthropic stop reasons onto the coarse
// finish_reason vocabulary the rest of the gateway understands.
func normalizeStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence":
		return "stop"
	default:
		return reason
	}
}
