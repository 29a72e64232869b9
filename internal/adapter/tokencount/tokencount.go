// Package tokencount provides token counting for LLM API calls.
//
// It uses tiktoken-go to count tokens for the models the gateway routes to.
// When an upstream response omits usage numbers, adapters fall back to these
// counts (and ultimately to a 4-chars-per-token estimate).
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Usage represents token counts for an LLM API call.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Model            string `json:"model"`
	Provider         string `json:"provider"`
}

// Counter provides thread-safe token counting for LLM models.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

// getEncodingForModel returns the tiktoken encoding for a model, cached.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalizedModel := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalizedModel)
	if err != nil {
		// cl100k_base covers GPT-4, GPT-3.5-turbo and most modern models
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalizedModel),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalizedModel] = enc
	return enc, nil
}

// normalizeModelName converts model IDs to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)

	// Aggregator model IDs often have provider prefixes,
	// e.g. "meta-llama/llama-3.1-8b-instruct:free"
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Llama, Mistral, Qwen, DeepSeek, Gemini and Claude tokenize close
		// enough to cl100k_base for accounting purposes.
		return "gpt-4"
	}
}

// CountTokens counts the number of tokens in a text string for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessageTokens counts tokens for a chat completion request, accounting
// for the per-message structure overhead of OpenAI-compatible APIs.
func (c *Counter) CountMessageTokens(model string, messages ...[2]string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}

	// 3 tokens per message + 1 for role, reply primed with 3 tokens.
	const tokensPerMessage = 3
	const tokensPerRole = 1

	numTokens := 0
	for _, m := range messages {
		numTokens += tokensPerMessage
		numTokens += len(enc.Encode(m[0], nil, nil))
		numTokens += len(enc.Encode(m[1], nil, nil))
		numTokens += tokensPerRole
	}
	numTokens += 3
	return numTokens, nil
}

// Estimate returns a rough token count for text: ~4 chars per token.
func Estimate(text string) int {
	return len(text) / 4
}

// CountOrEstimate counts tokens with the default counter, falling back to
// the 4-chars-per-token estimate when no encoding is available.
func CountOrEstimate(text, model string) int {
	n, err := DefaultCounter.CountTokens(text, model)
	if err != nil {
		return Estimate(text)
	}
	return n
}

// MessageTokensOrEstimate counts chat-message tokens including the
// per-message overhead, falling back to summed content estimates.
func MessageTokensOrEstimate(model string, messages ...[2]string) int {
	n, err := DefaultCounter.CountMessageTokens(model, messages...)
	if err != nil {
		total := 0
		for _, m := range messages {
			total += Estimate(m[1])
		}
		return total
	}
	return n
}

// CalculateUsage computes full token usage for a chat completion, falling
// back to the 4-chars-per-token estimate when encoding fails.
func (c *Counter) CalculateUsage(systemPrompt, userPrompt, completion, model, provider string) *Usage {
	promptTokens, err := c.CountMessageTokens(model, [2]string{"system", systemPrompt}, [2]string{"user", userPrompt})
	if err != nil {
		slog.Warn("failed to count prompt tokens, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		promptTokens = Estimate(systemPrompt + userPrompt)
	}

	completionTokens, err := c.CountTokens(completion, model)
	if err != nil {
		slog.Warn("failed to count completion tokens, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		completionTokens = Estimate(completion)
	}

	return &Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Model:            model,
		Provider:         provider,
	}
}
