package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

func compatAdapter(t *testing.T, handler http.HandlerFunc) *OpenAICompat {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &OpenAICompat{
		cfg:    config.ProviderConfig{Name: "groq", Type: "groq", Model: "llama-3.3-70b"},
		apiKey: "test-key",
		hc:     srv.Client(),
		base:   srv.URL,
	}
}

func chatOK(t *testing.T, content string, promptTokens, completionTokens int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "llama-3.3-70b",
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}, "finish_reason": "stop"},
			},
			"usage": map[string]int{
				"prompt_tokens":     promptTokens,
				"completion_tokens": completionTokens,
			},
		})
	}
}

func TestCompatCallSuccess(t *testing.T) {
	p := compatAdapter(t, chatOK(t, "the answer", 12, 34))

	resp, err := p.Call(context.Background(), domain.CallOptions{
		SystemPrompt: "be helpful",
		UserPrompt:   "a question",
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Content != "the answer" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.TokensInput != 12 || resp.TokensOutput != 34 {
		t.Fatalf("tokens = %d/%d, want upstream usage", resp.TokensInput, resp.TokensOutput)
	}
	if resp.Model != "llama-3.3-70b" || resp.ProviderName != "groq" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
}

func TestCompatCallUsageFallbackEstimates(t *testing.T) {
	p := compatAdapter(t, chatOK(t, "a four-token answer, roughly", 0, 0))

	resp, err := p.Call(context.Background(), domain.CallOptions{UserPrompt: "hello there friend"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.TokensInput == 0 || resp.TokensOutput == 0 {
		t.Fatalf("tokens = %d/%d, want local token counts when usage is absent", resp.TokensInput, resp.TokensOutput)
	}
}

func TestCompatCall429WithRetryAfter(t *testing.T) {
	p := compatAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
	})

	_, err := p.Call(context.Background(), domain.CallOptions{UserPrompt: "hi"})
	var rle *domain.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rle.RetryAfter != 7*time.Second {
		t.Fatalf("retry-after = %v, want 7s", rle.RetryAfter)
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatal("429 should unwrap to the rate-limit sentinel")
	}
}

func TestCompatCallServerError(t *testing.T) {
	p := compatAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	})

	_, err := p.Call(context.Background(), domain.CallOptions{UserPrompt: "hi"})
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", apiErr.Status)
	}
}

func TestCompatCallEmptyChoices(t *testing.T) {
	p := compatAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model":"m","choices":[]}`))
	})

	_, err := p.Call(context.Background(), domain.CallOptions{UserPrompt: "hi"})
	if err == nil {
		t.Fatal("empty choices should fail")
	}
}

func TestCompatCallModelOverridesRequestModel(t *testing.T) {
	var requested string
	p := compatAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		requested = body.Model
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": body.Model,
			"choices": []map[string]any{
				{"message": map[string]string{"content": "ok"}, "finish_reason": "stop"},
			},
		})
	})

	resp, err := p.CallModel(context.Background(), "deepseek/deepseek-r1:free", domain.CallOptions{UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if requested != "deepseek/deepseek-r1:free" {
		t.Fatalf("requested model = %q", requested)
	}
	if resp.Model != "deepseek/deepseek-r1:free" {
		t.Fatalf("model = %q", resp.Model)
	}
}

func TestCompatCallRequiresPrompt(t *testing.T) {
	p := compatAdapter(t, chatOK(t, "x", 1, 1))
	_, err := p.Call(context.Background(), domain.CallOptions{})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("error = %v, want invalid argument", err)
	}
}
