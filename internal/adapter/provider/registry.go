// Package provider implements the upstream LLM adapters and their shared
// plumbing: error normalization, retry, and the adapter registry.
package provider

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// Constructor builds a provider from its static config. Constructors must
// fail fast on local misconfiguration (missing API key, bad base URL);
// call-time errors are reserved for the upstream.
type Constructor func(cfg config.ProviderConfig) (domain.Provider, error)

// Registry maps adapter type strings to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns a registry pre-populated with the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("openai", NewOpenAICompat)
	r.Register("groq", NewOpenAICompat)
	r.Register("cerebras", NewOpenAICompat)
	r.Register("local", NewOpenAICompat)
	r.Register("openrouter", NewOpenAICompat)
	r.Register("anthropic", NewAnthropic)
	r.Register("gemini", NewGemini)
	r.Register("stub", NewStub)
	return r
}

// Register adds or replaces a constructor for an adapter type.
func (r *Registry) Register(typ string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[typ] = c
}

// Build constructs a provider for the given config.
func (r *Registry) Build(cfg config.ProviderConfig) (domain.Provider, error) {
	r.mu.RLock()
	c, ok := r.constructors[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider type %q", domain.ErrProviderNotFound, cfg.Type)
	}
	return c(cfg)
}

// Types lists the registered adapter type strings, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// apiKeyFromEnv resolves the configured API key env var, failing fast when
// the variable is unset. Local providers may run keyless.
func apiKeyFromEnv(cfg config.ProviderConfig) (string, error) {
	if cfg.APIKeyEnv == "" {
		if cfg.Type == "local" || cfg.Type == "stub" {
			return "", nil
		}
		return "", fmt.Errorf("%w: provider %s has no api_key_env configured", domain.ErrInvalidArgument, cfg.Name)
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" && cfg.Type != "local" && cfg.Type != "stub" {
		return "", fmt.Errorf("%w: %s is not set for provider %s", domain.ErrInvalidArgument, cfg.APIKeyEnv, cfg.Name)
	}
	return key, nil
}

// newHTTPClient builds the upstream HTTP client with tracing enabled.
func newHTTPClient(cfg config.ProviderConfig) *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("LLM %s %s", r.Method, r.URL.Host)
		}),
	)
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}
