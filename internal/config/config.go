// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`
	DBURL  string `env:"DB_URL"`
	// RedisAddr enables the atomic rate-limit path and the shared
	// conversation store. When empty both fall back to in-memory mode.
	RedisAddr     string   `env:"REDIS_ADDR"`
	RedisPassword string   `env:"REDIS_PASSWORD"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:","`

	// PolicyFile points at the YAML file holding provider, routing, cost and
	// rate-limit policy. See policy.go for the schema.
	PolicyFile string `env:"POLICY_FILE" envDefault:"configs/policy.yaml"`
	// AgentsFile points at the YAML file with agent records.
	AgentsFile string `env:"AGENTS_FILE" envDefault:"configs/agents.yaml"`

	OpenRouterBaseURL string        `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	OpenRouterReferer string        `env:"OPENROUTER_REFERER"`
	OpenRouterTitle   string        `env:"OPENROUTER_TITLE" envDefault:"Agent Gateway"`
	FreeModelsRefresh time.Duration `env:"FREE_MODELS_REFRESH" envDefault:"1h"`

	// MaxConcurrent bounds in-flight upstream calls process-wide.
	MaxConcurrent  int           `env:"MAX_CONCURRENT" envDefault:"12"`
	DefaultTimeout time.Duration `env:"DEFAULT_TIMEOUT" envDefault:"30s"`
	// AcquireTimeout caps how long a request waits for rate-limit capacity.
	AcquireTimeout time.Duration `env:"ACQUIRE_TIMEOUT" envDefault:"30s"`
	// RetryAfterMaxWait caps honored Retry-After headers; longer values are
	// surfaced as rate-limit errors instead of slept on.
	RetryAfterMaxWait time.Duration `env:"RETRY_AFTER_MAX_WAIT" envDefault:"300s"`

	// Conversation history bounds.
	HistoryMaxMessages int           `env:"HISTORY_MAX_MESSAGES" envDefault:"50"`
	HistoryTTL         time.Duration `env:"HISTORY_TTL" envDefault:"1h"`

	// Retry Configuration
	RetryMaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"2s"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"20s"`
	RetryMaxElapsedTime  time.Duration `env:"RETRY_MAX_ELAPSED_TIME" envDefault:"180s"`
	RetryMultiplier      float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`

	// Auto-throttle tuning.
	ThrottleSpikeWindow      time.Duration `env:"THROTTLE_SPIKE_WINDOW" envDefault:"60s"`
	ThrottleSpikeThreshold   int           `env:"THROTTLE_SPIKE_THRESHOLD" envDefault:"3"`
	ThrottleReduction        float64       `env:"THROTTLE_REDUCTION" envDefault:"0.20"`
	ThrottleRestoreIncrement float64       `env:"THROTTLE_RESTORE_INCREMENT" envDefault:"0.10"`
	ThrottleStableMinutes    int           `env:"THROTTLE_STABLE_MINUTES" envDefault:"5"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"agent-gateway"`

	APIRateLimitPerMin    int           `env:"API_RATE_LIMIT_PER_MIN" envDefault:"120"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"120s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetRetryConfig returns backoff settings appropriate for the environment.
// Test environments use much shorter intervals for fast execution.
func (c Config) GetRetryConfig() RetryConfig {
	if c.IsTest() {
		return RetryConfig{
			MaxAttempts:     c.RetryMaxAttempts,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     500 * time.Millisecond,
			MaxElapsedTime:  5 * time.Second,
			Multiplier:      2.0,
		}
	}
	return RetryConfig{
		MaxAttempts:     c.RetryMaxAttempts,
		InitialInterval: c.RetryInitialInterval,
		MaxInterval:     c.RetryMaxInterval,
		MaxElapsedTime:  c.RetryMaxElapsedTime,
		Multiplier:      c.RetryMultiplier,
	}
}

// RetryConfig holds retry/backoff configuration for upstream calls.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
}
