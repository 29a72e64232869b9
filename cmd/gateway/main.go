// Command gateway runs the multi-provider agent gateway: HTTP surface,
// orchestrator, rate-limit stack and observability.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-gateway/internal/adapter/agents"
	"github.com/fairyhunter13/agent-gateway/internal/adapter/events"
	"github.com/fairyhunter13/agent-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/agent-gateway/internal/adapter/provider"
	"github.com/fairyhunter13/agent-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/agent-gateway/internal/config"
	"github.com/fairyhunter13/agent-gateway/internal/domain"
	"github.com/fairyhunter13/agent-gateway/internal/service/conversation"
	"github.com/fairyhunter13/agent-gateway/internal/service/costoptimizer"
	"github.com/fairyhunter13/agent-gateway/internal/service/freemodels"
	"github.com/fairyhunter13/agent-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/agent-gateway/internal/service/throttle"
	"github.com/fairyhunter13/agent-gateway/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without traces", slog.Any("error", err))
	} else if shutdownTracing != nil {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	registry, err := agents.Load(cfg.AgentsFile)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, falling back to in-memory limiter and history",
				slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
			rdb = nil
		}
	}

	limiter := ratelimiter.NewCombinedLimiter(ratelimiter.NewRedisLimiter(rdb, nil), cfg.AcquireTimeout)
	gate := ratelimiter.NewGate(cfg.MaxConcurrent)

	autoThrottle := throttle.New(throttle.Config{
		SpikeWindow:      cfg.ThrottleSpikeWindow,
		SpikeThreshold:   cfg.ThrottleSpikeThreshold,
		Reduction:        cfg.ThrottleReduction,
		RestoreIncrement: cfg.ThrottleRestoreIncrement,
		StableMinutes:    cfg.ThrottleStableMinutes,
	})
	// The limiter consults the throttle's effective RPM on each admission.
	limiter.SetRPMSource(func(name string, configured int) int {
		if rpm := autoThrottle.CurrentRPM(name); rpm > 0 {
			return rpm
		}
		return configured
	})

	providerRegistry := provider.NewRegistry()
	built := make([]domain.Provider, 0, len(policy.Providers))
	var aggregators []string
	for _, pc := range policy.EnabledProviders() {
		p, err := providerRegistry.Build(pc)
		if err != nil {
			return err
		}
		built = append(built, p)

		rl, ok := policy.RateLimits[pc.Name]
		if !ok {
			rl = config.RateLimitConfig{RPM: pc.RPMLimit, TPM: pc.TPMLimit, Burst: 1}
		}
		rl = rl.Normalize()
		limiter.RegisterProvider(pc.Name, rl)
		autoThrottle.RegisterProvider(pc.Name, rl.RPM)
		if pc.Type == "openrouter" {
			aggregators = append(aggregators, pc.Name)
		}
	}

	retryExec := provider.NewRetryExecutor(cfg.GetRetryConfig(), cfg.RetryAfterMaxWait, nil)

	var rdbUniversal redis.UniversalClient
	if rdb != nil {
		rdbUniversal = rdb
	}
	store := conversation.NewStore(rdbUniversal, cfg.HistoryMaxMessages, cfg.HistoryTTL)

	optimizer := costoptimizer.New(policy.CostLimits, policy.RoutingRules, policy.Costs)

	var audit domain.AuditSink
	if cfg.DBURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		audit = postgres.NewAuditSink(pool)
	}

	var publisher *events.Publisher
	var eventSink domain.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err = events.NewPublisher(cfg.KafkaBrokers)
		if err != nil {
			slog.Warn("kafka publisher setup failed, continuing without events", slog.Any("error", err))
		} else {
			eventSink = publisher
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = publisher.Close(flushCtx)
			}()
		}
	}

	chains := make(map[string][]string, len(policy.Router))
	for agentID, route := range policy.Router {
		chain := make([]string, 0, len(route.Fallback)+1)
		if route.Primary != "" {
			chain = append(chain, route.Primary)
		}
		chain = append(chain, route.Fallback...)
		chains[agentID] = chain
	}

	orch := usecase.New(usecase.Deps{
		Config:    cfg,
		Registry:  registry,
		Store:     store,
		Limiter:   limiter,
		Gate:      gate,
		Retry:     retryExec,
		Throttle:  autoThrottle,
		Optimizer: optimizer,
		Audit:     audit,
		Events:    eventSink,
		Chains:    chains,
	})
	orch.RegisterProviders(built...)
	for tier, providerName := range policy.EscalationTiers {
		orch.SetEscalationTier(tier, providerName)
	}

	if len(aggregators) > 0 {
		catalog := freemodels.NewService(os.Getenv("OPENROUTER_API_KEY"), cfg.OpenRouterBaseURL, cfg.FreeModelsRefresh)
		for _, name := range aggregators {
			for _, p := range built {
				if p.Name() != name {
					continue
				}
				if mc, ok := p.(freemodels.ModelCaller); ok {
					orch.SetSmartFallback(name, freemodels.NewSmartFallback(catalog, mc))
				}
			}
		}
	}

	// Restore throttled providers roughly once a minute.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				autoThrottle.CheckRestoreAll()
			}
		}
	}()

	handlers := &httpserver.Handlers{
		Orch:        orch,
		Registry:    registry,
		Store:       store,
		Optimizer:   optimizer,
		LimiterMode: limiter.Mode(),
	}
	if rdb != nil {
		handlers.Readiness = append(handlers.Readiness, func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return rdb.Ping(pingCtx).Err()
		})
	}

	srv := httpserver.New(cfg, handlers)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}
	return srv.Shutdown(context.Background())
}
