// Package httpserver exposes the gateway's HTTP surface: execution,
// agent listing, conversation management, stats and health.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/agent-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/agent-gateway/internal/config"
)

// Server wraps the chi router and http.Server lifecycle.
type Server struct {
	cfg config.Config
	srv *http.Server
}

// New assembles the router with the standard middleware stack and mounts
// the handlers.
func New(cfg config.Config, h *Handlers) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(cfg.CORSAllowOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(cfg.APIRateLimitPerMin, time.Minute))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/execute", h.Execute)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/conversations/{user}/{agent}", h.ClearConversation)
		r.Get("/stats", h.Stats)
	})

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  cfg.HTTPReadTimeout,
			WriteTimeout: cfg.HTTPWriteTimeout,
			IdleTimeout:  cfg.HTTPIdleTimeout,
		},
	}
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	slog.Info("http server listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("op=httpserver.Start: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ServerShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
