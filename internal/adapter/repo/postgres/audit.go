// Package postgres persists audit rows for completed executions.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// NewPool builds a pgx pool with OTel query tracing.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}
	return pool, nil
}

// AuditSink writes execution audit rows.
type AuditSink struct {
	pool *pgxpool.Pool
	// writeTimeout bounds each insert so a slow database cannot stall the
	// execution path the sink is called from.
	writeTimeout time.Duration
}

// NewAuditSink builds a sink over an existing pool.
func NewAuditSink(pool *pgxpool.Pool) *AuditSink {
	return &AuditSink{pool: pool, writeTimeout: 5 * time.Second}
}

// LogExecution inserts one audit row. Callers treat failures as advisory.
func (s *AuditSink) LogExecution(ctx context.Context, rec domain.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	const q = `
		INSERT INTO execution_audit (
			ts, user_id, conversation_id, agent, provider, action, status,
			latency_ms, tokens_in, tokens_out, error_message, request_id, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := s.pool.Exec(ctx, q,
		rec.Timestamp, rec.UserID, rec.ConversationID, rec.Agent, rec.Provider,
		rec.Action, rec.Status, rec.LatencyMS, rec.TokensIn, rec.TokensOut,
		rec.ErrorMessage, rec.RequestID, rec.Metadata)
	if err != nil {
		return fmt.Errorf("op=postgres.LogExecution: %w", err)
	}
	return nil
}

var _ domain.AuditSink = (*AuditSink)(nil)
