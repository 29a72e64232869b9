package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// requestContextKey is the private context key holding the per-request
// correlation fields (request_id, agent, provider) set by the orchestrator.
type requestContextKey struct{}

// RequestContext carries the ambient log fields for one execution.
type RequestContext struct {
	RequestID string
	Agent     string
	Provider  string
}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context, enriched with
// the request correlation fields when present, or the default slog logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	lg := slog.Default()
	if ctx == nil {
		return lg
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			lg = l
		}
	}
	if rc, ok := RequestContextFrom(ctx); ok {
		attrs := make([]any, 0, 3)
		if rc.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", rc.RequestID))
		}
		if rc.Agent != "" {
			attrs = append(attrs, slog.String("agent", rc.Agent))
		}
		if rc.Provider != "" {
			attrs = append(attrs, slog.String("provider", rc.Provider))
		}
		if len(attrs) > 0 {
			lg = lg.With(attrs...)
		}
	}
	return lg
}

// ContextWithRequest stores per-request correlation fields so deeper layers
// (limiter, adapters, stores) can correlate their logs with the execution.
func ContextWithRequest(ctx context.Context, rc RequestContext) context.Context {
	if ctx == nil {
		return ctx
	}
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom retrieves the request correlation fields, if any.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	if ctx == nil {
		return RequestContext{}, false
	}
	if v := ctx.Value(requestContextKey{}); v != nil {
		if rc, ok := v.(RequestContext); ok {
			return rc, true
		}
	}
	return RequestContext{}, false
}
