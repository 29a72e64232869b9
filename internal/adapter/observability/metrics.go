package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of agent executions by provider, agent and status",
		},
		[]string{"provider", "agent", "status"},
	)
	RequestsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_failed_total",
			Help: "Total number of failed agent executions by error type",
		},
		[]string{"provider", "agent", "error_type"},
	)
	Errors429Total = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_429_total",
			Help: "Total number of upstream 429 responses by provider",
		},
		[]string{"provider"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "End-to-end execution duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "agent"},
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_latency_seconds",
			Help:    "Upstream provider call latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
	TokensConsumed = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokens_consumed",
			Help:    "Distribution of tokens consumed per call",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"provider", "type"},
	)
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_total",
			Help: "Total tokens consumed by provider and direction",
		},
		[]string{"provider", "type"},
	)

	RateLimitRPMLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_rpm_limit",
			Help: "Configured effective RPM limit per provider",
		},
		[]string{"provider"},
	)
	RateLimitBurstCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_burst_capacity",
			Help: "Configured token bucket burst capacity per provider",
		},
		[]string{"provider"},
	)
	RateLimitTokensCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_tokens_capacity",
			Help: "Token bucket capacity per provider",
		},
		[]string{"provider"},
	)
	RateLimitTokensAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_tokens_available",
			Help: "Token bucket tokens currently available per provider",
		},
		[]string{"provider"},
	)
	RateLimitWindowOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limit_window_occupancy",
			Help: "Sliding window occupancy per provider",
		},
		[]string{"provider"},
	)
	QuotaUsagePercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_usage_percent",
			Help: "Quota usage percentage per provider and quota type",
		},
		[]string{"provider", "quota_type"},
	)
)

// InitMetrics registers all gateway collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestsFailedTotal)
	prometheus.MustRegister(Errors429Total)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ProviderLatency)
	prometheus.MustRegister(TokensConsumed)
	prometheus.MustRegister(TokensTotal)
	prometheus.MustRegister(RateLimitRPMLimit)
	prometheus.MustRegister(RateLimitBurstCapacity)
	prometheus.MustRegister(RateLimitTokensCapacity)
	prometheus.MustRegister(RateLimitTokensAvailable)
	prometheus.MustRegister(RateLimitWindowOccupancy)
	prometheus.MustRegister(QuotaUsagePercent)
}

// RecordSuccess records the standard success signals for one execution.
func RecordSuccess(provider, agent string, duration time.Duration, tokensIn, tokensOut int) {
	RequestsTotal.WithLabelValues(provider, agent, "success").Inc()
	RequestDuration.WithLabelValues(provider, agent).Observe(duration.Seconds())
	TokensConsumed.WithLabelValues(provider, "input").Observe(float64(tokensIn))
	TokensConsumed.WithLabelValues(provider, "output").Observe(float64(tokensOut))
	TokensTotal.WithLabelValues(provider, "input").Add(float64(tokensIn))
	TokensTotal.WithLabelValues(provider, "output").Add(float64(tokensOut))
}

// RecordFailure records the standard failure signals for one execution.
// 429 counting happens per attempt at the call site, not here.
func RecordFailure(provider, agent, errorType string, duration time.Duration) {
	RequestsTotal.WithLabelValues(provider, agent, "failed").Inc()
	RequestsFailedTotal.WithLabelValues(provider, agent, errorType).Inc()
	RequestDuration.WithLabelValues(provider, agent).Observe(duration.Seconds())
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
