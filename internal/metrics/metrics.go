package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for tithe.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Proxy metrics.
	ProxyRequestsTotal       *prometheus.CounterVec
	ProxyUpstreamDuration    *prometheus.HistogramVec
	ProxyUpstreamErrorsTotal *prometheus.CounterVec
	ProxyUpstreamRetries     prometheus.Counter

	// Streaming sessions.
	ActiveSessions   prometheus.Gauge
	SessionsFinished *prometheus.CounterVec

	// Identity resolver.
	ResolverCacheTotal         *prometheus.CounterVec
	ResolverLookupsTotal       *prometheus.CounterVec
	ResolverInvalidationsTotal prometheus.Counter

	// Budget, rate limiting and auth.
	BudgetRejectionsTotal    *prometheus.CounterVec
	RateLimitRejectionsTotal prometheus.Counter
	AuthFailuresTotal        *prometheus.CounterVec

	// Usage accounting.
	UsageRecordsTotal     *prometheus.CounterVec
	AggregateFlushesTotal *prometheus.CounterVec

	// Chat.
	ChatTurnsTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tithe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_proxy_requests_total",
			Help: "Total number of proxied model calls.",
		}, []string{"endpoint", "status_code", "stream"}),

		ProxyUpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tithe_proxy_upstream_duration_seconds",
			Help:    "Time until the billing gateway answered, in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),

		ProxyUpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_proxy_upstream_errors_total",
			Help: "Total number of billing gateway errors by error type.",
		}, []string{"error_type"}),

		ProxyUpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tithe_proxy_upstream_retries_total",
			Help: "Total number of retried billing gateway calls.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tithe_stream_sessions_active",
			Help: "Number of proxied sessions in flight.",
		}),

		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_stream_sessions_finished_total",
			Help: "Total number of finished sessions by final state.",
		}, []string{"state"}),

		ResolverCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_resolver_cache_total",
			Help: "Identity cache lookups by result.",
		}, []string{"result"}),

		ResolverLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_resolver_lookups_total",
			Help: "Identity store lookups by outcome.",
		}, []string{"outcome"}),

		ResolverInvalidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tithe_resolver_invalidations_total",
			Help: "Total number of identity cache invalidations.",
		}),

		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_budget_rejections_total",
			Help: "Total number of budget rejections.",
		}, []string{"reason"}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tithe_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		UsageRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_usage_records_total",
			Help: "Usage record attempts by result.",
		}, []string{"result"}),

		AggregateFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_aggregate_flushes_total",
			Help: "Daily aggregate flushes by result.",
		}, []string{"status"}),

		ChatTurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tithe_chat_turns_total",
			Help: "Chat turns by final state.",
		}, []string{"state"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tithe_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProxyRequestsTotal,
		m.ProxyUpstreamDuration,
		m.ProxyUpstreamErrorsTotal,
		m.ProxyUpstreamRetries,
		m.ActiveSessions,
		m.SessionsFinished,
		m.ResolverCacheTotal,
		m.ResolverLookupsTotal,
		m.ResolverInvalidationsTotal,
		m.BudgetRejectionsTotal,
		m.RateLimitRejectionsTotal,
		m.AuthFailuresTotal,
		m.UsageRecordsTotal,
		m.AggregateFlushesTotal,
		m.ChatTurnsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Exposition serves the registry in the Prometheus text format.
func (m *Metrics) Exposition() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// HTTPMiddleware counts and times requests under kind, labelled with the
// matched chi route pattern so that ids in paths do not explode cardinality.
func (m *Metrics) HTTPMiddleware(kind string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				pattern = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequestsTotal.WithLabelValues(kind, r.Method, pattern, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(kind, r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}

// IncAuthFailure increments the auth failure counter for the given scheme.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}

// IncProxyRequests counts a finished proxied call.
func (m *Metrics) IncProxyRequests(endpoint string, statusCode int, stream bool) {
	m.ProxyRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(statusCode), strconv.FormatBool(stream)).Inc()
}

// ObserveUpstreamDuration records the time until the gateway answered.
func (m *Metrics) ObserveUpstreamDuration(endpoint string, seconds float64) {
	m.ProxyUpstreamDuration.WithLabelValues(endpoint).Observe(seconds)
}

// IncUpstreamError increments the upstream error counter with error type classification.
func (m *Metrics) IncUpstreamError(errorType string) {
	m.ProxyUpstreamErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) IncUpstreamRetry() {
	m.ProxyUpstreamRetries.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) IncSessionOutcome(state string) {
	m.SessionsFinished.WithLabelValues(state).Inc()
}

func (m *Metrics) IncResolverCache(result string) {
	m.ResolverCacheTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncResolverLookup(outcome string) {
	m.ResolverLookupsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncResolverInvalidation() {
	m.ResolverInvalidationsTotal.Inc()
}

// IncBudgetRejection increments the budget rejection counter.
func (m *Metrics) IncBudgetRejection(reason string) {
	m.BudgetRejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncUsageRecord(result string) {
	m.UsageRecordsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncAggregateFlush(result string) {
	m.AggregateFlushesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncChatTurn(state string) {
	m.ChatTurnsTotal.WithLabelValues(state).Inc()
}
