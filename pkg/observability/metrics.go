package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	StepDuration     *prometheus.HistogramVec

	// Permission cache metrics
	CacheLookupsTotal   *prometheus.CounterVec
	CacheFallbacksTotal prometheus.Counter
	CacheEvictionsTotal *prometheus.CounterVec
	CacheKeys           prometheus.Gauge
	CacheMemoryBytes    prometheus.Gauge
	CacheUtilization    prometheus.Gauge
	StoreAvailable      prometheus.Gauge

	// Security metrics
	ReplayRejectionsTotal *prometheus.CounterVec
	AnomalyRiskTotal      *prometheus.CounterVec
	AnomalySkippedTotal   *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsTotal prometheus.Gauge
	RedisConnectionsIdle  prometheus.Gauge
	RedisPoolTimeouts     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticeguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noticeguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noticeguard_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticeguard_decisions_total",
				Help: "Total number of authorization decisions",
			},
			[]string{"outcome", "permission"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noticeguard_decision_duration_seconds",
				Help:    "End-to-end authorization decision latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"outcome", "path"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noticeguard_decision_step_duration_seconds",
				Help:    "Latency of individual decision steps in seconds",
				Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"step"},
		),

		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticeguard_cache_lookups_total",
				Help: "Permission cache lookups by result",
			},
			[]string{"result"},
		),
		CacheFallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "noticeguard_cache_fallbacks_total",
				Help: "Lookups served by the authoritative source after a cache miss",
			},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticeguard_cache_evictions_total",
				Help: "Permission cache entries evicted",
			},
			[]string{"reason"},
		),
		CacheKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_cache_keys",
				Help: "Number of cached permission snapshots",
			},
		),
		CacheMemoryBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_cache_memory_bytes",
				Help: "Estimated memory held by cached snapshots",
			},
		),
		CacheUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_cache_utilization_ratio",
				Help: "Cached subjects divided by the configured maximum",
			},
		),
		StoreAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_store_available",
				Help: "1 when the shared key-value store answered the last check",
			},
		),

		ReplayRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticeguard_replay_rejections_total",
				Help: "Credentials rejected by the replay guard",
			},
			[]string{"reason"},
		),
		AnomalyRiskTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticeguard_anomaly_reports_total",
				Help: "Anomaly reports by risk level",
			},
			[]string{"risk_level"},
		),
		AnomalySkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticeguard_anomaly_checks_skipped_total",
				Help: "Anomaly checks skipped because the store was unavailable",
			},
			[]string{"check"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		RedisConnectionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_redis_connections_total",
				Help: "Number of Redis connections in the pool",
			},
		),
		RedisConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_redis_connections_idle",
				Help: "Number of idle Redis connections",
			},
		),
		RedisPoolTimeouts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noticeguard_redis_pool_timeouts",
				Help: "Times a Redis connection could not be obtained from the pool",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.StepDuration,
		m.CacheLookupsTotal,
		m.CacheFallbacksTotal,
		m.CacheEvictionsTotal,
		m.CacheKeys,
		m.CacheMemoryBytes,
		m.CacheUtilization,
		m.StoreAvailable,
		m.ReplayRejectionsTotal,
		m.AnomalyRiskTotal,
		m.AnomalySkippedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsTotal,
		m.RedisConnectionsIdle,
		m.RedisPoolTimeouts,
	)

	return m
}

// RecordCacheLookup counts a permission cache lookup by result
func (m *Metrics) RecordCacheLookup(result string) {
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheFallback counts a lookup served by the authoritative source
func (m *Metrics) RecordCacheFallback() {
	m.CacheFallbacksTotal.Inc()
}

// RecordCacheEviction counts evicted cache entries
func (m *Metrics) RecordCacheEviction(reason string, count int) {
	if count <= 0 {
		return
	}
	m.CacheEvictionsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordDecision records the outcome and latency of one decision
func (m *Metrics) RecordDecision(outcome, permission, path string, total time.Duration) {
	m.DecisionsTotal.WithLabelValues(outcome, permission).Inc()
	m.DecisionDuration.WithLabelValues(outcome, path).Observe(total.Seconds())
}

// RecordStep records the latency of one decision step
func (m *Metrics) RecordStep(step string, d time.Duration) {
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// RecordReplayRejection counts a credential blocked by the replay guard
func (m *Metrics) RecordReplayRejection(reason string) {
	m.ReplayRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordAnomaly records an anomaly report's risk level and skipped checks
func (m *Metrics) RecordAnomaly(riskLevel string, skipped []string) {
	m.AnomalyRiskTotal.WithLabelValues(riskLevel).Inc()
	for _, check := range skipped {
		m.AnomalySkippedTotal.WithLabelValues(check).Inc()
	}
}

// SetCacheGauges publishes the latest cache diagnostics
func (m *Metrics) SetCacheGauges(keys int64, memoryBytes int64, utilization float64, storeAvailable bool) {
	m.CacheKeys.Set(float64(keys))
	m.CacheMemoryBytes.Set(float64(memoryBytes))
	m.CacheUtilization.Set(utilization)
	if storeAvailable {
		m.StoreAvailable.Set(1)
	} else {
		m.StoreAvailable.Set(0)
	}
}

// UpdateDBStats publishes database pool statistics
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// UpdateRedisStats publishes Redis pool statistics
func (m *Metrics) UpdateRedisStats(stats *redis.PoolStats) {
	if stats == nil {
		return
	}
	m.RedisConnectionsTotal.Set(float64(stats.TotalConns))
	m.RedisConnectionsIdle.Set(float64(stats.IdleConns))
	m.RedisPoolTimeouts.Set(float64(stats.Timeouts))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routePath returns the mux route template so path labels stay bounded
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routePath(r)
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
