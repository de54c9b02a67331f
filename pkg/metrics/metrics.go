package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heliox_requests_total",
			Help: "Total number of proxied requests by route and status code",
		},
		[]string{"route", "code"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heliox_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heliox_cache_hits_total",
			Help: "Total cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heliox_cache_misses_total",
			Help: "Total cache misses",
		},
	)

	CacheStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heliox_cache_stale_total",
			Help: "Total stale cache hits served during revalidation",
		},
	)

	CacheBypassTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heliox_cache_bypass_total",
			Help: "Total requests that bypassed the cache",
		},
	)

	// Admission metrics
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heliox_rate_limited_total",
			Help: "Total requests denied by the rate limiter",
		},
	)

	QuotaExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heliox_quota_exceeded_total",
			Help: "Total requests denied by quota enforcement",
		},
	)

	BlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heliox_blocked_total",
			Help: "Total requests denied by an active abuse block",
		},
	)

	// Upstream metrics
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heliox_upstream_errors_total",
			Help: "Total upstream exchange failures by kind",
		},
		[]string{"kind"},
	)

	UpstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heliox_upstream_latency_seconds",
			Help:    "Origin fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Background work metrics
	LogsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heliox_request_logs_dropped_total",
			Help: "Total request log entries dropped by the bounded queue",
		},
	)

	RevalidationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heliox_revalidations_dropped_total",
			Help: "Total background revalidations dropped by the full pool",
		},
	)

	// Config view metrics
	ConfigTenants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heliox_config_tenants",
			Help: "Tenants in the current config snapshot",
		},
	)

	ConfigAPIKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heliox_config_api_keys",
			Help: "API keys in the current config snapshot",
		},
	)

	ConfigRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heliox_config_routes",
			Help: "Routes in the current config snapshot",
		},
	)

	ConfigPolicies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heliox_config_policies",
			Help: "Cache policies in the current config snapshot",
		},
	)

	KVUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heliox_kv_up",
			Help: "Whether the KV backend answers pings (1 = up)",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheStaleTotal)
	prometheus.MustRegister(CacheBypassTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(QuotaExceededTotal)
	prometheus.MustRegister(BlockedTotal)
	prometheus.MustRegister(UpstreamErrorsTotal)
	prometheus.MustRegister(UpstreamLatency)
	prometheus.MustRegister(LogsDroppedTotal)
	prometheus.MustRegister(RevalidationsDroppedTotal)
	prometheus.MustRegister(ConfigTenants)
	prometheus.MustRegister(ConfigAPIKeys)
	prometheus.MustRegister(ConfigRoutes)
	prometheus.MustRegister(ConfigPolicies)
	prometheus.MustRegister(KVUp)
}

// Handler returns the Prometheus exposition handler, mounted at
// /metrics/prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}
