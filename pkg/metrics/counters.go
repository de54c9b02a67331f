package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cuemby/heliox/pkg/types"
)

// counters backs the JSON surface on /metrics. Prometheus collectors
// cannot be read back cheaply, so the JSON counters are tracked here
// and both systems are bumped through the Observe helpers.
var counters struct {
	requests       atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	cacheStale     atomic.Int64
	cacheBypass    atomic.Int64
	rateLimited    atomic.Int64
	quotaExceeded  atomic.Int64
	blocked        atomic.Int64
	upstreamErrors atomic.Int64
	logsDropped    atomic.Int64
}

// ObserveRequest records one finished request.
func ObserveRequest(route string, status int, dur time.Duration) {
	counters.requests.Add(1)
	RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveCacheStatus records a cache decision.
func ObserveCacheStatus(status types.CacheStatus) {
	switch status {
	case types.CacheStatusHit:
		counters.cacheHits.Add(1)
		CacheHitsTotal.Inc()
	case types.CacheStatusStale:
		counters.cacheStale.Add(1)
		CacheStaleTotal.Inc()
	case types.CacheStatusMiss:
		counters.cacheMisses.Add(1)
		CacheMissesTotal.Inc()
	case types.CacheStatusBypass:
		counters.cacheBypass.Add(1)
		CacheBypassTotal.Inc()
	}
}

// ObserveRateLimited records a rate limiter denial.
func ObserveRateLimited() {
	counters.rateLimited.Add(1)
	RateLimitedTotal.Inc()
}

// ObserveQuotaExceeded records a quota denial.
func ObserveQuotaExceeded() {
	counters.quotaExceeded.Add(1)
	QuotaExceededTotal.Inc()
}

// ObserveBlocked records a request refused by an active abuse block.
func ObserveBlocked() {
	counters.blocked.Add(1)
	BlockedTotal.Inc()
}

// ObserveUpstreamError records a failed origin exchange. kind is the
// error kind string served to the client.
func ObserveUpstreamError(kind string, latency time.Duration) {
	counters.upstreamErrors.Add(1)
	UpstreamErrorsTotal.WithLabelValues(kind).Inc()
	UpstreamLatency.Observe(latency.Seconds())
}

// ObserveUpstream records a successful origin exchange.
func ObserveUpstream(latency time.Duration) {
	UpstreamLatency.Observe(latency.Seconds())
}

// ObserveLogsDropped records request log entries lost to the bounded
// queue.
func ObserveLogsDropped(n int64) {
	counters.logsDropped.Add(n)
	LogsDroppedTotal.Add(float64(n))
}

// ObserveRevalidationDropped records a background refresh the full
// pool rejected.
func ObserveRevalidationDropped() {
	RevalidationsDroppedTotal.Inc()
}

// CountersSnapshot is the JSON body served on /metrics.
type CountersSnapshot struct {
	RequestsTotal        int64   `json:"requests_total"`
	CacheHitTotal        int64   `json:"cache_hit_total"`
	CacheMissTotal       int64   `json:"cache_miss_total"`
	CacheStaleTotal      int64   `json:"cache_stale_total"`
	CacheBypassTotal     int64   `json:"cache_bypass_total"`
	CacheHitRate         float64 `json:"cache_hit_rate"`
	RateLimitedTotal     int64   `json:"rate_limited_total"`
	QuotaExceededTotal   int64   `json:"quota_exceeded_total"`
	BlockedTotal         int64   `json:"blocked_total"`
	UpstreamErrorTotal   int64   `json:"upstream_error_total"`
	RequestLogsDropTotal int64   `json:"request_logs_dropped_total"`
}

// Snapshot returns the current counter values. Stale and fresh hits
// both count toward the hit rate.
func Snapshot() CountersSnapshot {
	s := CountersSnapshot{
		RequestsTotal:        counters.requests.Load(),
		CacheHitTotal:        counters.cacheHits.Load(),
		CacheMissTotal:       counters.cacheMisses.Load(),
		CacheStaleTotal:      counters.cacheStale.Load(),
		CacheBypassTotal:     counters.cacheBypass.Load(),
		RateLimitedTotal:     counters.rateLimited.Load(),
		QuotaExceededTotal:   counters.quotaExceeded.Load(),
		BlockedTotal:         counters.blocked.Load(),
		UpstreamErrorTotal:   counters.upstreamErrors.Load(),
		RequestLogsDropTotal: counters.logsDropped.Load(),
	}
	if decided := s.CacheHitTotal + s.CacheStaleTotal + s.CacheMissTotal; decided > 0 {
		s.CacheHitRate = float64(s.CacheHitTotal+s.CacheStaleTotal) / float64(decided)
	}
	return s
}

// CountersHandler serves the JSON counters, mounted at /metrics.
func CountersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Snapshot())
	}
}
