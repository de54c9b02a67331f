/*
Package metrics provides the gateway's observability surface: Prometheus
collectors, the JSON counter endpoint, and the component health view.

Collectors are package-level variables registered at init, bumped
directly from the request path. The JSON surface on /metrics tracks the
same counters in plain atomics, because Prometheus collectors are
write-only from the program's point of view; the Observe helpers bump
both so the two surfaces never drift.

# Collectors

	heliox_requests_total{route,code}        proxied requests
	heliox_request_duration_seconds{route}   end-to-end latency
	heliox_cache_hits_total                  fresh hits
	heliox_cache_misses_total                misses
	heliox_cache_stale_total                 stale hits (SWR window)
	heliox_cache_bypass_total                cache-exempt traffic
	heliox_rate_limited_total                429 rate_limited
	heliox_quota_exceeded_total              429 quota_exceeded
	heliox_blocked_total                     429 abuse_blocked
	heliox_upstream_errors_total{kind}       failed origin exchanges
	heliox_upstream_latency_seconds          origin fetch latency
	heliox_request_logs_dropped_total        log queue overflow
	heliox_revalidations_dropped_total       revalidation pool overflow
	heliox_config_*                          config snapshot sizes
	heliox_kv_up                             KV ping state

# Health

The health view aggregates three components: kv, db, and bloom. Each is
ok, degraded, or disabled; any degraded component turns the overall
status degraded. The /health endpoint answers 200 regardless, since a
degraded gateway (fallback KV, bloom off) still serves traffic; probes
that care read the body.

The Collector keeps the polled pieces current: config snapshot gauges
and the KV ping every 15 seconds. Everything else updates inline.

# Endpoints

	/health              metrics.HealthHandler()
	/metrics             metrics.CountersHandler()
	/metrics/prometheus  metrics.Handler()
*/
package metrics
