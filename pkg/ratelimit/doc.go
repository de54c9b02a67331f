/*
Package ratelimit admits or denies requests against per-key, per-route
budgets stored in the shared KV backend, so all gateway instances drain
the same buckets.

Two algorithms are selectable per API key:

Token bucket (default): a JSON record {tokens, last_refill_ms} under
ratelimit:tb:<key>:<route>. Each check refills by elapsed time times
the rate, capped at burst, then deducts one token. The record is
written back with a TTL that outlives a full refill, so idle buckets
disappear on their own. Writes are read-modify-write without CAS: two
instances racing may both admit, which over-admits by at most the race
width. The limiter is best-effort; hard correctness lives in the quota
counter, not here.

Sliding window: a counter per ratelimit:sw:<key>:<route>:<window_start>
incremented atomically, TTL'd to the window length (burst/rps seconds,
min 1s). Denies when the count exceeds rps times the window. No burst
smoothing; the trade is exact counting for coarser boundaries.

# Failure Policy

Every KV error fails open with a warning log. Denials only ever come
from real counted traffic, never from an unreachable store.

# Override Resolution

Resolve picks effective limits in precedence order: API key override,
then route override, then the gateway defaults. Zero values mean "not
overridden" at each level; a fully-zero result disables limiting for
that key entirely.

# Usage

	lim := ratelimit.Resolve(key, route, cfg.DefaultRateLimitRPS, cfg.DefaultRateLimitBurst)
	d := limiter.Allow(ctx, key.ID, route.ID, lim)
	if !d.Allowed {
		// 429 with Retry-After from d.RetryAfter
	}

# See Also

  - pkg/quota for the hard daily/monthly counters
  - pkg/gateway for where decisions map to 429 responses and headers
*/
package ratelimit
