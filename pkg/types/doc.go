/*
Package types defines the core data structures used throughout Heliox.

This package contains all fundamental types that represent the gateway's
domain model: tenants, API keys, routes, cache policies, cache entries,
abuse tracking state, block records, and request logs. These types are
used by every other package for admission decisions, cache storage, and
request accounting.

# Architecture

The types package is the foundation of the gateway's data model. It
defines:

  - Configuration entities (tenants, keys, routes, policies)
  - Wire records shared between gateway instances (cache entries, abuse state)
  - Accounting records (request logs, block records)
  - Classification enums (key status, cache status, error kinds)

Configuration entities are owned by the persistence store and mutated
only through the admin plane; the gateway reads them via its config
cache. Wire records live in the shared KV store and carry explicit JSON
field names because peer instances must decode what any instance wrote.

# Core Types

Configuration:
  - Tenant: customer organization; inactive tenants fail all authentication
  - APIKey: opaque bearer credential with rate/quota overrides
  - Route: path-pattern match to an upstream, with timeout and priority
  - CachePolicy: TTL, SWR window, vary headers, cacheability rules

Cache protocol:
  - CacheEntry: stored response with stored_at/fresh_until/stale_until
  - HeaderPair: lower-cased stored header
  - CacheStatus: HIT, STALE, MISS, BYPASS, or "-"

Abuse detection:
  - AbuseState: per-key EWMA rate, variance, and error-rate tracking
  - BlockedKeyRecord: persisted audit trail of soft blocks
  - BlockReason: rate_spike, error_rate_spike, manual

Accounting:
  - RequestLog: one record per request, written best-effort
  - ErrorKind: client-visible error classification with HTTP mapping

# Invariants

CacheEntry timestamps always satisfy

	StoredAt <= FreshUntil <= StaleUntil

and lookups classify strictly against the current clock: fresh entries
are HITs, entries inside the SWR window are STALE, everything else is a
MISS. An APIKey authenticates only while its status is active, its
expiry (if any) has not passed, and its tenant is active.

# Usage

	key := &types.APIKey{
		Status:    types.APIKeyStatusActive,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if key.IsUsable(time.Now()) {
		// admit
	}

	entry := &types.CacheEntry{
		Status:     200,
		StoredAt:   now.UnixMilli(),
		FreshUntil: now.Add(60 * time.Second).UnixMilli(),
		StaleUntil: now.Add(120 * time.Second).UnixMilli(),
	}
	switch {
	case entry.IsFresh(now):
		// serve as HIT
	case entry.IsStale(now):
		// serve as STALE, revalidate in background
	}

# See Also

  - pkg/storage for persistence of configuration entities
  - pkg/cache for CacheEntry storage and lookup
  - pkg/abuse for AbuseState updates
  - pkg/gateway for ErrorKind rendering
*/
package types
