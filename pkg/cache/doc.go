/*
Package cache implements the shared TTL + stale-while-revalidate
response cache with cross-instance request coalescing.

# Entry Lifecycle

Entries are JSON records under cache:<hex> with three phases measured
against two embedded timestamps:

	now <= fresh_until                 HIT    serve as-is
	fresh_until < now <= stale_until   STALE  serve, refresh in background
	otherwise                          MISS   fetch via single-flight

The KV record TTL is the full stale window plus a 30 second margin, so
expiry is always the backend's job and a lagging peer clock cannot read
a vanished record. A policy with ttl_seconds = 0 still stores entries
but lookups never serve them.

# Single-flight

Fill collapses concurrent misses for one key into one origin fetch,
across every gateway instance sharing the backend:

 1. acquire lock:<hex> via SetIfAbsent (TTL = LockTTL)
 2. holder: fetch, store if eligible, release via DelIfEqual, publish
    on cache:done:<hex>
 3. waiters: subscribe, re-read, wait bounded (LockTTL + WaitSlack),
    re-read again, retry the acquire up to two more times
 4. last resort: fetch directly without storing

The holder's fetch runs on a context detached from its own client, so a
disconnect cannot strand the waiters. With the in-process fallback store
the same protocol degrades to per-process coalescing.

# Revalidation

Stale hits enqueue a refresh on the Revalidator's bounded pool. The
revalidate:<hex> lease (SetIfAbsent) makes concurrent enqueues across
instances converge on one fetch; a full pool or lost lease drops the
job and the next stale hit tries again. Refresh failures are swallowed,
the stale entry keeps serving until stale_until.

# Negative Entries

404/410 responses for cacheable methods may be stored under neg:<hex>
for the policy's fresh window. They back the bloom filter's negative
hint; the pipeline serves one only when the filter also says maybe.

# Usage

	c := cache.New(store, cache.Options{})

	res, err := c.Lookup(ctx, hexKey)
	switch res.Status {
	case types.CacheStatusHit, types.CacheStatusStale:
		// serve res.Entry, res.Age
	case types.CacheStatusMiss:
		entry, fromCache, err := c.Fill(ctx, hexKey, fetchFn)
	}

# See Also

  - pkg/cachekey for how hexKey is derived
  - pkg/upstream for the fetch the pipeline plugs in
  - pkg/bloom for the negative-entry hint
*/
package cache
