/*
Package kv abstracts the shared key-value backend that coordinates
gateway instances.

Everything mutable that must be visible across instances lives behind
the Store interface: cache entries, rate-limit buckets, quota counters,
abuse state, soft blocks, bloom filter bits, single-flight leases, and
the config:changed notification topic.

# Architecture

Two implementations satisfy Store:

  - Redis: the shared networked backend (go-redis). This is the normal
    production mode; coordination holds across every gateway instance
    pointed at the same Redis.
  - Memory: an in-process fallback with a TTL janitor and a local
    pub/sub broker. The interface contract is identical, but state is
    process-local, so coalescing and limits degrade to per-instance.

Open probes the shared backend exactly once at startup. If the probe
fails (or DEPLOYMENT_MODE=demo forces it), the gateway runs on the
fallback and the health endpoint reports the kv component as degraded.
There is no background reconnect; restoring the shared backend is an
operator action followed by a restart.

# Operation Contract

Every operation takes a context and is bounded by the configured per-op
timeout (default 250ms). A timed-out operation returns ErrTimeout and is
never retried inside this package; callers treat it as a soft failure
and degrade (serve uncached, fail open on limits, skip the bloom hint).

Missing keys return ErrNotFound rather than (nil, nil) so callers
cannot confuse an empty value with an absent one.

# Leases

SetIfAbsent and DelIfEqual together implement every lease in the
system. Acquire:

	ok, err := store.SetIfAbsent(ctx, "lock:"+key, holderID, lockTTL)

Release:

	released, err := store.DelIfEqual(ctx, "lock:"+key, holderID)

Expiry is enforced by the backend's TTL, never by comparing client
clocks. DelIfEqual's value check means a holder whose lease already
expired and was re-acquired by another instance cannot delete the new
holder's lease; on Redis this is a small Lua script so the compare and
delete are atomic.

# Pub/Sub

Sub returns a Subscription whose channel is closed when the
subscription closes. Delivery is best-effort: a subscriber that falls
behind its buffer skips messages. The gateway uses topics for
cache-fill completion signals (cache:done:<hex>) and admin
configuration changes (config:changed).

# Usage

	store, err := kv.Open(ctx, kv.Options{
		URL:       cfg.RedisURL,
		OpTimeout: time.Duration(cfg.KVOpTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Set(ctx, "cache:abc", payload, 2*time.Minute); err != nil {
		// soft failure: log and continue uncached
	}

# See Also

  - pkg/cache for the lease-based single-flight protocol
  - pkg/ratelimit, pkg/quota, pkg/abuse, pkg/bloom for counter layouts
  - pkg/configcache for the config:changed subscription
*/
package kv
