/*
Package configcache keeps an in-memory view of tenants, API keys,
routes, and cache policies so the request path never touches the
database. The view is an immutable snapshot behind an atomic pointer:
readers grab the current pointer and work lock-free; a refresh builds
a complete replacement and swaps it in.

Two things trigger a refresh: a timer (CONFIG_REFRESH_SECONDS, default
30) and a message on the config:changed topic. Admin writes publish Change
payloads there, so all gateway instances converge within one message
delivery rather than one timer period. Two Change entities skip the
refresh and act directly: cache_purge translates its id glob into a KV
pattern delete, and unblock lifts a soft block from an API key.

Staleness is bounded, not eliminated. A request served between a store
write and the next refresh sees the old view; the system tolerates
this everywhere (an authenticated key may work for up to one refresh
interval after revocation).

# Usage

	cc := configcache.New(db, store, configcache.Options{
		Purger:    responseCache,
		Unblocker: detector,
	})
	if err := cc.Start(ctx); err != nil {
		return err
	}
	defer cc.Stop()

	key, ok := cc.KeyByHash(hashed)

# See Also

  - pkg/gateway, the only reader on the hot path
  - cmd/heliox apply, the main publisher of Change messages
*/
package configcache
