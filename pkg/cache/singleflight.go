package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/types"
)

// fillAttempts bounds how often a waiter retries the acquire step
// before falling back to an uncoalesced fetch.
const fillAttempts = 3

// FetchOutcome is what a fill fetch produced: the entry to serve and
// whether it may be persisted. Entry carries the response even when
// Store is false.
type FetchOutcome struct {
	Entry *types.CacheEntry
	Store bool
}

// FetchFunc performs the origin exchange for a fill or revalidation.
// The context it receives is detached from any single client request.
type FetchFunc func(ctx context.Context) (FetchOutcome, error)

// Fill coordinates the miss path for hexKey so that concurrent misses
// across all gateway instances produce one origin fetch. The holder of
// the lock lease fetches, stores eligible responses, and publishes
// completion; everyone else waits for that publication and re-reads.
// fromCache reports whether the returned entry came from a peer's fill
// rather than this caller's own fetch.
//
// When the KV backend fails or a holder never completes, the caller
// degrades to a direct fetch without storing.
func (c *Cache) Fill(ctx context.Context, hexKey string, fetch FetchFunc) (entry *types.CacheEntry, fromCache bool, err error) {
	lockKey := lockPrefix + hexKey
	topic := doneTopicPrefix + hexKey
	holderID := uuid.New().String()

	for attempt := 0; attempt < fillAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}

		acquired, err := c.store.SetIfAbsent(ctx, lockKey, []byte(holderID), c.opts.LockTTL)
		if err != nil {
			// Coordination is unavailable; serve without it
			lg := log.WithComponent("cache")
			lg.Warn().Err(err).Msg("kv unavailable, uncoalesced fetch")
			out, ferr := fetch(context.WithoutCancel(ctx))
			return out.Entry, false, ferr
		}
		if acquired {
			e, ferr := c.fillAsHolder(ctx, hexKey, lockKey, topic, holderID, fetch)
			return e, false, ferr
		}

		// Someone else is fetching. Subscribe before re-checking so a
		// completion between the two cannot be missed.
		if sub, serr := c.store.Sub(ctx, topic); serr == nil {
			if res, lerr := c.Lookup(ctx, hexKey); lerr == nil && res.Entry != nil {
				_ = sub.Close()
				return res.Entry, true, nil
			}
			c.waitForHolder(ctx, sub.C())
			_ = sub.Close()
		}

		if res, lerr := c.Lookup(ctx, hexKey); lerr == nil && res.Entry != nil {
			return res.Entry, true, nil
		}
		// The holder finished without storing, or its lease expired.
		// Take another shot at becoming the holder ourselves.
	}

	// Degraded uncoalesced path: fetch directly, store nothing
	out, ferr := fetch(context.WithoutCancel(ctx))
	return out.Entry, false, ferr
}

// fillAsHolder runs the fetch with the lock held. The fetch and the
// completion bookkeeping run detached from the client's context:
// waiters may be parked on this fill, so a disconnecting client must
// not abandon it half-done. The origin deadline bounds the fetch.
func (c *Cache) fillAsHolder(ctx context.Context, hexKey, lockKey, topic, holderID string, fetch FetchFunc) (*types.CacheEntry, error) {
	detached := context.WithoutCancel(ctx)

	out, ferr := fetch(detached)

	if ferr == nil && out.Store && out.Entry != nil {
		if serr := c.Store(detached, hexKey, out.Entry); serr != nil {
			lg := log.WithComponent("cache")
			lg.Warn().Err(serr).Msg("failed to store cache entry")
		}
	}

	// Release before publishing so woken waiters that re-miss can
	// acquire immediately. Publication happens on failure too; waiters
	// retry sooner than the lease timeout.
	if _, derr := c.store.DelIfEqual(detached, lockKey, []byte(holderID)); derr != nil {
		lg := log.WithComponent("cache")
		lg.Debug().Err(derr).Msg("failed to release fill lock")
	}
	if perr := c.store.Pub(detached, topic, []byte(holderID)); perr != nil {
		lg := log.WithComponent("cache")
		lg.Debug().Err(perr).Msg("failed to publish fill completion")
	}

	return out.Entry, ferr
}

// waitForHolder blocks until the holder publishes, the bounded wait
// elapses, or the caller's request dies.
func (c *Cache) waitForHolder(ctx context.Context, ch <-chan kv.Message) {
	timer := time.NewTimer(c.opts.LockTTL + c.opts.WaitSlack)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}
