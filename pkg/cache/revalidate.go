package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/heliox/pkg/log"
)

// Revalidator refreshes stale entries in the background. Concurrency
// is bounded by a weighted semaphore; a full pool drops the job, since
// the next stale hit will simply enqueue it again.
type Revalidator struct {
	cache   *Cache
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	dropped func()
}

// NewRevalidator creates a pool of the given width. onDrop, if not
// nil, is called each time a job is dropped because the pool is full.
func NewRevalidator(c *Cache, workers int, onDrop func()) *Revalidator {
	if workers <= 0 {
		workers = 4
	}
	return &Revalidator{
		cache:   c,
		sem:     semaphore.NewWeighted(int64(workers)),
		dropped: onDrop,
	}
}

// Enqueue starts a background refresh of hexKey and reports whether a
// job was actually started. The revalidate lease makes duplicate work
// across instances a no-op, so calling this on every stale hit is fine.
func (r *Revalidator) Enqueue(hexKey string, fetch FetchFunc) bool {
	if !r.sem.TryAcquire(1) {
		if r.dropped != nil {
			r.dropped()
		}
		lg := log.WithComponent("cache")
		lg.Debug().Str("key", hexKey).Msg("revalidation pool full, dropping job")
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		r.run(hexKey, fetch)
	}()
	return true
}

// run takes the lease, re-fetches, and stores on success. Failures are
// swallowed: the stale entry keeps serving until its window closes.
func (r *Revalidator) run(hexKey string, fetch FetchFunc) {
	ctx := context.Background()
	lease := revalidatePrefix + hexKey
	holderID := uuid.New().String()

	acquired, err := r.cache.store.SetIfAbsent(ctx, lease, []byte(holderID), r.cache.opts.LockTTL)
	if err != nil || !acquired {
		return
	}

	out, ferr := fetch(ctx)
	if ferr == nil && out.Store && out.Entry != nil {
		if serr := r.cache.Store(ctx, hexKey, out.Entry); serr != nil {
			lg := log.WithComponent("cache")
			lg.Warn().Err(serr).Msg("revalidation store failed")
		}
	}

	_, _ = r.cache.store.DelIfEqual(ctx, lease, []byte(holderID))
}

// Drain blocks until every in-flight job finishes. Shutdown path.
func (r *Revalidator) Drain() {
	r.wg.Wait()
}
