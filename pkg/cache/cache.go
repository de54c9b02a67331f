package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/types"
)

const (
	entryPrefix      = "cache:"
	negativePrefix   = "neg:"
	lockPrefix       = "lock:"
	revalidatePrefix = "revalidate:"
	doneTopicPrefix  = "cache:done:"

	// storeTTLMargin keeps records readable slightly past stale_until so
	// peer clock skew cannot cut a serving window short.
	storeTTLMargin = 30 * time.Second
)

// Result is one lookup outcome. Entry is set for Hit and Stale; Age is
// whole seconds since the entry was stored.
type Result struct {
	Status types.CacheStatus
	Entry  *types.CacheEntry
	Age    int64
}

// Options tunes the coordination primitives. Zero values use defaults.
type Options struct {
	// LockTTL is the single-flight and revalidation lease duration. A
	// crashed holder's lock expires after this long.
	LockTTL time.Duration

	// WaitSlack is how much past LockTTL a waiter keeps listening for
	// the holder's completion before giving up.
	WaitSlack time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
	if o.WaitSlack <= 0 {
		o.WaitSlack = 2 * time.Second
	}
	return o
}

// Cache is the shared TTL+SWR response cache. Entries are JSON records
// in the KV store, readable by every gateway instance.
type Cache struct {
	store kv.Store
	opts  Options
	now   func() time.Time
}

// New creates a cache on the given store.
func New(store kv.Store, opts Options) *Cache {
	return &Cache{store: store, opts: opts.withDefaults(), now: time.Now}
}

// Lookup classifies the entry under hexKey against the current time.
// A returned error means the backend misbehaved; the caller should
// bypass the cache rather than fail the request.
func (c *Cache) Lookup(ctx context.Context, hexKey string) (Result, error) {
	data, err := c.store.Get(ctx, entryPrefix+hexKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return Result{Status: types.CacheStatusMiss}, nil
	case err != nil:
		return Result{Status: types.CacheStatusMiss}, err
	}

	var entry types.CacheEntry
	if jerr := json.Unmarshal(data, &entry); jerr != nil {
		// Corrupt record: drop it and treat as a miss
		_, _ = c.store.Del(ctx, entryPrefix+hexKey)
		return Result{Status: types.CacheStatusMiss}, nil
	}

	// A zero-TTL policy stores entries but never serves them
	if entry.FreshUntil <= entry.StoredAt {
		return Result{Status: types.CacheStatusMiss}, nil
	}

	now := c.now()
	switch {
	case entry.IsFresh(now):
		return Result{Status: types.CacheStatusHit, Entry: &entry, Age: entry.Age(now)}, nil
	case entry.IsStale(now):
		return Result{Status: types.CacheStatusStale, Entry: &entry, Age: entry.Age(now)}, nil
	default:
		return Result{Status: types.CacheStatusMiss}, nil
	}
}

// Store persists the entry under hexKey with a TTL covering both
// serving windows plus the safety margin.
func (c *Cache) Store(ctx context.Context, hexKey string, entry *types.CacheEntry) error {
	ttl := time.UnixMilli(entry.StaleUntil).Sub(c.now()) + storeTTLMargin
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, entryPrefix+hexKey, data, ttl)
}

// StoreNegative records a 404/410 response under neg:<key> for the
// policy's fresh window only.
func (c *Cache) StoreNegative(ctx context.Context, hexKey string, entry *types.CacheEntry) error {
	ttl := time.UnixMilli(entry.FreshUntil).Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, negativePrefix+hexKey, data, ttl)
}

// Negative returns the stored negative entry for hexKey, if one exists.
func (c *Cache) Negative(ctx context.Context, hexKey string) (*types.CacheEntry, bool) {
	data, err := c.store.Get(ctx, negativePrefix+hexKey)
	if err != nil {
		return nil, false
	}
	var entry types.CacheEntry
	if jerr := json.Unmarshal(data, &entry); jerr != nil {
		return nil, false
	}
	return &entry, true
}

// Purge removes stored entries and negative entries matching the glob
// and returns how many records were dropped.
func (c *Cache) Purge(ctx context.Context, pattern string) (int, error) {
	entries, err := c.store.DelPattern(ctx, entryPrefix+pattern)
	if err != nil {
		return entries, err
	}
	negatives, err := c.store.DelPattern(ctx, negativePrefix+pattern)
	if err != nil {
		return entries + negatives, err
	}
	lg := log.WithComponent("cache")
	lg.Info().
		Str("pattern", pattern).
		Int("removed", entries+negatives).
		Msg("cache purged")
	return entries + negatives, nil
}

// Storable reports whether a response may be cached under the policy.
// The body must already be fully buffered; size is checked against the
// policy's limit inclusively, so a body of exactly MaxBodyBytes stores.
func Storable(policy *types.CachePolicy, method string, status int, header http.Header, bodySize int64) bool {
	if policy == nil || policy.CacheNoStore {
		return false
	}
	if !policy.IsCacheableMethod(method) {
		return false
	}
	if !policy.IsCacheableStatus(status) {
		return false
	}
	if policy.MaxBodyBytes > 0 && bodySize > policy.MaxBodyBytes {
		return false
	}
	return !responseNoStore(header)
}

func responseNoStore(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		if strings.Contains(strings.ToLower(v), "no-store") {
			return true
		}
	}
	return false
}

// NewEntry builds the wire record for a response. Header names are
// lower-cased and the set is sorted so peers store identical bytes for
// identical responses.
func NewEntry(status int, header http.Header, body []byte, policy *types.CachePolicy, origin string, now time.Time) *types.CacheEntry {
	pairs := make([]types.HeaderPair, 0, len(header))
	for name, values := range header {
		lower := strings.ToLower(name)
		for _, v := range values {
			pairs = append(pairs, types.HeaderPair{Name: lower, Value: v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Name != pairs[j].Name {
			return pairs[i].Name < pairs[j].Name
		}
		return pairs[i].Value < pairs[j].Value
	})

	stored := now.UnixMilli()
	fresh := stored + int64(policy.TTLSeconds)*1000
	return &types.CacheEntry{
		Status:     status,
		Headers:    pairs,
		Body:       body,
		StoredAt:   stored,
		FreshUntil: fresh,
		StaleUntil: fresh + int64(policy.StaleSeconds)*1000,
		Origin:     origin,
	}
}
