package configcache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/storage"
	"github.com/cuemby/heliox/pkg/types"
)

// TopicConfigChanged carries Change messages between the CLI, the
// admin plane, and every running gateway instance.
const TopicConfigChanged = "config:changed"

// Change entities. Entity names ending in a noun invalidate the config
// view; cache_purge and unblock are imperative reactions.
const (
	EntityTenant     = "tenant"
	EntityAPIKey     = "api_key"
	EntityRoute      = "route"
	EntityPolicy     = "policy"
	EntityCachePurge = "cache_purge"
	EntityUnblock    = "unblock"
)

// Change is the payload published on TopicConfigChanged. ID is the
// changed record's id, the purge glob, or the key id to unblock.
type Change struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

// Snapshot is one immutable view of the gateway configuration. Readers
// share it without locks; a refresh builds a new one and swaps it in.
type Snapshot struct {
	Tenants    map[string]*types.Tenant      // by id
	KeysByHash map[string]*types.APIKey      // by hashed secret
	Routes     map[string][]*types.Route     // by route name
	Policies   map[string]*types.CachePolicy // by id
	BuiltAt    time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Tenants:    map[string]*types.Tenant{},
		KeysByHash: map[string]*types.APIKey{},
		Routes:     map[string][]*types.Route{},
		Policies:   map[string]*types.CachePolicy{},
	}
}

// Purger removes cached entries matching a glob. Satisfied by
// cache.Cache.
type Purger interface {
	Purge(ctx context.Context, pattern string) (int, error)
}

// Unblocker lifts a soft block from an API key. Satisfied by
// abuse.Detector.
type Unblocker interface {
	Unblock(ctx context.Context, apiKeyID string) error
}

// Options tunes the cache. Zero values use defaults; nil reactors
// disable the corresponding Change reaction.
type Options struct {
	RefreshInterval time.Duration // default 30s
	Purger          Purger
	Unblocker       Unblocker
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30 * time.Second
	}
	return o
}

// Cache holds the in-memory configuration view every request reads.
// It is rebuilt from storage on a timer and on Change messages, so
// admin writes converge across instances without a request-path DB hit.
type Cache struct {
	db    storage.Store
	store kv.Store
	opts  Options

	snap     atomic.Pointer[Snapshot]
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a config cache over the given stores. The view is empty
// until the first Refresh.
func New(db storage.Store, store kv.Store, opts Options) *Cache {
	c := &Cache{
		db:     db,
		store:  store,
		opts:   opts.withDefaults(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.snap.Store(emptySnapshot())
	return c
}

// Refresh rebuilds the snapshot from storage and swaps it in. Readers
// holding the previous snapshot keep a consistent view.
func (c *Cache) Refresh(ctx context.Context) error {
	tenants, err := c.db.ListTenants()
	if err != nil {
		return err
	}
	keys, err := c.db.ListAPIKeys()
	if err != nil {
		return err
	}
	routes, err := c.db.ListRoutes()
	if err != nil {
		return err
	}
	policies, err := c.db.ListCachePolicies()
	if err != nil {
		return err
	}

	snap := emptySnapshot()
	snap.BuiltAt = time.Now()
	for _, t := range tenants {
		snap.Tenants[t.ID] = t
	}
	for _, k := range keys {
		snap.KeysByHash[k.HashedSecret] = k
	}
	for _, r := range routes {
		snap.Routes[r.Name] = append(snap.Routes[r.Name], r)
	}
	for _, p := range policies {
		snap.Policies[p.ID] = p
	}
	c.snap.Store(snap)

	lg := log.WithComponent("configcache")
	lg.Debug().
		Int("tenants", len(tenants)).
		Int("keys", len(keys)).
		Int("routes", len(routes)).
		Int("policies", len(policies)).
		Msg("config snapshot refreshed")
	return nil
}

// Start builds the initial snapshot and begins the refresh loop. The
// loop runs until Stop or ctx cancellation.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}

	var ch <-chan kv.Message
	sub, err := c.store.Sub(ctx, TopicConfigChanged)
	if err != nil {
		// Timer-driven refresh still converges, just slower
		lg := log.WithComponent("configcache")
		lg.Warn().Err(err).Msg("config change subscription unavailable")
	} else {
		ch = sub.C()
	}

	c.started.Store(true)
	go func() {
		defer close(c.done)
		if sub != nil {
			defer sub.Close()
		}
		c.run(ctx, ch)
	}()
	return nil
}

// Stop halts the refresh loop and waits for it to exit. Safe to call
// even when Start never ran or failed.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		<-c.done
	}
}

func (c *Cache) run(ctx context.Context, ch <-chan kv.Message) {
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				lg := log.WithComponent("configcache")
				lg.Warn().Err(err).Msg("config refresh failed")
			}
		case msg, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			c.apply(ctx, msg.Payload)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// apply reacts to one Change message.
func (c *Cache) apply(ctx context.Context, payload []byte) {
	var change Change
	if err := json.Unmarshal(payload, &change); err != nil {
		lg := log.WithComponent("configcache")
		lg.Warn().Err(err).Msg("malformed config change message")
		return
	}

	logger := log.WithComponent("configcache")
	switch change.Entity {
	case EntityCachePurge:
		if c.opts.Purger == nil {
			return
		}
		pattern := change.ID
		if pattern == "" {
			pattern = "*"
		}
		n, err := c.opts.Purger.Purge(ctx, pattern)
		if err != nil {
			logger.Warn().Err(err).Str("pattern", pattern).Msg("cache purge failed")
			return
		}
		logger.Info().Str("pattern", pattern).Int("removed", n).Msg("cache purged on request")

	case EntityUnblock:
		if c.opts.Unblocker == nil || change.ID == "" {
			return
		}
		if err := c.opts.Unblocker.Unblock(ctx, change.ID); err != nil {
			logger.Warn().Err(err).Str("api_key_id", change.ID).Msg("unblock failed")
			return
		}
		logger.Info().Str("api_key_id", change.ID).Msg("api key unblocked on request")

	default:
		// Tenant, key, route, and policy changes (and anything new)
		// all mean the same thing here: the view is out of date.
		if err := c.Refresh(ctx); err != nil {
			logger.Warn().Err(err).Str("entity", change.Entity).Msg("config refresh failed")
		}
	}
}

// Snapshot returns the current view. Callers must treat it as
// read-only.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// KeyByHash returns the API key whose hashed secret matches.
func (c *Cache) KeyByHash(hash string) (*types.APIKey, bool) {
	k, ok := c.snap.Load().KeysByHash[hash]
	return k, ok
}

// TenantByID returns the tenant record for id.
func (c *Cache) TenantByID(id string) (*types.Tenant, bool) {
	t, ok := c.snap.Load().Tenants[id]
	return t, ok
}

// RoutesByName returns every route sharing the given name, active or
// not. Selection among them is the router's concern.
func (c *Cache) RoutesByName(name string) []*types.Route {
	return c.snap.Load().Routes[name]
}

// PolicyByID returns the cache policy for id.
func (c *Cache) PolicyByID(id string) (*types.CachePolicy, bool) {
	p, ok := c.snap.Load().Policies[id]
	return p, ok
}

// PublishChange serializes the change and publishes it on
// TopicConfigChanged. Used by the CLI after store writes.
func PublishChange(ctx context.Context, store kv.Store, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return store.Pub(ctx, TopicConfigChanged, payload)
}
