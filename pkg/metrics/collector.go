package metrics

import (
	"context"
	"time"

	"github.com/cuemby/heliox/pkg/configcache"
	"github.com/cuemby/heliox/pkg/kv"
)

// ConfigView is the part of the config cache the collector reads.
type ConfigView interface {
	Snapshot() *configcache.Snapshot
}

// Collector keeps the derived gauges and the KV health component
// current. Counter metrics are bumped inline on the request path;
// everything that has to be polled lives here.
type Collector struct {
	view   ConfigView
	store  kv.Store
	period time.Duration
	stopCh chan struct{}
}

// NewCollector creates a collector over the config view and KV store.
func NewCollector(view ConfigView, store kv.Store) *Collector {
	return &Collector{
		view:   view,
		store:  store,
		period: 15 * time.Second,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.period)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectConfigSizes()
	c.collectKVHealth()
}

func (c *Collector) collectConfigSizes() {
	if c.view == nil {
		return
	}
	snap := c.view.Snapshot()
	if snap == nil {
		return
	}

	routes := 0
	for _, group := range snap.Routes {
		routes += len(group)
	}

	ConfigTenants.Set(float64(len(snap.Tenants)))
	ConfigAPIKeys.Set(float64(len(snap.KeysByHash)))
	ConfigRoutes.Set(float64(routes))
	ConfigPolicies.Set(float64(len(snap.Policies)))
}

func (c *Collector) collectKVHealth() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		KVUp.Set(0)
		SetComponent(ComponentKV, StateDegraded)
		return
	}
	KVUp.Set(1)
	SetComponent(ComponentKV, StateOK)
}
