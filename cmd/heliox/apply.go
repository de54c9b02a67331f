package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/heliox/pkg/config"
	"github.com/cuemby/heliox/pkg/configcache"
	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/storage"
	"github.com/cuemby/heliox/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration manifest",
	Long: `Apply tenants, API keys, cache policies, and routes from a YAML
manifest. Existing records are matched by id, or by name when the id is
omitted, and upserted; plaintext key secrets are hashed on ingest and
never stored.

The store file is locked by a running gateway; apply on a stopped
instance or point --data-dir elsewhere. Instances sharing the Redis
backend are notified of every change.

Examples:
  # Seed a fresh data directory
  heliox apply -f manifest.yaml --data-dir /var/lib/heliox`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	applyCmd.Flags().String("data-dir", "", "Data directory (overrides DATA_DIR)")
	applyCmd.Flags().String("redis-url", "", "Redis URL for change notifications (overrides REDIS_URL)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Manifest is the document heliox apply consumes.
type Manifest struct {
	Tenants  []TenantSpec `yaml:"tenants"`
	Policies []PolicySpec `yaml:"policies"`
	Routes   []RouteSpec  `yaml:"routes"`
	APIKeys  []APIKeySpec `yaml:"api_keys"`
}

type TenantSpec struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Active      *bool  `yaml:"active"` // omitted = true
}

type APIKeySpec struct {
	ID     string `yaml:"id"`
	Tenant string `yaml:"tenant"` // tenant id or name
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"` // plaintext; hashed on ingest
	Status string `yaml:"status"` // omitted = active

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	Algorithm      string  `yaml:"algorithm"`

	QuotaDaily   int64 `yaml:"quota_daily"`
	QuotaMonthly int64 `yaml:"quota_monthly"`

	ExpiresAt time.Time `yaml:"expires_at"`
}

type PolicySpec struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	TTLSeconds   int `yaml:"ttl_seconds"`
	StaleSeconds int `yaml:"stale_seconds"`

	VaryHeaders       []string `yaml:"vary_headers"`
	CacheableStatuses []int    `yaml:"cacheable_statuses"`
	CacheableMethods  []string `yaml:"cacheable_methods"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes"`
	NoStore           bool     `yaml:"no_store"`
}

type RouteSpec struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tenant      string `yaml:"tenant"` // empty = shared across tenants

	PathPattern string   `yaml:"path_pattern"`
	Methods     []string `yaml:"methods"`

	UpstreamBaseURL string `yaml:"upstream_base_url"`
	TimeoutMS       int    `yaml:"timeout_ms"`

	Policy string `yaml:"policy"` // policy id or name

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	Priority int   `yaml:"priority"`
	Active   *bool `yaml:"active"` // omitted = true
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("redis-url") {
		cfg.RedisURL, _ = cmd.Flags().GetString("redis-url")
	}
	log.Init(log.Config{Level: log.WarnLevel, JSONOutput: false})

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	db, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening config store in %s (is a gateway running?): %w", cfg.DataDir, err)
	}
	defer db.Close()

	changes, err := applyManifest(db, &m)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Println("Nothing to apply")
		return nil
	}

	notifyInstances(cfg, changes)
	return nil
}

// applyManifest upserts the manifest in dependency order and returns
// one Change per written record.
func applyManifest(db storage.Store, m *Manifest) ([]configcache.Change, error) {
	var changes []configcache.Change
	now := time.Now()

	for _, spec := range m.Tenants {
		t, created, err := upsertTenant(db, spec, now)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: %w", spec.Name, err)
		}
		report("Tenant", t.Name, t.ID, created)
		changes = append(changes, configcache.Change{Entity: configcache.EntityTenant, ID: t.ID})
	}
	for _, spec := range m.Policies {
		p, created, err := upsertPolicy(db, spec, now)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", spec.Name, err)
		}
		report("Policy", p.Name, p.ID, created)
		changes = append(changes, configcache.Change{Entity: configcache.EntityPolicy, ID: p.ID})
	}
	for _, spec := range m.Routes {
		r, created, err := upsertRoute(db, spec, now)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", spec.Name, err)
		}
		report("Route", r.Name, r.ID, created)
		changes = append(changes, configcache.Change{Entity: configcache.EntityRoute, ID: r.ID})
	}
	for _, spec := range m.APIKeys {
		k, created, err := upsertAPIKey(db, spec, now)
		if err != nil {
			return nil, fmt.Errorf("api key %q: %w", spec.Name, err)
		}
		report("API key", k.Name, k.ID, created)
		changes = append(changes, configcache.Change{Entity: configcache.EntityAPIKey, ID: k.ID})
	}
	return changes, nil
}

func report(kind, name, id string, created bool) {
	verb := "updated"
	if created {
		verb = "created"
	}
	fmt.Printf("✓ %s %s: %s (ID: %s)\n", kind, verb, name, id)
}

func upsertTenant(db storage.Store, spec TenantSpec, now time.Time) (*types.Tenant, bool, error) {
	if spec.Name == "" {
		return nil, false, fmt.Errorf("name is required")
	}

	t, created := &types.Tenant{ID: spec.ID, CreatedAt: now}, true
	if existing := findTenant(db, spec.ID, spec.Name); existing != nil {
		t, created = existing, false
	} else if t.ID == "" {
		t.ID = uuid.NewString()
	}

	t.Name = spec.Name
	t.Description = spec.Description
	t.IsActive = spec.Active == nil || *spec.Active
	t.UpdatedAt = now
	return t, created, db.UpdateTenant(t)
}

func findTenant(db storage.Store, id, name string) *types.Tenant {
	if id != "" {
		if t, err := db.GetTenant(id); err == nil {
			return t
		}
		return nil
	}
	if t, err := db.GetTenantByName(name); err == nil {
		return t
	}
	return nil
}

func upsertPolicy(db storage.Store, spec PolicySpec, now time.Time) (*types.CachePolicy, bool, error) {
	if spec.Name == "" {
		return nil, false, fmt.Errorf("name is required")
	}
	if spec.TTLSeconds <= 0 && !spec.NoStore {
		return nil, false, fmt.Errorf("ttl_seconds must be positive")
	}

	p, created := &types.CachePolicy{ID: spec.ID, CreatedAt: now}, true
	if existing := findPolicy(db, spec.ID, spec.Name); existing != nil {
		p, created = existing, false
	} else if p.ID == "" {
		p.ID = uuid.NewString()
	}

	p.Name = spec.Name
	p.Description = spec.Description
	p.TTLSeconds = spec.TTLSeconds
	p.StaleSeconds = spec.StaleSeconds
	p.VaryHeaders = spec.VaryHeaders
	p.CacheableStatuses = spec.CacheableStatuses
	p.CacheableMethods = spec.CacheableMethods
	p.MaxBodyBytes = spec.MaxBodyBytes
	p.CacheNoStore = spec.NoStore
	p.UpdatedAt = now
	return p, created, db.UpdateCachePolicy(p)
}

func findPolicy(db storage.Store, id, name string) *types.CachePolicy {
	if id != "" {
		if p, err := db.GetCachePolicy(id); err == nil {
			return p
		}
		return nil
	}
	if p, err := db.GetCachePolicyByName(name); err == nil {
		return p
	}
	return nil
}

func upsertRoute(db storage.Store, spec RouteSpec, now time.Time) (*types.Route, bool, error) {
	if spec.Name == "" {
		return nil, false, fmt.Errorf("name is required")
	}
	if spec.UpstreamBaseURL == "" {
		return nil, false, fmt.Errorf("upstream_base_url is required")
	}

	tenantID := ""
	if spec.Tenant != "" {
		t := findTenant(db, "", spec.Tenant)
		if t == nil {
			if t2, err := db.GetTenant(spec.Tenant); err == nil {
				t = t2
			}
		}
		if t == nil {
			return nil, false, fmt.Errorf("unknown tenant %q", spec.Tenant)
		}
		tenantID = t.ID
	}

	policyID := ""
	if spec.Policy != "" {
		p := findPolicy(db, "", spec.Policy)
		if p == nil {
			if p2, err := db.GetCachePolicy(spec.Policy); err == nil {
				p = p2
			}
		}
		if p == nil {
			return nil, false, fmt.Errorf("unknown policy %q", spec.Policy)
		}
		policyID = p.ID
	}

	r, created := &types.Route{ID: spec.ID, CreatedAt: now}, true
	if existing := findRoute(db, spec.ID, spec.Name); existing != nil {
		r, created = existing, false
	} else if r.ID == "" {
		r.ID = uuid.NewString()
	}

	r.Name = spec.Name
	r.Description = spec.Description
	r.TenantID = tenantID
	r.PathPattern = spec.PathPattern
	r.Methods = spec.Methods
	r.UpstreamBaseURL = spec.UpstreamBaseURL
	r.TimeoutMS = spec.TimeoutMS
	r.PolicyID = policyID
	r.RateLimitRPS = spec.RateLimitRPS
	r.RateLimitBurst = spec.RateLimitBurst
	r.Priority = spec.Priority
	r.IsActive = spec.Active == nil || *spec.Active
	r.UpdatedAt = now
	return r, created, db.UpdateRoute(r)
}

func findRoute(db storage.Store, id, name string) *types.Route {
	if id != "" {
		if r, err := db.GetRoute(id); err == nil {
			return r
		}
		return nil
	}
	if r, err := db.GetRouteByName(name); err == nil {
		return r
	}
	return nil
}

func upsertAPIKey(db storage.Store, spec APIKeySpec, now time.Time) (*types.APIKey, bool, error) {
	if spec.Name == "" {
		return nil, false, fmt.Errorf("name is required")
	}
	if spec.Tenant == "" {
		return nil, false, fmt.Errorf("tenant is required")
	}
	tenant := findTenant(db, "", spec.Tenant)
	if tenant == nil {
		if t, err := db.GetTenant(spec.Tenant); err == nil {
			tenant = t
		}
	}
	if tenant == nil {
		return nil, false, fmt.Errorf("unknown tenant %q", spec.Tenant)
	}

	k, created := &types.APIKey{ID: spec.ID, CreatedAt: now}, true
	if existing := findAPIKey(db, spec.ID, tenant.ID, spec.Name); existing != nil {
		k, created = existing, false
	} else if k.ID == "" {
		k.ID = uuid.NewString()
	}

	// A new key needs a secret; on update an omitted secret keeps the
	// stored hash so manifests can be re-applied without the plaintext.
	if spec.Secret != "" {
		k.HashedSecret = types.HashSecret(spec.Secret)
		k.Prefix = keyPrefix(spec.Secret)
	} else if created {
		return nil, false, fmt.Errorf("secret is required for a new key")
	}

	k.TenantID = tenant.ID
	k.Name = spec.Name
	k.Status = types.APIKeyStatusActive
	if spec.Status != "" {
		k.Status = types.APIKeyStatus(spec.Status)
	}
	k.RateLimitRPS = spec.RateLimitRPS
	k.RateLimitBurst = spec.RateLimitBurst
	k.Algorithm = types.RateLimitAlgorithm(spec.Algorithm)
	k.QuotaDaily = spec.QuotaDaily
	k.QuotaMonthly = spec.QuotaMonthly
	k.ExpiresAt = spec.ExpiresAt
	k.UpdatedAt = now
	return k, created, db.UpdateAPIKey(k)
}

func findAPIKey(db storage.Store, id, tenantID, name string) *types.APIKey {
	if id != "" {
		if k, err := db.GetAPIKey(id); err == nil {
			return k
		}
		return nil
	}
	if k, err := db.GetAPIKeyByName(tenantID, name); err == nil {
		return k
	}
	return nil
}

func keyPrefix(secret string) string {
	if len(secret) <= 12 {
		return secret
	}
	return secret[:12]
}

// notifyInstances publishes one change message per written record so
// gateways sharing the Redis backend refresh immediately. Without it
// they converge on their periodic refresh instead.
func notifyInstances(cfg *config.Config, changes []configcache.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := kv.Open(ctx, kv.Options{
		URL:           cfg.RedisURL,
		OpTimeout:     time.Duration(cfg.KVOpTimeoutMS) * time.Millisecond,
		ForceFallback: cfg.DemoMode(),
	})
	if err != nil || store.Name() != kv.NameRedis {
		fmt.Println("  (no shared backend reachable; instances pick this up on their next refresh)")
		if store != nil {
			_ = store.Close()
		}
		return
	}
	defer store.Close()

	for _, change := range changes {
		if err := configcache.PublishChange(ctx, store, change); err != nil {
			fmt.Printf("  (change notification failed: %v)\n", err)
			return
		}
	}
	fmt.Printf("✓ Notified running instances (%d changes)\n", len(changes))
}
