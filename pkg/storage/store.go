package storage

import (
	"time"

	"github.com/cuemby/heliox/pkg/types"
)

// Store defines the interface for gateway configuration and analytics
// storage. Implemented by BoltDB-backed storage.
type Store interface {
	// Tenants
	CreateTenant(tenant *types.Tenant) error
	GetTenant(id string) (*types.Tenant, error)
	GetTenantByName(name string) (*types.Tenant, error)
	ListTenants() ([]*types.Tenant, error)
	UpdateTenant(tenant *types.Tenant) error
	DeleteTenant(id string) error

	// API keys
	CreateAPIKey(key *types.APIKey) error
	GetAPIKey(id string) (*types.APIKey, error)
	GetAPIKeyByHash(hashedSecret string) (*types.APIKey, error)
	GetAPIKeyByName(tenantID, name string) (*types.APIKey, error)
	ListAPIKeys() ([]*types.APIKey, error)
	ListAPIKeysByTenant(tenantID string) ([]*types.APIKey, error)
	UpdateAPIKey(key *types.APIKey) error
	DeleteAPIKey(id string) error

	// Routes
	CreateRoute(route *types.Route) error
	GetRoute(id string) (*types.Route, error)
	GetRouteByName(name string) (*types.Route, error)
	ListRoutes() ([]*types.Route, error)
	UpdateRoute(route *types.Route) error
	DeleteRoute(id string) error

	// Cache policies
	CreateCachePolicy(policy *types.CachePolicy) error
	GetCachePolicy(id string) (*types.CachePolicy, error)
	GetCachePolicyByName(name string) (*types.CachePolicy, error)
	ListCachePolicies() ([]*types.CachePolicy, error)
	UpdateCachePolicy(policy *types.CachePolicy) error
	DeleteCachePolicy(id string) error

	// Block records (append-only audit trail, newest first on list)
	CreateBlockRecord(rec *types.BlockedKeyRecord) error
	UpdateBlockRecord(rec *types.BlockedKeyRecord) error
	ListBlockRecords(limit int) ([]*types.BlockedKeyRecord, error)
	ListBlockRecordsByKey(apiKeyID string) ([]*types.BlockedKeyRecord, error)

	// Request logs (append-only, newest first on list)
	AppendRequestLogs(logs []*types.RequestLog) error
	ListRecentRequestLogs(limit int) ([]*types.RequestLog, error)
	ListRequestLogsByKey(apiKeyID string, limit int) ([]*types.RequestLog, error)
	PruneRequestLogs(olderThan time.Time) (int, error)

	// Utility
	Close() error
}
