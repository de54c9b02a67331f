package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/heliox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTenantCRUD(t *testing.T) {
	store := newTestStore(t)

	tenant := &types.Tenant{
		ID:        "tenant-1",
		Name:      "acme",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateTenant(tenant))

	got, err := store.GetTenant("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
	assert.True(t, got.IsActive)

	got, err = store.GetTenantByName("acme")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", got.ID)

	// Update is an upsert
	tenant.IsActive = false
	require.NoError(t, store.UpdateTenant(tenant))
	got, err = store.GetTenant("tenant-1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	tenants, err := store.ListTenants()
	require.NoError(t, err)
	assert.Len(t, tenants, 1)

	require.NoError(t, store.DeleteTenant("tenant-1"))
	_, err = store.GetTenant("tenant-1")
	assert.Error(t, err)
}

func TestGetTenantNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTenant("missing")
	assert.ErrorContains(t, err, "tenant not found")

	_, err = store.GetTenantByName("missing")
	assert.ErrorContains(t, err, "tenant not found")
}

func TestAPIKeyLookups(t *testing.T) {
	store := newTestStore(t)

	keys := []*types.APIKey{
		{
			ID:           "key-1",
			TenantID:     "tenant-1",
			Name:         "prod",
			HashedSecret: "aaaa",
			Status:       types.APIKeyStatusActive,
		},
		{
			ID:           "key-2",
			TenantID:     "tenant-1",
			Name:         "staging",
			HashedSecret: "bbbb",
			Status:       types.APIKeyStatusDisabled,
		},
		{
			ID:           "key-3",
			TenantID:     "tenant-2",
			Name:         "prod",
			HashedSecret: "cccc",
			Status:       types.APIKeyStatusActive,
		},
	}
	for _, k := range keys {
		require.NoError(t, store.CreateAPIKey(k))
	}

	got, err := store.GetAPIKeyByHash("bbbb")
	require.NoError(t, err)
	assert.Equal(t, "key-2", got.ID)

	_, err = store.GetAPIKeyByHash("zzzz")
	assert.Error(t, err)

	// Same key name under different tenants resolves per tenant
	got, err = store.GetAPIKeyByName("tenant-2", "prod")
	require.NoError(t, err)
	assert.Equal(t, "key-3", got.ID)

	byTenant, err := store.ListAPIKeysByTenant("tenant-1")
	require.NoError(t, err)
	assert.Len(t, byTenant, 2)

	all, err := store.ListAPIKeys()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRouteAndPolicyCRUD(t *testing.T) {
	store := newTestStore(t)

	policy := &types.CachePolicy{
		ID:         "policy-1",
		Name:       "default",
		TTLSeconds: 60,
	}
	require.NoError(t, store.CreateCachePolicy(policy))

	route := &types.Route{
		ID:              "route-1",
		Name:            "items",
		PathPattern:     "/items/*",
		UpstreamBaseURL: "http://upstream:9000",
		PolicyID:        "policy-1",
		IsActive:        true,
	}
	require.NoError(t, store.CreateRoute(route))

	gotRoute, err := store.GetRouteByName("items")
	require.NoError(t, err)
	assert.Equal(t, "route-1", gotRoute.ID)

	gotPolicy, err := store.GetCachePolicy(gotRoute.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, 60, gotPolicy.TTLSeconds)

	gotPolicy, err = store.GetCachePolicyByName("default")
	require.NoError(t, err)
	assert.Equal(t, "policy-1", gotPolicy.ID)

	require.NoError(t, store.DeleteRoute("route-1"))
	routes, err := store.ListRoutes()
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestBlockRecordsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &types.BlockedKeyRecord{
			ID:        fmt.Sprintf("block-%d", i),
			APIKeyID:  "key-1",
			Reason:    types.BlockReasonRateSpike,
			BlockedAt: base.Add(time.Duration(i) * time.Minute),
			IsActive:  true,
		}
		require.NoError(t, store.CreateBlockRecord(rec))
	}

	recs, err := store.ListBlockRecords(3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "block-4", recs[0].ID)
	assert.Equal(t, "block-2", recs[2].ID)

	// Zero limit returns everything
	recs, err = store.ListBlockRecords(0)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestBlockRecordsByKey(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.CreateBlockRecord(&types.BlockedKeyRecord{
		ID: "block-a", APIKeyID: "key-1", BlockedAt: now,
	}))
	require.NoError(t, store.CreateBlockRecord(&types.BlockedKeyRecord{
		ID: "block-b", APIKeyID: "key-2", BlockedAt: now.Add(time.Second),
	}))

	recs, err := store.ListBlockRecordsByKey("key-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "block-a", recs[0].ID)
}

func TestUpdateBlockRecordFlipsActive(t *testing.T) {
	store := newTestStore(t)

	rec := &types.BlockedKeyRecord{
		ID:        "block-a",
		APIKeyID:  "key-1",
		BlockedAt: time.Now().UTC(),
		IsActive:  true,
	}
	require.NoError(t, store.CreateBlockRecord(rec))

	rec.IsActive = false
	require.NoError(t, store.UpdateBlockRecord(rec))

	recs, err := store.ListBlockRecordsByKey("key-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].IsActive)
}

func TestRequestLogAppendAndList(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var batch []*types.RequestLog
	for i := 0; i < 10; i++ {
		batch = append(batch, &types.RequestLog{
			ID:       fmt.Sprintf("log-%d", i),
			At:       base.Add(time.Duration(i) * time.Second),
			APIKeyID: "key-1",
			Method:   "GET",
			Path:     "/items/1",
			Status:   200,
		})
	}
	require.NoError(t, store.AppendRequestLogs(batch))

	logs, err := store.ListRecentRequestLogs(3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "log-9", logs[0].ID)
	assert.Equal(t, "log-7", logs[2].ID)

	// Empty batch is a no-op
	require.NoError(t, store.AppendRequestLogs(nil))
}

func TestRequestLogsByKey(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.AppendRequestLogs([]*types.RequestLog{
		{ID: "log-a", At: now, APIKeyID: "key-1", Status: 200},
		{ID: "log-b", At: now.Add(time.Second), APIKeyID: "key-2", Status: 200},
		{ID: "log-c", At: now.Add(2 * time.Second), APIKeyID: "key-1", Status: 502},
	}))

	logs, err := store.ListRequestLogsByKey("key-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "log-c", logs[0].ID)
	assert.Equal(t, "log-a", logs[1].ID)
}

func TestPruneRequestLogs(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var batch []*types.RequestLog
	for i := 0; i < 6; i++ {
		batch = append(batch, &types.RequestLog{
			ID: fmt.Sprintf("log-%d", i),
			At: base.Add(time.Duration(i) * time.Hour),
		})
	}
	require.NoError(t, store.AppendRequestLogs(batch))

	deleted, err := store.PruneRequestLogs(base.Add(3 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	logs, err := store.ListRecentRequestLogs(0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	assert.Equal(t, "log-3", logs[2].ID)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.CreateTenant(&types.Tenant{ID: "tenant-1", Name: "acme"}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetTenant("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
}
