/*
Package storage provides BoltDB-backed persistence for Heliox's gateway
configuration and analytics data.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for control-plane state
including tenants, API keys, routes, cache policies, block records, and
request logs. All data is serialized as JSON and stored in separate
buckets for efficient querying and isolation.

# Architecture

Heliox uses BoltDB (bbolt) for embedded, transactional storage with zero
external dependencies:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            BoltStore                       │           │
	│  │  - File: <dataDir>/heliox.db               │           │
	│  │  - Format: B+tree with MVCC                │           │
	│  │  - Transactions: ACID with fsync           │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Bucket Structure              │           │
	│  │  ┌──────────────────────────────┐          │           │
	│  │  │ tenants        (Tenant ID)   │          │           │
	│  │  │ api_keys       (APIKey ID)   │          │           │
	│  │  │ routes         (Route ID)    │          │           │
	│  │  │ cache_policies (Policy ID)   │          │           │
	│  │  │ block_records  (time#ID)     │          │           │
	│  │  │ request_logs   (time#ID)     │          │           │
	│  │  └──────────────────────────────┘          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │        Transaction Management              │           │
	│  │  - Read: db.View() - Concurrent reads      │           │
	│  │  - Write: db.Update() - Serialized writes  │           │
	│  │  - Rollback: Automatic on error            │           │
	│  │  - Commit: Automatic on success + fsync    │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

BoltStore:
  - Implements Store interface using BoltDB
  - Single database file per gateway instance
  - Automatic bucket creation on initialization
  - Thread-safe via BoltDB's transaction model

Buckets:
  - tenants: Customer organizations
  - api_keys: Credentials with per-key limits and quotas
  - routes: Path patterns, upstreams, and cache policy links
  - cache_policies: TTL, SWR, and vary configuration
  - block_records: Append-only abuse block audit trail
  - request_logs: Append-only per-request analytics records

Key Schemes:
  - Configuration entities: record ID as key, upsert on write
  - Append-only buckets: "%020d#<id>" where the number is the record
    time in unix nanoseconds, so cursor order is chronological and
    ListRecent* can walk backwards from the newest key

Transaction Model:
  - Read transactions: db.View() - Concurrent, consistent snapshots
  - Write transactions: db.Update() - Serialized, atomic commits
  - Isolation: Snapshot isolation (MVCC)
  - Durability: fsync on commit ensures crash recovery

# Usage

Creating a Store:

	store, err := storage.NewBoltStore("/var/lib/heliox")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

Configuration Entities:

	// Create tenant
	tenant := &types.Tenant{
		ID:       "tenant-abc123",
		Name:     "acme",
		IsActive: true,
	}
	err := store.CreateTenant(tenant)

	// Get by ID or name
	tenant, err := store.GetTenant("tenant-abc123")
	tenant, err = store.GetTenantByName("acme")

	// Update (upsert)
	tenant.IsActive = false
	err = store.UpdateTenant(tenant)

	// API key lookup by credential hash
	key, err := store.GetAPIKeyByHash(hexDigest)

Block Records:

	rec := &types.BlockedKeyRecord{
		ID:           "block-def456",
		APIKeyID:     "key-abc123",
		Reason:       types.BlockReasonRateSpike,
		AnomalyScore: 4.2,
		BlockedAt:    time.Now().UTC(),
		BlockedUntil: time.Now().UTC().Add(5 * time.Minute),
		IsActive:     true,
	}
	err := store.CreateBlockRecord(rec)

	// Latest blocks across all keys
	recs, err := store.ListBlockRecords(50)

Request Logs:

	// Batched append from the async log writer
	err := store.AppendRequestLogs(batch)

	// Analytics window, newest first
	logs, err := store.ListRecentRequestLogs(1000)

	// Retention
	n, err := store.PruneRequestLogs(time.Now().AddDate(0, 0, -30))

# Design Patterns

Upsert Pattern:
  - Create and Update use same method (db.Put)
  - No separate "exists" check needed
  - Simplifies API and caller code

Idempotent Deletes:
  - Delete returns no error if key doesn't exist
  - Safe to call multiple times

Cursor Iteration:
  - ForEach pattern for full bucket scans
  - Reverse cursor (Last/Prev) for newest-first listings
  - Consistent snapshot during iteration

Filter Pattern:
  - List all, filter in memory (ListAPIKeysByTenant)
  - Simple implementation for small datasets
  - Config entities number in the hundreds, not millions

Batched Appends:
  - AppendRequestLogs writes a whole batch in one transaction
  - One fsync per batch instead of one per request

# Performance Characteristics

Read Operations:
  - Get by key: O(log n) via B+tree, typically < 1ms
  - List all: O(n) full scan, ~1ms per 1000 entries
  - Hot-path lookups never hit this package directly: the config
    snapshot in pkg/configcache serves them from memory

Write Operations:
  - Insert/Update: O(log n) for key, ~1-5ms with fsync
  - Request log batches: single transaction, amortized cost
  - Serialized: Only one writer at a time (BoltDB limitation)

# See Also

  - pkg/types for all entity definitions
  - pkg/configcache for the in-memory snapshot built from this store
  - pkg/gateway for the request log writer that batches appends
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
