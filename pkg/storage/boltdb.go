package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/heliox/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTenants       = []byte("tenants")
	bucketAPIKeys       = []byte("api_keys")
	bucketRoutes        = []byte("routes")
	bucketCachePolicies = []byte("cache_policies")
	bucketBlockRecords  = []byte("block_records")
	bucketRequestLogs   = []byte("request_logs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store. The file lock is
// exclusive, so a second process (a running server vs. the CLI) gets
// a timeout error instead of blocking forever.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "heliox.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTenants,
			bucketAPIKeys,
			bucketRoutes,
			bucketCachePolicies,
			bucketBlockRecords,
			bucketRequestLogs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// timeKey builds a lexically sortable bucket key so cursor scans walk
// records in chronological order.
func timeKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d#%s", at.UnixNano(), id))
}

// Tenant operations
func (s *BoltStore) CreateTenant(tenant *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		return b.Put([]byte(tenant.ID), data)
	})
}

func (s *BoltStore) GetTenant(id string) (*types.Tenant, error) {
	var tenant types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("tenant not found: %s", id)
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *BoltStore) GetTenantByName(name string) (*types.Tenant, error) {
	var found *types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		return b.ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			if tenant.Name == name {
				found = &tenant
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("tenant not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		return b.ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			tenants = append(tenants, &tenant)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) UpdateTenant(tenant *types.Tenant) error {
	return s.CreateTenant(tenant) // Same as create (upsert)
}

func (s *BoltStore) DeleteTenant(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		return b.Delete([]byte(id))
	})
}

// API key operations
func (s *BoltStore) CreateAPIKey(key *types.APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		return b.Put([]byte(key.ID), data)
	})
}

func (s *BoltStore) GetAPIKey(id string) (*types.APIKey, error) {
	var key types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("api key not found: %s", id)
		}
		return json.Unmarshal(data, &key)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) GetAPIKeyByHash(hashedSecret string) (*types.APIKey, error) {
	var found *types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		return b.ForEach(func(k, v []byte) error {
			var key types.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if key.HashedSecret == hashedSecret {
				found = &key
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("api key not found")
	}
	return found, nil
}

func (s *BoltStore) GetAPIKeyByName(tenantID, name string) (*types.APIKey, error) {
	var found *types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		return b.ForEach(func(k, v []byte) error {
			var key types.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if key.TenantID == tenantID && key.Name == name {
				found = &key
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("api key not found: %s/%s", tenantID, name)
	}
	return found, nil
}

func (s *BoltStore) ListAPIKeys() ([]*types.APIKey, error) {
	var keys []*types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		return b.ForEach(func(k, v []byte) error {
			var key types.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			keys = append(keys, &key)
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) ListAPIKeysByTenant(tenantID string) ([]*types.APIKey, error) {
	keys, err := s.ListAPIKeys()
	if err != nil {
		return nil, err
	}

	var filtered []*types.APIKey
	for _, key := range keys {
		if key.TenantID == tenantID {
			filtered = append(filtered, key)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateAPIKey(key *types.APIKey) error {
	return s.CreateAPIKey(key)
}

func (s *BoltStore) DeleteAPIKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		return b.Delete([]byte(id))
	})
}

// Route operations
func (s *BoltStore) CreateRoute(route *types.Route) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		data, err := json.Marshal(route)
		if err != nil {
			return err
		}
		return b.Put([]byte(route.ID), data)
	})
}

func (s *BoltStore) GetRoute(id string) (*types.Route, error) {
	var route types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("route not found: %s", id)
		}
		return json.Unmarshal(data, &route)
	})
	if err != nil {
		return nil, err
	}
	return &route, nil
}

func (s *BoltStore) GetRouteByName(name string) (*types.Route, error) {
	var found *types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.ForEach(func(k, v []byte) error {
			var route types.Route
			if err := json.Unmarshal(v, &route); err != nil {
				return err
			}
			if route.Name == name {
				found = &route
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("route not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListRoutes() ([]*types.Route, error) {
	var routes []*types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.ForEach(func(k, v []byte) error {
			var route types.Route
			if err := json.Unmarshal(v, &route); err != nil {
				return err
			}
			routes = append(routes, &route)
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) UpdateRoute(route *types.Route) error {
	return s.CreateRoute(route)
}

func (s *BoltStore) DeleteRoute(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.Delete([]byte(id))
	})
}

// Cache policy operations
func (s *BoltStore) CreateCachePolicy(policy *types.CachePolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCachePolicies)
		data, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		return b.Put([]byte(policy.ID), data)
	})
}

func (s *BoltStore) GetCachePolicy(id string) (*types.CachePolicy, error) {
	var policy types.CachePolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCachePolicies)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("cache policy not found: %s", id)
		}
		return json.Unmarshal(data, &policy)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) GetCachePolicyByName(name string) (*types.CachePolicy, error) {
	var found *types.CachePolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCachePolicies)
		return b.ForEach(func(k, v []byte) error {
			var policy types.CachePolicy
			if err := json.Unmarshal(v, &policy); err != nil {
				return err
			}
			if policy.Name == name {
				found = &policy
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("cache policy not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListCachePolicies() ([]*types.CachePolicy, error) {
	var policies []*types.CachePolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCachePolicies)
		return b.ForEach(func(k, v []byte) error {
			var policy types.CachePolicy
			if err := json.Unmarshal(v, &policy); err != nil {
				return err
			}
			policies = append(policies, &policy)
			return nil
		})
	})
	return policies, err
}

func (s *BoltStore) UpdateCachePolicy(policy *types.CachePolicy) error {
	return s.CreateCachePolicy(policy)
}

func (s *BoltStore) DeleteCachePolicy(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCachePolicies)
		return b.Delete([]byte(id))
	})
}

// --- Block Records ---

// CreateBlockRecord appends a block audit record. Records are keyed by
// block time so cursor scans walk them in chronological order.
func (s *BoltStore) CreateBlockRecord(rec *types.BlockedKeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlockRecords)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(timeKey(rec.BlockedAt, rec.ID), data)
	})
}

// UpdateBlockRecord rewrites an existing record in place. BlockedAt and
// ID form the bucket key, so callers must not change them; updates flip
// IsActive on manual unblock.
func (s *BoltStore) UpdateBlockRecord(rec *types.BlockedKeyRecord) error {
	return s.CreateBlockRecord(rec)
}

// ListBlockRecords returns up to limit records, newest first. A limit
// of zero or less returns everything.
func (s *BoltStore) ListBlockRecords(limit int) ([]*types.BlockedKeyRecord, error) {
	var recs []*types.BlockedKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlockRecords)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec types.BlockedKeyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			if limit > 0 && len(recs) >= limit {
				return nil
			}
		}
		return nil
	})
	return recs, err
}

// ListBlockRecordsByKey returns all records for one API key, newest first.
func (s *BoltStore) ListBlockRecordsByKey(apiKeyID string) ([]*types.BlockedKeyRecord, error) {
	var recs []*types.BlockedKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlockRecords)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec types.BlockedKeyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.APIKeyID == apiKeyID {
				recs = append(recs, &rec)
			}
		}
		return nil
	})
	return recs, err
}

// --- Request Logs ---

// AppendRequestLogs writes a batch of request logs in one transaction.
// The log writer drains its queue in batches, so a single Update keeps
// write amplification down.
func (s *BoltStore) AppendRequestLogs(logs []*types.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequestLogs)
		for _, l := range logs {
			data, err := json.Marshal(l)
			if err != nil {
				return err
			}
			if err := b.Put(timeKey(l.At, l.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRecentRequestLogs returns up to limit logs, newest first.
func (s *BoltStore) ListRecentRequestLogs(limit int) ([]*types.RequestLog, error) {
	var logs []*types.RequestLog
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequestLogs)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var l types.RequestLog
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			logs = append(logs, &l)
			if limit > 0 && len(logs) >= limit {
				return nil
			}
		}
		return nil
	})
	return logs, err
}

// ListRequestLogsByKey returns up to limit logs for one API key, newest first.
func (s *BoltStore) ListRequestLogsByKey(apiKeyID string, limit int) ([]*types.RequestLog, error) {
	var logs []*types.RequestLog
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequestLogs)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var l types.RequestLog
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if l.APIKeyID != apiKeyID {
				continue
			}
			logs = append(logs, &l)
			if limit > 0 && len(logs) >= limit {
				return nil
			}
		}
		return nil
	})
	return logs, err
}

// PruneRequestLogs deletes logs older than the cutoff and reports how
// many were removed. Time-ordered keys let the scan stop at the first
// key at or past the cutoff.
func (s *BoltStore) PruneRequestLogs(olderThan time.Time) (int, error) {
	cutoff := fmt.Sprintf("%020d", olderThan.UnixNano())
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequestLogs)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= cutoff {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
