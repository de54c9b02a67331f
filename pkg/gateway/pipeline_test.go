package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/heliox/pkg/abuse"
	"github.com/cuemby/heliox/pkg/bloom"
	"github.com/cuemby/heliox/pkg/cache"
	"github.com/cuemby/heliox/pkg/cachekey"
	"github.com/cuemby/heliox/pkg/configcache"
	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/quota"
	"github.com/cuemby/heliox/pkg/ratelimit"
	"github.com/cuemby/heliox/pkg/storage"
	"github.com/cuemby/heliox/pkg/types"
	"github.com/cuemby/heliox/pkg/upstream"
)

const (
	testSecret     = "hx_live_valid_secret"
	testLimitedKey = "hx_live_limited_secret"
)

type testGateway struct {
	gw     *Gateway
	db     *storage.BoltStore
	store  *kv.Memory
	cache  *cache.Cache
	reval  *cache.Revalidator
	logs   *LogWriter
	view   *configcache.Cache
	abuse  *abuse.Detector
	origin *httptest.Server
	hits   atomic.Int64
}

// newTestGateway assembles a full pipeline over in-process stores and
// an httptest origin. Every call to the origin bumps hits.
func newTestGateway(t *testing.T, origin http.HandlerFunc, mutate func(*Options)) *testGateway {
	t.Helper()

	h := &testGateway{}
	h.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		origin(w, r)
	}))
	t.Cleanup(h.origin.Close)

	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	h.db = db

	h.store = kv.NewMemory()
	t.Cleanup(func() { _ = h.store.Close() })

	h.cache = cache.New(h.store, cache.Options{})
	h.reval = cache.NewRevalidator(h.cache, 2, nil)
	h.abuse = abuse.New(h.store, db, abuse.Config{WarmupSamples: 10000})

	h.seed(t)

	h.view = configcache.New(db, h.store, configcache.Options{})
	require.NoError(t, h.view.Refresh(context.Background()))

	h.logs = NewLogWriter(db, 256)
	h.logs.Start()
	t.Cleanup(h.logs.Stop)

	opts := Options{
		View:         h.view,
		DB:           db,
		Cache:        h.cache,
		Reval:        h.reval,
		Limiter:      ratelimit.New(h.store),
		Quota:        quota.New(h.store),
		Abuse:        h.abuse,
		Bloom:        bloom.New(h.store, "bloom:negative", 1000, 0.01),
		Upstream:     upstream.New(upstream.Options{DefaultTimeout: 2 * time.Second}),
		Logs:         h.logs,
		DefaultRPS:   500,
		DefaultBurst: 1000,
		Origin:       "gw-test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.gw = New(opts)
	return h
}

func (h *testGateway) seed(t *testing.T) {
	t.Helper()
	require.NoError(t, h.db.CreateTenant(&types.Tenant{ID: "tenant-1", Name: "acme", IsActive: true}))
	require.NoError(t, h.db.CreateTenant(&types.Tenant{ID: "tenant-2", Name: "dormant", IsActive: false}))

	require.NoError(t, h.db.CreateAPIKey(&types.APIKey{
		ID: "key-1", TenantID: "tenant-1", Name: "primary",
		HashedSecret: types.HashSecret(testSecret), Status: types.APIKeyStatusActive,
	}))
	require.NoError(t, h.db.CreateAPIKey(&types.APIKey{
		ID: "key-2", TenantID: "tenant-1", Name: "limited",
		HashedSecret: types.HashSecret(testLimitedKey), Status: types.APIKeyStatusActive,
		RateLimitRPS: 5, RateLimitBurst: 5,
	}))
	require.NoError(t, h.db.CreateAPIKey(&types.APIKey{
		ID: "key-3", TenantID: "tenant-1", Name: "disabled",
		HashedSecret: types.HashSecret("hx_live_disabled"), Status: types.APIKeyStatusDisabled,
	}))
	require.NoError(t, h.db.CreateAPIKey(&types.APIKey{
		ID: "key-4", TenantID: "tenant-2", Name: "orphan",
		HashedSecret: types.HashSecret("hx_live_orphan"), Status: types.APIKeyStatusActive,
	}))

	require.NoError(t, h.db.CreateCachePolicy(&types.CachePolicy{
		ID: "pol-1", Name: "standard",
		TTLSeconds: 60, StaleSeconds: 60, MaxBodyBytes: 1 << 20,
	}))

	require.NoError(t, h.db.CreateRoute(&types.Route{
		ID: "route-items", Name: "items", PathPattern: "/*",
		UpstreamBaseURL: h.origin.URL, TimeoutMS: 2000, PolicyID: "pol-1", IsActive: true,
	}))
	require.NoError(t, h.db.CreateRoute(&types.Route{
		ID: "route-raw", Name: "raw", PathPattern: "/*",
		UpstreamBaseURL: h.origin.URL, TimeoutMS: 2000, IsActive: true,
	}))
}

// do runs one request through the pipeline from a fixed client address.
func (h *testGateway) do(method, target, secret string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "203.0.113.9:51000"
	if secret != "" {
		req.Header.Set("X-API-Key", secret)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.gw.ServeHTTP(rr, req)
	return rr
}

// cacheKey mirrors the key the pipeline derives for a request on the
// items route with no query and no vary headers.
func (h *testGateway) cacheKey(method, rest string) string {
	return cachekey.Key(cachekey.Request{
		Method:    method,
		TenantID:  "tenant-1",
		RouteName: "items",
		Path:      rest,
		Query:     url.Values{},
		Header:    http.Header{},
	})
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func okOrigin(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(`"ok"`))
}

func TestAuthRejections(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	tests := []struct {
		name   string
		secret string
		kind   string
	}{
		{"missing key", "", "missing_api_key"},
		{"unknown key", "hx_live_unknown", "invalid_api_key"},
		{"disabled key", "hx_live_disabled", "invalid_api_key"},
		{"inactive tenant", "hx_live_orphan", "invalid_api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(http.MethodGet, "/g/items/widgets", tt.secret, nil)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)

			body := decodeError(t, rr)
			assert.Equal(t, tt.kind, body.Error)
			assert.NotEmpty(t, body.RequestID)
			assert.NotEmpty(t, body.Detail)
			assert.Equal(t, body.RequestID, rr.Header().Get("X-Request-Id"))
			assert.Empty(t, rr.Header().Get("X-Cache"))
		})
	}
	assert.Zero(t, h.hits.Load(), "rejections must not reach the origin")
}

func TestExpiredKeyRejected(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	require.NoError(t, h.db.CreateAPIKey(&types.APIKey{
		ID: "key-expired", TenantID: "tenant-1", Name: "expired",
		HashedSecret: types.HashSecret("hx_live_expired"), Status: types.APIKeyStatusActive,
		ExpiresAt:    time.Now().Add(-time.Hour),
	}))
	require.NoError(t, h.view.Refresh(context.Background()))

	rr := h.do(http.MethodGet, "/g/items/widgets", "hx_live_expired", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_api_key", decodeError(t, rr).Error)
}

func TestRouteNotFound(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	require.NoError(t, h.db.CreateRoute(&types.Route{
		ID: "route-scoped", Name: "scoped", PathPattern: "/api/*",
		UpstreamBaseURL: h.origin.URL, TimeoutMS: 2000, IsActive: true,
	}))
	require.NoError(t, h.view.Refresh(context.Background()))

	for name, target := range map[string]string{
		"unknown name":     "/g/ghost/items",
		"pattern mismatch": "/g/scoped/other/path",
		"no name":          "/g/",
	} {
		t.Run(name, func(t *testing.T) {
			rr := h.do(http.MethodGet, target, testSecret, nil)
			assert.Equal(t, http.StatusNotFound, rr.Code)
			assert.Equal(t, "no_route", decodeError(t, rr).Error)
		})
	}
	assert.Zero(t, h.hits.Load())
}

func TestHitAfterMiss(t *testing.T) {
	h := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}, nil)

	first := h.do(http.MethodGet, "/g/items/widgets", testSecret, nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, "items", first.Header().Get("X-Route"))
	assert.Equal(t, `[{"id":1}]`, first.Body.String())
	assert.EqualValues(t, 1, h.hits.Load())

	second := h.do(http.MethodGet, "/g/items/widgets", testSecret, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.EqualValues(t, 1, h.hits.Load(), "a fresh entry must not touch the origin")

	age, err := strconv.Atoi(second.Header().Get("Age"))
	require.NoError(t, err)
	assert.Less(t, age, 5)
}

func TestStaleServesOldWhileRevalidating(t *testing.T) {
	h := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`"new"`))
	}, nil)

	key := h.cacheKey(http.MethodGet, "/widgets")
	now := time.Now()
	stale := &types.CacheEntry{
		Status:     http.StatusOK,
		Headers:    []types.HeaderPair{{Name: "content-type", Value: "text/plain"}},
		Body:       []byte(`"old"`),
		StoredAt:   now.Add(-70 * time.Second).UnixMilli(),
		FreshUntil: now.Add(-10 * time.Second).UnixMilli(),
		StaleUntil: now.Add(50 * time.Second).UnixMilli(),
	}
	require.NoError(t, h.cache.Store(context.Background(), key, stale))

	rr := h.do(http.MethodGet, "/g/items/widgets", testSecret, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "STALE", rr.Header().Get("X-Cache"))
	assert.Equal(t, `"old"`, rr.Body.String())

	age, err := strconv.Atoi(rr.Header().Get("Age"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, age, 69)

	h.reval.Drain()
	assert.EqualValues(t, 1, h.hits.Load(), "revalidation fetches exactly once")

	rr = h.do(http.MethodGet, "/g/items/widgets", testSecret, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"))
	assert.Equal(t, `"new"`, rr.Body.String())
	assert.EqualValues(t, 1, h.hits.Load())
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	h := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`"shared"`))
	}, nil)

	const n = 10
	results := make([]*httptest.ResponseRecorder, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.do(http.MethodGet, "/g/items/hot", testSecret, nil)
		}(i)
	}
	wg.Wait()

	for _, rr := range results {
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, `"shared"`, rr.Body.String())
	}
	assert.EqualValues(t, 1, h.hits.Load(), "concurrent misses must share one origin call")
}

func TestRateLimitBurst(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	allowed := 0
	var denied *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rr := h.do(http.MethodGet, "/g/raw/ping", testLimitedKey, nil)
		if rr.Code == http.StatusOK {
			allowed++
		} else {
			denied = rr
		}
	}
	assert.Equal(t, 5, allowed)
	require.NotNil(t, denied)
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "rate_limited", decodeError(t, denied).Error)

	retry, err := strconv.Atoi(denied.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.Equal(t, "5", denied.Header().Get("X-RateLimit-Limit"))

	remaining, err := strconv.Atoi(denied.Header().Get("X-RateLimit-Remaining"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, remaining, 0)
	assert.NotEmpty(t, denied.Header().Get("X-RateLimit-Reset"))
}

func TestQuotaExceeded(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	require.NoError(t, h.db.CreateAPIKey(&types.APIKey{
		ID: "key-tiny", TenantID: "tenant-1", Name: "tiny",
		HashedSecret: types.HashSecret("hx_live_tiny"), Status: types.APIKeyStatusActive,
		QuotaDaily:   2,
	}))
	require.NoError(t, h.view.Refresh(context.Background()))

	for i := 0; i < 2; i++ {
		rr := h.do(http.MethodGet, "/g/raw/ping", "hx_live_tiny", nil)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := h.do(http.MethodGet, "/g/raw/ping", "hx_live_tiny", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	body := decodeError(t, rr)
	assert.Equal(t, "quota_exceeded", body.Error)
	assert.Contains(t, body.Detail, "daily")
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.EqualValues(t, 2, h.hits.Load())
}

func TestAbuseBlockRejects(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	_, err := h.abuse.BlockManually(context.Background(), "key-1", 5*time.Minute)
	require.NoError(t, err)

	rr := h.do(http.MethodGet, "/g/items/widgets", testSecret, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	body := decodeError(t, rr)
	assert.Equal(t, "abuse_blocked", body.Error)
	assert.Contains(t, body.Detail, "manual")

	retry, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retry, 290)
	assert.Zero(t, h.hits.Load())
}

func TestBloomNegativeServesSecond404(t *testing.T) {
	h := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}, nil)

	first := h.do(http.MethodGet, "/g/items/ghost", testSecret, nil)
	require.Equal(t, http.StatusNotFound, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.EqualValues(t, 1, h.hits.Load())

	second := h.do(http.MethodGet, "/g/items/ghost", testSecret, nil)
	require.Equal(t, http.StatusNotFound, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.EqualValues(t, 1, h.hits.Load(), "the negative entry must answer without the origin")
}

func TestBypassPaths(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	// No policy on the route: every request goes upstream.
	for i := 1; i <= 2; i++ {
		rr := h.do(http.MethodGet, "/g/raw/thing", testSecret, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "BYPASS", rr.Header().Get("X-Cache"))
		assert.EqualValues(t, i, h.hits.Load())
	}

	// Non-cacheable method on a cached route.
	rr := h.do(http.MethodPost, "/g/items/widgets", testSecret, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "BYPASS", rr.Header().Get("X-Cache"))
}

func TestUpstreamTimeout(t *testing.T) {
	h := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte(`"late"`))
	}, nil)

	require.NoError(t, h.db.CreateRoute(&types.Route{
		ID: "route-slow", Name: "slow", PathPattern: "/*",
		UpstreamBaseURL: h.origin.URL, TimeoutMS: 100, IsActive: true,
	}))
	require.NoError(t, h.view.Refresh(context.Background()))

	rr := h.do(http.MethodGet, "/g/slow/ping", testSecret, nil)
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Equal(t, "upstream_timeout", decodeError(t, rr).Error)
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestUpstreamConnectError(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	require.NoError(t, h.db.CreateRoute(&types.Route{
		ID: "route-dead", Name: "dead", PathPattern: "/*",
		UpstreamBaseURL: "http://127.0.0.1:1", TimeoutMS: 500, IsActive: true,
	}))
	require.NoError(t, h.view.Refresh(context.Background()))

	rr := h.do(http.MethodGet, "/g/dead/ping", testSecret, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "upstream_error", decodeError(t, rr).Error)
}

func TestVaryHeadersPartitionCache(t *testing.T) {
	h := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("Accept")))
	}, nil)

	require.NoError(t, h.db.CreateCachePolicy(&types.CachePolicy{
		ID: "pol-vary", Name: "vary-accept",
		TTLSeconds: 60, StaleSeconds: 60, MaxBodyBytes: 1 << 20,
		VaryHeaders: []string{"Accept"},
	}))
	require.NoError(t, h.db.CreateRoute(&types.Route{
		ID: "route-content", Name: "content", PathPattern: "/*",
		UpstreamBaseURL: h.origin.URL, TimeoutMS: 2000, PolicyID: "pol-vary", IsActive: true,
	}))
	require.NoError(t, h.view.Refresh(context.Background()))

	jsonHdr := map[string]string{"Accept": "application/json"}
	htmlHdr := map[string]string{"Accept": "text/html"}

	rr := h.do(http.MethodGet, "/g/content/doc", testSecret, jsonHdr)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.EqualValues(t, 1, h.hits.Load())

	rr = h.do(http.MethodGet, "/g/content/doc", testSecret, jsonHdr)
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"))
	assert.Equal(t, "application/json", rr.Body.String())
	assert.EqualValues(t, 1, h.hits.Load())

	rr = h.do(http.MethodGet, "/g/content/doc", testSecret, htmlHdr)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.Equal(t, "text/html", rr.Body.String())
	assert.EqualValues(t, 2, h.hits.Load())
}

func TestRequestLogRecorded(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	rr := h.do(http.MethodGet, "/g/items/widgets?page=2", testSecret, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	h.logs.Stop()

	logs, err := h.db.ListRecentRequestLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	rec := logs[0]
	assert.Equal(t, rr.Header().Get("X-Request-Id"), rec.RequestID)
	assert.Equal(t, "tenant-1", rec.TenantID)
	assert.Equal(t, "key-1", rec.APIKeyID)
	assert.Equal(t, "route-items", rec.RouteID)
	assert.Equal(t, http.MethodGet, rec.Method)
	assert.Equal(t, "/g/items/widgets", rec.Path)
	assert.Equal(t, "page=2", rec.QueryString)
	assert.Equal(t, "203.0.113.9", rec.ClientIP)
	assert.Equal(t, http.StatusOK, rec.Status)
	assert.Equal(t, types.CacheStatusMiss, rec.CacheStatus)
	assert.Equal(t, types.ErrorKindNone, rec.ErrorKind)
	assert.Equal(t, http.StatusOK, rec.UpstreamStatus)
}

func TestRejectionLoggedWithoutCacheStatus(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	rr := h.do(http.MethodGet, "/g/items/widgets", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	h.logs.Stop()

	logs, err := h.db.ListRecentRequestLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.CacheStatusNone, logs[0].CacheStatus)
	assert.Equal(t, types.ErrorKindMissingAPIKey, logs[0].ErrorKind)
	assert.True(t, logs[0].IsError())
}

func TestLastUsedTouched(t *testing.T) {
	h := newTestGateway(t, okOrigin, nil)

	before, err := h.db.GetAPIKey("key-1")
	require.NoError(t, err)
	require.True(t, before.LastUsedAt.IsZero())

	rr := h.do(http.MethodGet, "/g/raw/ping", testSecret, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	after, err := h.db.GetAPIKey("key-1")
	require.NoError(t, err)
	assert.False(t, after.LastUsedAt.IsZero())
}

func TestClientIPGuardShedsBeforeAuth(t *testing.T) {
	h := newTestGateway(t, okOrigin, func(o *Options) {
		o.ClientIPRPS = 1
		o.ClientIPBurst = 1
	})

	first := h.do(http.MethodGet, "/g/items/widgets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, first.Code, "guard admits the first request")

	second := h.do(http.MethodGet, "/g/items/widgets", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limited", decodeError(t, second).Error)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Zero(t, h.hits.Load())
}
