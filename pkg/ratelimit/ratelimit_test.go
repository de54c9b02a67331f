package ratelimit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		key       *types.APIKey
		route     *types.Route
		wantRPS   float64
		wantBurst int
		wantAlgo  types.RateLimitAlgorithm
	}{
		{
			name:      "defaults when nothing overrides",
			key:       &types.APIKey{},
			route:     &types.Route{},
			wantRPS:   100,
			wantBurst: 200,
			wantAlgo:  types.AlgorithmTokenBucket,
		},
		{
			name:      "route overrides defaults",
			key:       &types.APIKey{},
			route:     &types.Route{RateLimitRPS: 10, RateLimitBurst: 20},
			wantRPS:   10,
			wantBurst: 20,
			wantAlgo:  types.AlgorithmTokenBucket,
		},
		{
			name:      "key overrides route",
			key:       &types.APIKey{RateLimitRPS: 5, RateLimitBurst: 8, Algorithm: types.AlgorithmSlidingWindow},
			route:     &types.Route{RateLimitRPS: 10, RateLimitBurst: 20},
			wantRPS:   5,
			wantBurst: 8,
			wantAlgo:  types.AlgorithmSlidingWindow,
		},
		{
			name:      "partial key override keeps route burst",
			key:       &types.APIKey{RateLimitRPS: 5},
			route:     &types.Route{RateLimitBurst: 20},
			wantRPS:   5,
			wantBurst: 20,
			wantAlgo:  types.AlgorithmTokenBucket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lim := Resolve(tt.key, tt.route, 100, 200)
			assert.Equal(t, tt.wantRPS, lim.RPS)
			assert.Equal(t, tt.wantBurst, lim.Burst)
			assert.Equal(t, tt.wantAlgo, lim.Algorithm)
		})
	}
}

func TestTokenBucketBurstThenDeny(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t)

	lim := Limits{RPS: 1, Burst: 3, Algorithm: types.AlgorithmTokenBucket}

	for i := 0; i < 3; i++ {
		d := limiter.Allow(ctx, "key-1", "route-1", lim)
		assert.True(t, d.Allowed, "request %d within burst", i)
		assert.Equal(t, 3, d.Limit)
	}

	d := limiter.Allow(ctx, "key-1", "route-1", lim)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Second+100*time.Millisecond)
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	limiter, store := newTestLimiter(t)

	lim := Limits{RPS: 10, Burst: 3}

	// Drain the bucket
	for i := 0; i < 3; i++ {
		require.True(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)
	}
	require.False(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)

	// Age the stored record half a second: 10 rps refills 5 tokens,
	// capped at burst 3
	key := "ratelimit:tb:key-1:route-1"
	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	var rec bucketRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.LastRefillMS -= 500
	aged, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, key, aged, time.Minute))

	d := limiter.Allow(ctx, "key-1", "route-1", lim)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining, "refill caps at burst before deducting")
}

func TestTokenBucketIndependentPairs(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t)

	lim := Limits{RPS: 1, Burst: 1}

	require.True(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)
	require.False(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)

	// Other key and other route still have full buckets
	assert.True(t, limiter.Allow(ctx, "key-2", "route-1", lim).Allowed)
	assert.True(t, limiter.Allow(ctx, "key-1", "route-2", lim).Allowed)
}

func TestTokenBucketCorruptRecordRecovers(t *testing.T) {
	ctx := context.Background()
	limiter, store := newTestLimiter(t)

	require.NoError(t, store.Set(ctx, "ratelimit:tb:key-1:route-1", []byte("not json"), time.Minute))

	d := limiter.Allow(ctx, "key-1", "route-1", Limits{RPS: 1, Burst: 5})
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining, "restarts from a full bucket")
}

func TestUnlimitedWhenZero(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t)

	for i := 0; i < 100; i++ {
		d := limiter.Allow(ctx, "key-1", "route-1", Limits{RPS: 0, Burst: 0})
		require.True(t, d.Allowed)
	}
}

func TestSlidingWindowDenies(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t)

	// Window = burst/rps = 3s, limit = ceil(1*3) = 3
	lim := Limits{RPS: 1, Burst: 3, Algorithm: types.AlgorithmSlidingWindow}

	// Pin the clock mid-window so the test cannot straddle a boundary
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(200 * time.Millisecond)
	limiter.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		d := limiter.Allow(ctx, "key-1", "route-1", lim)
		assert.True(t, d.Allowed, "request %d within window limit", i)
	}

	d := limiter.Allow(ctx, "key-1", "route-1", lim)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 3*time.Second)
}

func TestSlidingWindowRollover(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t)

	lim := Limits{RPS: 1, Burst: 2, Algorithm: types.AlgorithmSlidingWindow}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	require.True(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)
	require.True(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)
	require.False(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)

	// Next window starts with a clean counter
	limiter.now = func() time.Time { return base.Add(2 * time.Second) }
	d := limiter.Allow(ctx, "key-1", "route-1", lim)
	assert.True(t, d.Allowed)
}

func TestFailOpenOnDeadBackend(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	store, err := kv.NewRedis("redis://"+mr.Addr(), 100*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mr.Close()

	limiter := New(store)
	d := limiter.Allow(ctx, "key-1", "route-1", Limits{RPS: 1, Burst: 1})
	assert.True(t, d.Allowed, "kv failure must not block traffic")
	assert.Equal(t, -1, d.Remaining)

	sw := Limits{RPS: 1, Burst: 1, Algorithm: types.AlgorithmSlidingWindow}
	d = limiter.Allow(ctx, "key-1", "route-1", sw)
	assert.True(t, d.Allowed)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t)

	lim := Limits{RPS: 1, Burst: 1}
	require.True(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)
	require.False(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)

	require.NoError(t, limiter.Reset(ctx, "key-1", "route-1"))

	assert.True(t, limiter.Allow(ctx, "key-1", "route-1", lim).Allowed)
}
