package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/heliox/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounter(t *testing.T) (*Counter, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func TestCheckUnderLimit(t *testing.T) {
	ctx := context.Background()
	counter, _ := newTestCounter(t)

	for i := int64(1); i <= 5; i++ {
		res := counter.Check(ctx, "key-1", 10, 100)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.Used)
	}
}

func TestCheckDailyDeniesPostIncrement(t *testing.T) {
	ctx := context.Background()
	counter, _ := newTestCounter(t)

	for i := 0; i < 3; i++ {
		require.True(t, counter.Check(ctx, "key-1", 3, 0).Allowed)
	}

	// The 4th request is the first over the limit
	res := counter.Check(ctx, "key-1", 3, 0)
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeDaily, res.Scope)
	assert.Equal(t, int64(4), res.Used)
	assert.Equal(t, int64(3), res.Limit)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, 24*time.Hour)
}

func TestCheckMonthlyDenies(t *testing.T) {
	ctx := context.Background()
	counter, _ := newTestCounter(t)

	for i := 0; i < 2; i++ {
		require.True(t, counter.Check(ctx, "key-1", 0, 2).Allowed)
	}

	res := counter.Check(ctx, "key-1", 0, 2)
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeMonthly, res.Scope)
	assert.LessOrEqual(t, res.RetryAfter, 31*24*time.Hour)
}

func TestCheckUnlimitedStillCounts(t *testing.T) {
	ctx := context.Background()
	counter, _ := newTestCounter(t)

	for i := 0; i < 20; i++ {
		require.True(t, counter.Check(ctx, "key-1", 0, 0).Allowed)
	}

	day, month, err := counter.Usage(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), day)
	assert.Equal(t, int64(20), month)
}

func TestCheckKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	counter, _ := newTestCounter(t)

	require.True(t, counter.Check(ctx, "key-1", 1, 0).Allowed)
	require.False(t, counter.Check(ctx, "key-1", 1, 0).Allowed)

	assert.True(t, counter.Check(ctx, "key-2", 1, 0).Allowed)
}

func TestCounterKeysUseUTCCalendar(t *testing.T) {
	ctx := context.Background()
	counter, store := newTestCounter(t)

	// 2025-06-30 23:30 UTC: half an hour before both boundaries
	at := time.Date(2025, 6, 30, 23, 30, 0, 0, time.UTC)
	counter.now = func() time.Time { return at }

	res := counter.Check(ctx, "key-1", 0, 0)
	require.True(t, res.Allowed)

	_, err := store.Get(ctx, "quota:day:key-1:20250630")
	assert.NoError(t, err, "day counter keyed by UTC date")
	_, err = store.Get(ctx, "quota:mon:key-1:202506")
	assert.NoError(t, err, "month counter keyed by UTC month")
}

func TestDayRollover(t *testing.T) {
	ctx := context.Background()
	counter, _ := newTestCounter(t)

	before := time.Date(2025, 6, 1, 23, 59, 59, 0, time.UTC)
	counter.now = func() time.Time { return before }

	require.True(t, counter.Check(ctx, "key-1", 1, 0).Allowed)
	require.False(t, counter.Check(ctx, "key-1", 1, 0).Allowed)

	// One second later it is a new UTC day with a fresh counter
	counter.now = func() time.Time { return before.Add(time.Second) }
	res := counter.Check(ctx, "key-1", 1, 0)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Used)
}

func TestRetryAfterPointsAtBoundary(t *testing.T) {
	ctx := context.Background()
	counter, _ := newTestCounter(t)

	at := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return at }

	require.True(t, counter.Check(ctx, "key-1", 1, 0).Allowed)
	res := counter.Check(ctx, "key-1", 1, 0)
	require.False(t, res.Allowed)
	assert.Equal(t, 6*time.Hour, res.RetryAfter)
}

func TestFailOpenOnDeadBackend(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	store, err := kv.NewRedis("redis://"+mr.Addr(), 100*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mr.Close()

	counter := New(store)
	res := counter.Check(ctx, "key-1", 1, 1)
	assert.True(t, res.Allowed, "kv failure must not block traffic")
}
