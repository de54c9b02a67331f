package bloom

import (
	"context"
	"fmt"
	"testing"

	"github.com/cuemby/heliox/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSize(t *testing.T) {
	tests := []struct {
		name       string
		items      int
		fpRate     float64
		wantBits   uint64
		wantHashes int
	}{
		{
			name:       "defaults",
			items:      10000,
			fpRate:     0.01,
			wantBits:   95851,
			wantHashes: 7,
		},
		{
			name:       "small filter",
			items:      100,
			fpRate:     0.1,
			wantBits:   480,
			wantHashes: 4,
		},
		{
			name:       "degenerate items clamps to one",
			items:      0,
			fpRate:     0.01,
			wantBits:   10,
			wantHashes: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bits, hashes := Size(tt.items, tt.fpRate)
			assert.Equal(t, tt.wantBits, bits)
			assert.Equal(t, tt.wantHashes, hashes)
		})
	}
}

func TestSizeBadRateFallsBack(t *testing.T) {
	// Out-of-range rates fall back to 0.01 instead of NaN sizing
	bits, hashes := Size(10000, 0)
	assert.Equal(t, uint64(95851), bits)
	assert.Equal(t, 7, hashes)

	bits2, _ := Size(10000, 1.5)
	assert.Equal(t, bits, bits2)
}

func TestNoFalseNegatives(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()

	f := New(store, DefaultKey, 1000, 0.01)

	var items []string
	for i := 0; i < 200; i++ {
		items = append(items, fmt.Sprintf("cachekey-%d", i))
	}
	for _, item := range items {
		require.NoError(t, f.Add(ctx, item))
	}

	for _, item := range items {
		maybe, err := f.Probe(ctx, item)
		require.NoError(t, err)
		assert.True(t, maybe, "added item %q must never probe definitely-not", item)
	}
}

func TestProbeUnseenItem(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()

	// Large filter, few items: false-positive odds are negligible
	f := New(store, DefaultKey, 10000, 0.01)
	require.NoError(t, f.Add(ctx, "present"))

	maybe, err := f.Probe(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, maybe)
}

func TestProbeEmptyFilter(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()

	f := New(store, DefaultKey, 1000, 0.01)

	maybe, err := f.Probe(ctx, "anything")
	require.NoError(t, err)
	assert.False(t, maybe)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()

	f := New(store, DefaultKey, 1000, 0.01)
	require.NoError(t, f.Add(ctx, "item"))

	maybe, err := f.Probe(ctx, "item")
	require.NoError(t, err)
	require.True(t, maybe)

	require.NoError(t, f.Reset(ctx))

	maybe, err = f.Probe(ctx, "item")
	require.NoError(t, err)
	assert.False(t, maybe)
}

func TestPositionsDeterministic(t *testing.T) {
	store := kv.NewMemory()
	defer store.Close()

	f := New(store, DefaultKey, 10000, 0.01)

	a := f.positions("some-cache-key")
	b := f.positions("some-cache-key")
	assert.Equal(t, a, b)
	assert.Len(t, a, f.Hashes())

	for _, pos := range a {
		assert.Less(t, pos, f.Bits())
	}

	c := f.positions("other-cache-key")
	assert.NotEqual(t, a, c)
}
