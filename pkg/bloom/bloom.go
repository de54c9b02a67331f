package bloom

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/cuemby/heliox/pkg/kv"
)

// DefaultKey is the KV key holding the shared negative-cache bit array.
const DefaultKey = "bloom:404"

// Filter is a fixed-size bloom filter whose bit array lives in the
// shared KV store, so every gateway instance reads and writes the same
// bits. It is append-only during operation; Reset is the only way to
// forget items.
type Filter struct {
	store  kv.Store
	key    string
	bits   uint64
	hashes int
}

// New sizes a filter for expectedItems at the target falsePositiveRate
// and binds it to the given KV key.
func New(store kv.Store, key string, expectedItems int, falsePositiveRate float64) *Filter {
	bits, hashes := Size(expectedItems, falsePositiveRate)
	return &Filter{
		store:  store,
		key:    key,
		bits:   bits,
		hashes: hashes,
	}
}

// Size computes the bit count m = -n*ln(p)/(ln 2)^2 and hash count
// k = (m/n)*ln 2, both rounded up, with k at least 1. Degenerate
// parameters fall back to a usable filter rather than failing.
func Size(expectedItems int, falsePositiveRate float64) (bits uint64, hashes int) {
	n := float64(expectedItems)
	if n < 1 {
		n = 1
	}
	p := falsePositiveRate
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	m := math.Ceil(-n * math.Log(p) / (math.Ln2 * math.Ln2))
	k := int(math.Ceil(m / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	return uint64(m), k
}

// Bits returns the filter's bit array size.
func (f *Filter) Bits() uint64 { return f.bits }

// Hashes returns how many bit positions each item touches.
func (f *Filter) Hashes() int { return f.hashes }

// Add records an item in the filter.
func (f *Filter) Add(ctx context.Context, item string) error {
	return f.store.BitsSet(ctx, f.key, f.positions(item))
}

// Probe reports whether the item may have been added. False means
// definitely not; true means maybe, with the configured false-positive
// rate.
func (f *Filter) Probe(ctx context.Context, item string) (bool, error) {
	return f.store.BitsGet(ctx, f.key, f.positions(item))
}

// Reset clears the whole filter. Administrative operation; the filter
// never forgets items on its own.
func (f *Filter) Reset(ctx context.Context) error {
	_, err := f.store.Del(ctx, f.key)
	return err
}

// positions derives the item's bit positions by double hashing its
// SHA-256 digest: h1 is the first 8 bytes, h2 the next 8 forced odd so
// it is coprime with any power-of-two stride, position i is
// (h1 + i*h2) mod m.
func (f *Filter) positions(item string) []uint64 {
	sum := sha256.Sum256([]byte(item))
	h1 := binary.BigEndian.Uint64(sum[0:8])
	h2 := binary.BigEndian.Uint64(sum[8:16]) | 1

	out := make([]uint64, f.hashes)
	for i := range out {
		out[i] = (h1 + uint64(i)*h2) % f.bits
	}
	return out
}
