/*
Package bloom implements the shared negative-cache hint: a bloom filter
whose bit array lives in the KV backend under a single key, so every
gateway instance consults the same probabilistic memory of "paths that
recently 404'd".

A probe answering false is authoritative (the item was never added); a
probe answering true is a hint with the configured false-positive rate.
The pipeline therefore only serves a cached negative response when the
filter says maybe AND a concrete negative entry exists under the cache
key. The filter alone never produces a response.

# Sizing

Bits and hash counts come from the standard formulas:

	m = ceil(-n * ln(p) / (ln 2)^2)
	k = ceil((m / n) * ln 2), at least 1

With the defaults (n=10000, p=0.01) that is 95851 bits (~12 KB) and 7
hashes per item.

# Hashing

Each item is hashed once with SHA-256; the digest's first 8 bytes seed
h1 and the next 8 seed h2 (forced odd). Bit positions follow the
double-hashing scheme (h1 + i*h2) mod m, giving k positions from one
digest without k hash computations.

# Availability

The filter is only as shared as its backing store. When the gateway is
running on the in-process fallback KV, negative-cache hints are
disabled entirely by the pipeline rather than letting each instance
grow a private, divergent filter.

# Usage

	f := bloom.New(store, bloom.DefaultKey, 10000, 0.01)
	_ = f.Add(ctx, key)
	maybe, err := f.Probe(ctx, key)

# See Also

  - pkg/kv for the BitsSet/BitsGet primitive this sits on
  - pkg/gateway for when the pipeline adds and probes
*/
package bloom
