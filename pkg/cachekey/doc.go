/*
Package cachekey derives the canonical fingerprint that identifies one
cacheable response across every Heliox gateway instance.

Two requests that should share a cached response must hash to the same
key no matter which instance serves them, how the client ordered its
query parameters, or how it capitalized its header names. Two requests
that must not share a response (different tenant, route, path, query,
or vary header value) must never collide.

# Canonical Form

The canonical string concatenates, separated by the unit separator
byte 0x1F:

	UPPERCASE(method)
	tenant id
	route name
	path with trailing slashes stripped ("/" stays "/")
	query pairs, URL-encoded, sorted by name then value
	for each configured vary header, in policy order:
	    lowercase(name)=lowercase(value)   (absent value renders "name=")

The SHA-256 digest of that string, hex-encoded, is the key. Callers
prefix it for storage ("cache:<hex>", "lock:<hex>", ...) in pkg/cache.

# Usage

	key := cachekey.Key(cachekey.Request{
		Method:    r.Method,
		TenantID:  tenant.ID,
		RouteName: route.Name,
		Path:      r.URL.Path,
		Query:     r.URL.Query(),
		Vary:      policy.VaryHeaders,
		Header:    r.Header,
	})

# See Also

  - pkg/cache for the prefixed KV keys built from this fingerprint
  - pkg/bloom for the double hashing derived from the same fingerprint
*/
package cachekey
