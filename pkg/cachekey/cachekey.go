package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// sep joins canonical components. The unit separator control byte can
// appear in none of them: methods and header names are token characters
// and query pairs are URL-encoded first.
const sep = "\x1f"

// Request carries the fields that determine a cache entry's identity.
// Vary lists the partitioning request headers in policy order; values
// are read from Header case-insensitively.
type Request struct {
	Method    string
	TenantID  string
	RouteName string
	Path      string
	Query     url.Values
	Vary      []string
	Header    http.Header
}

// Key returns the hex-encoded SHA-256 fingerprint for the request.
// Permuting query parameters or changing header name case never
// changes the result; changing the tenant, route, normalized path,
// any query pair, or any vary header value always does.
func Key(r Request) string {
	sum := sha256.Sum256([]byte(Canonical(r)))
	return hex.EncodeToString(sum[:])
}

// Canonical builds the pre-digest canonical string. Exposed so tests
// and debug tooling can inspect what actually got hashed.
func Canonical(r Request) string {
	parts := []string{
		strings.ToUpper(r.Method),
		r.TenantID,
		r.RouteName,
		normalizePath(r.Path),
		canonicalQuery(r.Query),
	}
	for _, name := range r.Vary {
		parts = append(parts, varyPart(name, r.Header))
	}
	return strings.Join(parts, sep)
}

// normalizePath strips trailing slashes so "/items" and "/items/"
// share an entry. The bare root keeps its slash.
func normalizePath(path string) string {
	p := strings.TrimRight(path, "/")
	if p == "" {
		return "/"
	}
	return p
}

// canonicalQuery flattens the query into URL-encoded name=value pairs
// sorted lexicographically by name, then by value for repeated names.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(query))
	for name, values := range query {
		for _, value := range values {
			pairs = append(pairs, url.QueryEscape(name)+"="+url.QueryEscape(value))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// varyPart renders one vary header as name=lowercase(value). An absent
// header renders as name= so presence and absence stay distinct from
// other values but stable across requests.
func varyPart(name string, header http.Header) string {
	value := ""
	if header != nil {
		value = header.Get(name)
	}
	return strings.ToLower(name) + "=" + strings.ToLower(value)
}
