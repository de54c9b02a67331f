package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Tenant represents a customer organization using the gateway
type Tenant struct {
	ID          string
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// APIKey is an opaque bearer credential issued to a tenant
type APIKey struct {
	ID           string
	TenantID     string
	Name         string
	HashedSecret string // hex SHA-256 of the presented secret; unique
	Prefix       string // first 12 chars of the secret, for display
	Status       APIKeyStatus

	// Rate limiting overrides (0 = use route or global defaults)
	RateLimitRPS   float64
	RateLimitBurst int
	Algorithm      RateLimitAlgorithm

	// Quotas (0 = unlimited)
	QuotaDaily   int64
	QuotaMonthly int64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time // zero = never expires
	LastUsedAt time.Time
}

// APIKeyStatus represents the lifecycle state of an API key
type APIKeyStatus string

const (
	APIKeyStatusActive   APIKeyStatus = "active"
	APIKeyStatusDisabled APIKeyStatus = "disabled"
	APIKeyStatusRevoked  APIKeyStatus = "revoked"
)

// HashSecret returns the hex SHA-256 digest kept in HashedSecret for a
// presented API key secret. Plaintext secrets are never stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IsUsable reports whether the key authenticates requests right now.
// Only active keys that have not passed their expiry are usable.
func (k *APIKey) IsUsable(now time.Time) bool {
	if k.Status != APIKeyStatusActive {
		return false
	}
	if !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt) {
		return false
	}
	return true
}

// RateLimitAlgorithm selects the admission algorithm for a key
type RateLimitAlgorithm string

const (
	AlgorithmTokenBucket   RateLimitAlgorithm = "token_bucket"
	AlgorithmSlidingWindow RateLimitAlgorithm = "sliding_window"
)

// Route defines how matching requests are proxied to an upstream
type Route struct {
	ID          string
	Name        string
	Description string
	TenantID    string // empty = shared route, available to all tenants

	PathPattern string   // prefix glob, e.g. "/items/*" or "/*"
	Methods     []string // empty = all methods

	UpstreamBaseURL string
	TimeoutMS       int

	PolicyID string // empty = caching disabled for this route

	// Rate limiting overrides (0 = use key override or global defaults)
	RateLimitRPS   float64
	RateLimitBurst int

	Priority  int // higher matches first
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MatchesMethod reports whether the route accepts the given HTTP method.
func (r *Route) MatchesMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// CachePolicy defines caching behavior for routes that reference it
type CachePolicy struct {
	ID          string
	Name        string
	Description string

	TTLSeconds   int // freshness window
	StaleSeconds int // stale-while-revalidate window after TTL

	VaryHeaders       []string // ordered; partitions the cache
	CacheableStatuses []int    // empty = DefaultCacheableStatuses
	CacheableMethods  []string // empty = GET, HEAD
	MaxBodyBytes      int64
	CacheNoStore      bool // bypass storage entirely

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultCacheableStatuses applies when a policy lists none.
var DefaultCacheableStatuses = []int{200, 201, 204, 301, 304}

// DefaultCacheableMethods applies when a policy lists none.
var DefaultCacheableMethods = []string{"GET", "HEAD"}

// IsCacheableStatus reports whether responses with this status may be stored.
func (p *CachePolicy) IsCacheableStatus(status int) bool {
	statuses := p.CacheableStatuses
	if len(statuses) == 0 {
		statuses = DefaultCacheableStatuses
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// IsCacheableMethod reports whether requests with this method use the cache.
func (p *CachePolicy) IsCacheableMethod(method string) bool {
	methods := p.CacheableMethods
	if len(methods) == 0 {
		methods = DefaultCacheableMethods
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// HeaderPair is one stored response header. Names are lower-cased at
// store time so peers hash and compare them consistently.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CacheEntry is the wire record stored under a cache key. All gateway
// instances must be able to decode entries written by their peers, so
// the JSON field names are part of the protocol.
type CacheEntry struct {
	Status     int          `json:"status"`
	Headers    []HeaderPair `json:"headers"`
	Body       []byte       `json:"body"`
	StoredAt   int64        `json:"stored_at"`   // unix ms
	FreshUntil int64        `json:"fresh_until"` // unix ms
	StaleUntil int64        `json:"stale_until"` // unix ms
	Origin     string       `json:"origin,omitempty"`
}

// IsFresh reports whether the entry may be served as a HIT.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return now.UnixMilli() <= e.FreshUntil
}

// IsStale reports whether the entry is past TTL but inside the SWR window.
func (e *CacheEntry) IsStale(now time.Time) bool {
	ms := now.UnixMilli()
	return ms > e.FreshUntil && ms <= e.StaleUntil
}

// Age returns whole seconds since the entry was stored.
func (e *CacheEntry) Age(now time.Time) int64 {
	age := (now.UnixMilli() - e.StoredAt) / 1000
	if age < 0 {
		return 0
	}
	return age
}

// CacheStatus classifies how the cache participated in a response
type CacheStatus string

const (
	CacheStatusHit    CacheStatus = "HIT"
	CacheStatusStale  CacheStatus = "STALE"
	CacheStatusMiss   CacheStatus = "MISS"
	CacheStatusBypass CacheStatus = "BYPASS"
	CacheStatusNone   CacheStatus = "-"
)

// AbuseState is the per-key anomaly tracking record kept in the KV
// store. Peers share it, so field names are part of the protocol.
type AbuseState struct {
	EWMARate   float64 `json:"ewma_rate"`
	EWMAVar    float64 `json:"ewma_var"`
	ErrEWMA    float64 `json:"err_ewma"`
	Samples    int64   `json:"samples"`
	LastTickMS int64   `json:"last_tick_ms"` // unix ms of the previous request
}

// BlockReason explains why a key was soft-blocked
type BlockReason string

const (
	BlockReasonRateSpike      BlockReason = "rate_spike"
	BlockReasonErrorRateSpike BlockReason = "error_rate_spike"
	BlockReasonManual         BlockReason = "manual"
)

// BlockedKeyRecord is the persisted audit record of a soft block
type BlockedKeyRecord struct {
	ID           string
	APIKeyID     string
	Reason       BlockReason
	AnomalyScore float64
	BlockedAt    time.Time
	BlockedUntil time.Time
	IsActive     bool
}

// RequestLog captures one gateway request for analytics and abuse
// detection. Emitted post-response, best-effort.
type RequestLog struct {
	ID        string
	RequestID string
	At        time.Time

	TenantID string
	APIKeyID string
	RouteID  string

	Method      string
	Path        string
	QueryString string
	ClientIP    string
	UserAgent   string

	Status      int
	LatencyMS   int64
	CacheStatus CacheStatus
	ErrorKind   ErrorKind

	UpstreamStatus    int
	UpstreamLatencyMS int64
	ResponseBytes     int64
}

// IsError reports whether the request failed from the client's view.
func (l *RequestLog) IsError() bool {
	return l.ErrorKind != ErrorKindNone || l.Status >= 500
}

// ErrorKind is the client-visible error classification
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindMissingAPIKey   ErrorKind = "missing_api_key"
	ErrorKindInvalidAPIKey   ErrorKind = "invalid_api_key"
	ErrorKindNoRoute         ErrorKind = "no_route"
	ErrorKindRateLimited     ErrorKind = "rate_limited"
	ErrorKindQuotaExceeded   ErrorKind = "quota_exceeded"
	ErrorKindAbuseBlocked    ErrorKind = "abuse_blocked"
	ErrorKindUpstreamTimeout ErrorKind = "upstream_timeout"
	ErrorKindUpstreamError   ErrorKind = "upstream_error"
	ErrorKindInternal        ErrorKind = "internal"
)

// HTTPStatus maps an error kind to its response status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrorKindMissingAPIKey, ErrorKindInvalidAPIKey:
		return 401
	case ErrorKindNoRoute:
		return 404
	case ErrorKindRateLimited, ErrorKindQuotaExceeded, ErrorKindAbuseBlocked:
		return 429
	case ErrorKindUpstreamError:
		return 502
	case ErrorKindUpstreamTimeout:
		return 504
	default:
		return 500
	}
}
