package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/heliox/pkg/abuse"
	"github.com/cuemby/heliox/pkg/bloom"
	"github.com/cuemby/heliox/pkg/cache"
	"github.com/cuemby/heliox/pkg/cachekey"
	"github.com/cuemby/heliox/pkg/configcache"
	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/metrics"
	"github.com/cuemby/heliox/pkg/quota"
	"github.com/cuemby/heliox/pkg/ratelimit"
	"github.com/cuemby/heliox/pkg/storage"
	"github.com/cuemby/heliox/pkg/types"
	"github.com/cuemby/heliox/pkg/upstream"
)

// Options wires the pipeline's collaborators and tuning.
type Options struct {
	View     *configcache.Cache
	DB       storage.Store
	Cache    *cache.Cache
	Reval    *cache.Revalidator
	Limiter  *ratelimit.Limiter
	Quota    *quota.Counter
	Abuse    *abuse.Detector
	Bloom    *bloom.Filter // nil disables the negative-cache hint
	Upstream *upstream.Client
	Logs     *LogWriter

	DefaultRPS    float64
	DefaultBurst  int
	ClientIPRPS   float64
	ClientIPBurst int
	Origin        string // instance identity recorded in stored entries
}

// Gateway is the admission and proxy pipeline behind /g/. One instance
// serves all routes; per-request state lives on the stack.
type Gateway struct {
	opts  Options
	guard *ipGuard
	now   func() time.Time

	mu      sync.Mutex
	touched map[string]time.Time
}

// New assembles the pipeline.
func New(opts Options) *Gateway {
	return &Gateway{
		opts:    opts,
		guard:   newIPGuard(opts.ClientIPRPS, opts.ClientIPBurst),
		now:     time.Now,
		touched: make(map[string]time.Time),
	}
}

// call is the per-request bookkeeping that feeds the request log, the
// metrics, and the abuse detector once the response is out.
type call struct {
	id     string
	start  time.Time
	ip     string
	method string
	path   string
	query  string
	agent  string

	tenant *types.Tenant
	key    *types.APIKey
	route  *types.Route

	status          int
	cacheStatus     types.CacheStatus
	errKind         types.ErrorKind
	upstreamStatus  int
	upstreamLatency time.Duration
	responseBytes   int64
	admitted        bool
}

// ServeHTTP runs one request through the pipeline: credentials,
// authentication, route match, abuse block, rate limit, quota, then
// the cache or a plain proxy exchange.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &call{
		id:          uuid.NewString(),
		start:       g.now(),
		ip:          clientIP(r),
		method:      r.Method,
		path:        r.URL.Path,
		query:       r.URL.RawQuery,
		agent:       r.UserAgent(),
		cacheStatus: types.CacheStatusNone,
	}

	// Flood shedding happens before any hashing or KV work. Guard
	// rejections are not logged; a flood would only evict real entries.
	if !g.guard.allow(c.ip) {
		metrics.ObserveRateLimited()
		w.Header().Set("Retry-After", "1")
		writeError(w, c.id, types.ErrorKindRateLimited, "client address over limit")
		return
	}

	defer g.finish(r, c)

	secret := r.Header.Get("X-API-Key")
	if secret == "" {
		g.reject(w, c, types.ErrorKindMissingAPIKey, "X-API-Key header is required")
		return
	}

	key, ok := g.opts.View.KeyByHash(types.HashSecret(secret))
	if !ok || !key.IsUsable(g.now()) {
		g.reject(w, c, types.ErrorKindInvalidAPIKey, "unknown or inactive API key")
		return
	}
	tenant, ok := g.opts.View.TenantByID(key.TenantID)
	if !ok || !tenant.IsActive {
		g.reject(w, c, types.ErrorKindInvalidAPIKey, "unknown or inactive API key")
		return
	}
	c.key, c.tenant = key, tenant

	name, rest := splitRoutePath(r.URL.Path)
	route := matchRoute(g.opts.View.RoutesByName(name), tenant.ID, r.Method, rest)
	if route == nil {
		g.reject(w, c, types.ErrorKindNoRoute, fmt.Sprintf("no route %q serves %s %s", name, r.Method, rest))
		return
	}
	c.route = route

	ctx := r.Context()

	if block, blocked := g.opts.Abuse.CheckBlock(ctx, key.ID); blocked {
		metrics.ObserveBlocked()
		w.Header().Set("Retry-After", retryAfterValue(block.Remaining(g.now())))
		g.reject(w, c, types.ErrorKindAbuseBlocked, fmt.Sprintf("temporarily blocked: %s", block.Reason))
		return
	}

	lim := ratelimit.Resolve(key, route, g.opts.DefaultRPS, g.opts.DefaultBurst)
	dec := g.opts.Limiter.Allow(ctx, key.ID, route.ID, lim)
	if !dec.Allowed {
		metrics.ObserveRateLimited()
		h := w.Header()
		h.Set("Retry-After", retryAfterValue(dec.RetryAfter))
		h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(int(dec.ResetAfter.Seconds())))
		g.reject(w, c, types.ErrorKindRateLimited, "rate limit exceeded")
		return
	}

	q := g.opts.Quota.Check(ctx, key.ID, key.QuotaDaily, key.QuotaMonthly)
	if !q.Allowed {
		metrics.ObserveQuotaExceeded()
		w.Header().Set("Retry-After", retryAfterValue(q.RetryAfter))
		g.reject(w, c, types.ErrorKindQuotaExceeded,
			fmt.Sprintf("%s quota exhausted (%d of %d)", q.Scope, q.Used, q.Limit))
		return
	}

	c.admitted = true
	g.proxy(ctx, w, r, c, rest)
}

// proxy picks the cache path or a plain bypass exchange for an
// admitted request.
func (g *Gateway) proxy(ctx context.Context, w http.ResponseWriter, r *http.Request, c *call, rest string) {
	body, err := readBody(r)
	if err != nil {
		g.reject(w, c, types.ErrorKindInternal, "reading request body")
		return
	}

	ureq := upstream.Request{
		Method:   r.Method,
		Path:     rest,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
		ClientIP: c.ip,
		Proto:    requestScheme(r),
		Host:     r.Host,
	}

	var policy *types.CachePolicy
	if c.route.PolicyID != "" {
		if p, ok := g.opts.View.PolicyByID(c.route.PolicyID); ok {
			policy = p
		}
	}

	if policy == nil || policy.CacheNoStore || !policy.IsCacheableMethod(r.Method) {
		g.bypass(ctx, w, c, ureq)
		return
	}

	key := cachekey.Key(cachekey.Request{
		Method:    r.Method,
		TenantID:  c.tenant.ID,
		RouteName: c.route.Name,
		Path:      rest,
		Query:     r.URL.Query(),
		Vary:      policy.VaryHeaders,
		Header:    r.Header,
	})
	g.cached(ctx, w, c, ureq, policy, key)
}

// bypass forwards the exchange without consulting the cache.
func (g *Gateway) bypass(ctx context.Context, w http.ResponseWriter, c *call, ureq upstream.Request) {
	c.cacheStatus = types.CacheStatusBypass
	metrics.ObserveCacheStatus(types.CacheStatusBypass)

	res := g.opts.Upstream.Fetch(ctx, c.route, ureq)
	metrics.ObserveUpstream(res.Latency)
	c.upstreamLatency = res.Latency
	if !res.OK() {
		g.upstreamFailed(w, c, res)
		return
	}
	c.upstreamStatus = res.Status

	h := w.Header()
	for name, values := range res.Header {
		h[name] = values
	}
	h.Set("X-Request-Id", c.id)
	h.Set("X-Cache", string(types.CacheStatusBypass))
	h.Set("X-Route", c.route.Name)
	w.WriteHeader(res.Status)
	n, _ := w.Write(res.Body)
	c.status = res.Status
	c.responseBytes = int64(n)
}

// cached runs the TTL+SWR lookup and the single-flight miss path.
func (g *Gateway) cached(ctx context.Context, w http.ResponseWriter, c *call, ureq upstream.Request, policy *types.CachePolicy, key string) {
	look, err := g.opts.Cache.Lookup(ctx, key)
	if err != nil {
		lg := log.WithRequestID(c.id)
		lg.Warn().Err(err).Msg("cache lookup degraded")
	}

	switch look.Status {
	case types.CacheStatusHit:
		g.serveEntry(w, c, look.Entry, types.CacheStatusHit, look.Age)
		return
	case types.CacheStatusStale:
		g.opts.Reval.Enqueue(key, g.originFetch(c.route, policy, ureq, key, nil))
		g.serveEntry(w, c, look.Entry, types.CacheStatusStale, look.Age)
		return
	}

	// A bloom maybe plus a stored negative entry answers a known dead
	// path without waking the origin.
	if neg := g.negativeHint(ctx, key); neg != nil {
		g.serveEntry(w, c, neg, types.CacheStatusHit, neg.Age(g.now()))
		return
	}

	// Recording into c is safe here: a fill's fetch runs on this
	// goroutine or not at all.
	record := func(res *upstream.Result) {
		c.upstreamLatency = res.Latency
		if res.OK() {
			c.upstreamStatus = res.Status
		}
	}
	entry, _, err := g.opts.Cache.Fill(ctx, key, g.originFetch(c.route, policy, ureq, key, record))
	if err != nil {
		c.cacheStatus = types.CacheStatusMiss
		metrics.ObserveCacheStatus(types.CacheStatusMiss)
		var oe *originError
		if errors.As(err, &oe) {
			g.upstreamFailed(w, c, oe.res)
			return
		}
		g.reject(w, c, types.ErrorKindInternal, "cache fill failed")
		return
	}
	g.serveEntry(w, c, entry, types.CacheStatusMiss, 0)
}

// originFetch builds the fetch closure used by fills and
// revalidations. The entry is built even when the response is not
// storable so the caller can still serve it; Store says which it was.
// GET responses of 404 or 410 feed the negative cache on the way out.
// record receives the exchange outcome when the closure runs inline
// with the request; detached revalidations pass nil.
func (g *Gateway) originFetch(route *types.Route, policy *types.CachePolicy, ureq upstream.Request, key string, record func(*upstream.Result)) cache.FetchFunc {
	return func(ctx context.Context) (cache.FetchOutcome, error) {
		res := g.opts.Upstream.Fetch(ctx, route, ureq)
		metrics.ObserveUpstream(res.Latency)
		if record != nil {
			record(res)
		}
		if !res.OK() {
			metrics.ObserveUpstreamError(string(res.Kind.ErrorKind()), res.Latency)
			return cache.FetchOutcome{}, &originError{res: res}
		}
		if ureq.Method == http.MethodGet && (res.Status == http.StatusNotFound || res.Status == http.StatusGone) {
			g.recordNegative(ctx, key, res, policy)
		}
		return cache.FetchOutcome{
			Entry: cache.NewEntry(res.Status, res.Header, res.Body, policy, g.opts.Origin, g.now()),
			Store: cache.Storable(policy, ureq.Method, res.Status, res.Header, int64(len(res.Body))),
		}, nil
	}
}

// negativeHint returns the stored negative entry for the key, but only
// when the bloom filter also answers maybe. Either signal alone serves
// nothing.
func (g *Gateway) negativeHint(ctx context.Context, key string) *types.CacheEntry {
	if g.opts.Bloom == nil {
		return nil
	}
	maybe, err := g.opts.Bloom.Probe(ctx, key)
	if err != nil || !maybe {
		return nil
	}
	neg, ok := g.opts.Cache.Negative(ctx, key)
	if !ok {
		return nil
	}
	return neg
}

// recordNegative remembers a dead path: the bloom filter learns the
// key and the response is kept under neg:<key> for the policy's TTL.
// Disabled along with the filter.
func (g *Gateway) recordNegative(ctx context.Context, key string, res *upstream.Result, policy *types.CachePolicy) {
	if g.opts.Bloom == nil {
		return
	}
	if err := g.opts.Bloom.Add(ctx, key); err != nil {
		lg := log.WithComponent("gateway")
		lg.Warn().Err(err).Msg("bloom add failed")
		return
	}
	neg := cache.NewEntry(res.Status, res.Header, res.Body, policy, g.opts.Origin, g.now())
	if err := g.opts.Cache.StoreNegative(ctx, key, neg); err != nil {
		lg := log.WithComponent("gateway")
		lg.Warn().Err(err).Msg("negative cache store failed")
	}
}

// serveEntry writes a cache entry as the response.
func (g *Gateway) serveEntry(w http.ResponseWriter, c *call, entry *types.CacheEntry, status types.CacheStatus, age int64) {
	c.cacheStatus = status
	metrics.ObserveCacheStatus(status)

	h := w.Header()
	for _, p := range entry.Headers {
		h.Add(p.Name, p.Value)
	}
	h.Set("X-Request-Id", c.id)
	h.Set("X-Cache", string(status))
	h.Set("X-Route", c.route.Name)
	if status == types.CacheStatusHit || status == types.CacheStatusStale {
		h.Set("Age", strconv.FormatInt(age, 10))
	}
	w.WriteHeader(entry.Status)
	n, _ := w.Write(entry.Body)
	c.status = entry.Status
	c.upstreamStatus = entry.Status
	c.responseBytes = int64(n)
}

// upstreamFailed maps a classified exchange failure to 502 or 504.
func (g *Gateway) upstreamFailed(w http.ResponseWriter, c *call, res *upstream.Result) {
	kind := res.Kind.ErrorKind()
	lg := log.WithRequestID(c.id)
	lg.Warn().
		Err(res.Err).
		Str("route", c.route.Name).
		Str("kind", string(res.Kind)).
		Msg("upstream exchange failed")

	detail := "upstream request failed"
	if kind == types.ErrorKindUpstreamTimeout {
		detail = "upstream did not answer within the route deadline"
	}
	c.upstreamLatency = res.Latency
	w.Header().Set("X-Route", c.route.Name)
	g.reject(w, c, kind, detail)
}

// reject records the outcome and writes the error envelope.
func (g *Gateway) reject(w http.ResponseWriter, c *call, kind types.ErrorKind, detail string) {
	c.errKind = kind
	c.status = kind.HTTPStatus()
	writeError(w, c.id, kind, detail)
}

// finish emits the request metrics and log record, feeds the abuse
// detector, and touches the key's last_used_at. Runs after the
// response bytes are out; the client never waits on any of it.
func (g *Gateway) finish(r *http.Request, c *call) {
	latency := g.now().Sub(c.start)

	routeLabel, routeID := "-", ""
	if c.route != nil {
		routeLabel, routeID = c.route.Name, c.route.ID
	}
	metrics.ObserveRequest(routeLabel, c.status, latency)

	rec := &types.RequestLog{
		ID:                uuid.NewString(),
		RequestID:         c.id,
		At:                c.start,
		RouteID:           routeID,
		Method:            c.method,
		Path:              c.path,
		QueryString:       c.query,
		ClientIP:          c.ip,
		UserAgent:         c.agent,
		Status:            c.status,
		LatencyMS:         latency.Milliseconds(),
		CacheStatus:       c.cacheStatus,
		ErrorKind:         c.errKind,
		UpstreamStatus:    c.upstreamStatus,
		UpstreamLatencyMS: c.upstreamLatency.Milliseconds(),
		ResponseBytes:     c.responseBytes,
	}
	if c.tenant != nil {
		rec.TenantID = c.tenant.ID
	}
	if c.key != nil {
		rec.APIKeyID = c.key.ID
	}

	if c.admitted && c.key != nil {
		ctx := context.WithoutCancel(r.Context())
		g.opts.Abuse.Observe(ctx, c.key.ID, rec.IsError())
		g.touchLastUsed(c.key)
	}

	g.opts.Logs.Enqueue(rec)
}

// touchLastUsed persists the key's last_used_at, at most once per
// minute per key.
func (g *Gateway) touchLastUsed(key *types.APIKey) {
	now := g.now()

	g.mu.Lock()
	if last, ok := g.touched[key.ID]; ok && now.Sub(last) < time.Minute {
		g.mu.Unlock()
		return
	}
	g.touched[key.ID] = now
	g.mu.Unlock()

	cp := *key
	cp.LastUsedAt = now
	if err := g.opts.DB.UpdateAPIKey(&cp); err != nil {
		lg := log.WithComponent("gateway")
		lg.Warn().Err(err).Str("api_key_id", key.ID).Msg("last_used update failed")
	}
}

// originError carries a classified upstream failure out of a fill.
type originError struct {
	res *upstream.Result
}

func (e *originError) Error() string {
	return fmt.Sprintf("origin fetch failed: %s", e.res.Kind)
}

func (e *originError) Unwrap() error { return e.res.Err }

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// readBody buffers the request body for forwarding. GET and HEAD
// bodies are not forwarded.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
