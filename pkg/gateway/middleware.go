package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedIPs caps the guard's limiter map. Past it the map is
// cleared wholesale; buckets refill on the next request, which briefly
// over-admits instead of growing without bound.
const maxTrackedIPs = 10000

// ipGuard is the pre-auth per-client-IP limiter. It sheds floods from
// a single address before any credential hashing or KV work happens,
// and keeps its state process-local so the shed path never touches the
// KV store either.
type ipGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// newIPGuard creates a guard admitting rps requests per second with
// the given burst per client IP. Zero or negative values disable it.
func newIPGuard(rps float64, burst int) *ipGuard {
	return &ipGuard{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// allow reports whether the client IP may proceed. A nil or disabled
// guard admits everything.
func (g *ipGuard) allow(ip string) bool {
	if g == nil || g.rps <= 0 || g.burst <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.limiters) > maxTrackedIPs {
		g.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := g.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(g.rps, g.burst)
		g.limiters[ip] = lim
	}
	return lim.Allow()
}

// clientIP extracts the caller's address, trusting forwarding headers
// from the edge before falling back to the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
