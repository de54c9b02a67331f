package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/types"
)

// Kind classifies the outcome of one upstream exchange.
type Kind string

const (
	KindOK            Kind = "ok"
	KindTimeout       Kind = "timeout"
	KindConnectError  Kind = "connect_error"
	KindProtocolError Kind = "protocol_error"
)

// ErrorKind maps the outcome to the client-visible error classification.
// OK maps to none; the pipeline decides what to do with the status.
func (k Kind) ErrorKind() types.ErrorKind {
	switch k {
	case KindOK:
		return types.ErrorKindNone
	case KindTimeout:
		return types.ErrorKindUpstreamTimeout
	default:
		return types.ErrorKindUpstreamError
	}
}

// Result is one classified upstream exchange. Status, Header, and Body
// are only meaningful for KindOK; Err carries the transport detail for
// everything else.
type Result struct {
	Kind    Kind
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
	Err     error
}

// OK reports whether the upstream produced a response.
func (r *Result) OK() bool { return r.Kind == KindOK }

// Request is the already-admitted client request, reduced to what the
// upstream exchange needs. Path is the remainder after the route name
// segment and always starts with "/".
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	ClientIP string
	Proto    string // scheme the client used, for X-Forwarded-Proto
	Host     string // Host the client sent, for X-Forwarded-Host
}

// Options tunes the client. Zero values use the defaults.
type Options struct {
	// DefaultTimeout applies when a route has no timeout_ms of its own.
	DefaultTimeout time.Duration

	// MaxBodyBytes is the hard ceiling for buffering a response body.
	// Larger responses are refused as protocol errors; cacheability
	// limits are the policy's business, this one protects the process.
	MaxBodyBytes int64

	// BreakerFailures is how many consecutive failures trip a route's
	// circuit breaker.
	BreakerFailures uint32

	// BreakerCooldown is how long an open breaker waits before probing.
	BreakerCooldown time.Duration
}

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxBodyBytes    = 32 << 20
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = defaultTimeout
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = defaultBreakerFailures
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = defaultBreakerCooldown
	}
	return o
}

// Client issues origin requests on behalf of the gateway. One circuit
// breaker per route keeps a dead origin from eating its route's timeout
// on every request; other routes are unaffected.
type Client struct {
	http *http.Client
	opts Options

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a client with a shared connection pool.
func New(opts Options) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			// Redirects pass through to the client untouched
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		opts:     opts.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Fetch performs one exchange against the route's upstream. The
// deadline covers connect, TLS, request, and the full body read.
func (c *Client) Fetch(ctx context.Context, route *types.Route, req Request) *Result {
	timeout := c.opts.DefaultTimeout
	if route.TimeoutMS > 0 {
		timeout = time.Duration(route.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := c.breaker(route).Execute(func() (interface{}, error) {
		return c.do(ctx, route, req)
	})
	latency := time.Since(start)

	if err != nil {
		res := classify(err)
		res.Latency = latency
		return res
	}
	res := out.(*Result)
	res.Latency = latency
	return res
}

// do runs the exchange and returns an error for anything the breaker
// should count as a failure. Upstream 5xx responses are responses; only
// transport-level trouble trips the breaker.
func (c *Client) do(ctx context.Context, route *types.Route, req Request) (*Result, error) {
	target, err := buildURL(route.UpstreamBaseURL, req.Path, req.RawQuery)
	if err != nil {
		return nil, &exchangeError{kind: KindConnectError, err: err}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &exchangeError{kind: KindConnectError, err: err}
	}

	hreq.Header = filterRequestHeader(req.Header)
	forwardingHeaders(hreq.Header, req)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, &exchangeError{kind: transportKind(err), err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, &exchangeError{kind: transportKind(err), err: fmt.Errorf("reading body: %w", err)}
	}
	if int64(len(data)) > c.opts.MaxBodyBytes {
		return nil, &exchangeError{
			kind: KindProtocolError,
			err:  fmt.Errorf("response body exceeds %d bytes", c.opts.MaxBodyBytes),
		}
	}

	return &Result{
		Kind:   KindOK,
		Status: resp.StatusCode,
		Header: filterResponseHeader(resp.Header),
		Body:   data,
	}, nil
}

// breaker returns the route's circuit breaker, creating it on first use.
func (c *Client) breaker(route *types.Route) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[route.ID]; ok {
		return cb
	}
	failures := c.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        route.Name,
		MaxRequests: 1,
		Timeout:     c.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg := log.WithComponent("upstream")
			lg.Warn().
				Str("route", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	c.breakers[route.ID] = cb
	return cb
}

// exchangeError carries the outcome classification through the breaker.
type exchangeError struct {
	kind Kind
	err  error
}

func (e *exchangeError) Error() string { return e.err.Error() }
func (e *exchangeError) Unwrap() error { return e.err }

// classify turns an Execute error back into a Result. Breaker
// rejections read as connect errors: the origin is known-bad and was
// not contacted.
func classify(err error) *Result {
	var ee *exchangeError
	if errors.As(err, &ee) {
		return &Result{Kind: ee.kind, Err: ee.err}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Result{Kind: KindConnectError, Err: err}
	}
	return &Result{Kind: transportKind(err), Err: err}
}

// transportKind separates deadline trouble from everything else.
func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindConnectError
}

// buildURL joins the route's base URL with the remaining path and the
// client's query string.
func buildURL(base, path, rawQuery string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid upstream base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String(), nil
}

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// filterRequestHeader copies the client's headers minus hop-by-hop
// headers, anything the Connection header names, and the gateway's own
// credential.
func filterRequestHeader(h http.Header) http.Header {
	out := cloneWithoutHopByHop(h)
	out.Del("X-Api-Key")
	// The transport recomputes framing for the rewritten body
	out.Del("Content-Length")
	return out
}

// filterResponseHeader copies the upstream's headers minus hop-by-hop
// headers and framing, which the gateway recomputes when writing.
func filterResponseHeader(h http.Header) http.Header {
	out := cloneWithoutHopByHop(h)
	out.Del("Content-Length")
	return out
}

func cloneWithoutHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		out[name] = append([]string(nil), values...)
	}
	// Headers named by Connection are hop-by-hop too
	for _, token := range h.Values("Connection") {
		for _, name := range strings.Split(token, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

// forwardingHeaders records the client's origin: the for-chain grows,
// proto and host reflect the original edge.
func forwardingHeaders(h http.Header, req Request) {
	if req.ClientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			h.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	if req.Proto != "" {
		h.Set("X-Forwarded-Proto", req.Proto)
	}
	if req.Host != "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
}
