package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/types"
)

const (
	tokenBucketPrefix   = "ratelimit:tb:"
	slidingWindowPrefix = "ratelimit:sw:"

	// bucketTTLSlack keeps idle bucket records around a little past
	// full refill so bursty clients don't churn keys.
	bucketTTLSlack = 60 * time.Second
)

// Limits are the effective parameters for one request after override
// resolution.
type Limits struct {
	RPS       float64
	Burst     int
	Algorithm types.RateLimitAlgorithm
}

// Resolve picks the effective limits: API key override first, then
// route override, then the configured defaults. The key also selects
// the algorithm.
func Resolve(key *types.APIKey, route *types.Route, defaultRPS float64, defaultBurst int) Limits {
	lim := Limits{RPS: defaultRPS, Burst: defaultBurst, Algorithm: types.AlgorithmTokenBucket}

	if route != nil {
		if route.RateLimitRPS > 0 {
			lim.RPS = route.RateLimitRPS
		}
		if route.RateLimitBurst > 0 {
			lim.Burst = route.RateLimitBurst
		}
	}
	if key != nil {
		if key.RateLimitRPS > 0 {
			lim.RPS = key.RateLimitRPS
		}
		if key.RateLimitBurst > 0 {
			lim.Burst = key.RateLimitBurst
		}
		if key.Algorithm != "" {
			lim.Algorithm = key.Algorithm
		}
	}
	return lim
}

// Decision is the outcome of one admission check. Remaining is -1 when
// the limiter failed open and usage is unknown.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAfter time.Duration
}

// bucketRecord is the token bucket state shared between gateway
// instances. Field names are part of the KV protocol.
type bucketRecord struct {
	Tokens       float64 `json:"tokens"`
	LastRefillMS int64   `json:"last_refill_ms"`
}

// Limiter admits requests against per-(key,route) budgets kept in the
// KV store. Updates are read-modify-write without CAS; a lost update
// under contention slightly over-admits, which is acceptable for a
// best-effort limiter. KV failures fail open.
type Limiter struct {
	store kv.Store
	now   func() time.Time
}

// New creates a limiter on the given store.
func New(store kv.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Allow runs the admission check for one request using the algorithm
// in lim.
func (l *Limiter) Allow(ctx context.Context, apiKeyID, routeID string, lim Limits) Decision {
	if lim.RPS <= 0 || lim.Burst <= 0 {
		// Unlimited
		return Decision{Allowed: true, Limit: lim.Burst, Remaining: -1}
	}

	switch lim.Algorithm {
	case types.AlgorithmSlidingWindow:
		return l.slidingWindow(ctx, apiKeyID, routeID, lim)
	default:
		return l.tokenBucket(ctx, apiKeyID, routeID, lim)
	}
}

// tokenBucket refills by elapsed time, deducts one token, and writes
// the record back with a TTL long enough to outlive a full refill.
func (l *Limiter) tokenBucket(ctx context.Context, apiKeyID, routeID string, lim Limits) Decision {
	key := fmt.Sprintf("%s%s:%s", tokenBucketPrefix, apiKeyID, routeID)
	now := l.now()
	burst := float64(lim.Burst)

	rec := bucketRecord{Tokens: burst, LastRefillMS: now.UnixMilli()}
	data, err := l.store.Get(ctx, key)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &rec); jerr != nil {
			// Corrupt record: start over from a full bucket
			rec = bucketRecord{Tokens: burst, LastRefillMS: now.UnixMilli()}
		}
	case errors.Is(err, kv.ErrNotFound):
		// First sighting, bucket starts full
	default:
		return l.failOpen(lim, err)
	}

	elapsed := float64(now.UnixMilli()-rec.LastRefillMS) / 1000.0
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := math.Min(burst, rec.Tokens+elapsed*lim.RPS)

	d := Decision{
		Limit:      lim.Burst,
		ResetAfter: refillDuration(lim),
	}
	if tokens >= 1 {
		tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = secondsToDuration((1 - tokens) / lim.RPS)
	}
	d.Remaining = int(tokens)

	rec = bucketRecord{Tokens: tokens, LastRefillMS: now.UnixMilli()}
	out, _ := json.Marshal(rec)
	if err := l.store.Set(ctx, key, out, refillDuration(lim)+bucketTTLSlack); err != nil {
		return l.failOpen(lim, err)
	}
	return d
}

// slidingWindow counts admissions inside the current fixed window of
// length burst/rps seconds. The window start is embedded in the key so
// expired windows simply age out via TTL.
func (l *Limiter) slidingWindow(ctx context.Context, apiKeyID, routeID string, lim Limits) Decision {
	window := windowDuration(lim)
	now := l.now()
	windowStart := now.Truncate(window)
	windowEnd := windowStart.Add(window)

	key := fmt.Sprintf("%s%s:%s:%d", slidingWindowPrefix, apiKeyID, routeID, windowStart.Unix())

	count, err := l.store.Incr(ctx, key, 1)
	if err != nil {
		return l.failOpen(lim, err)
	}
	if count == 1 {
		// First hit in this window owns the TTL
		if err := l.store.Expire(ctx, key, window); err != nil {
			return l.failOpen(lim, err)
		}
	}

	limit := int64(math.Ceil(lim.RPS * window.Seconds()))
	d := Decision{
		Limit:      int(limit),
		Remaining:  int(limit - count),
		ResetAfter: windowEnd.Sub(now),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if count > limit {
		d.RetryAfter = windowEnd.Sub(now)
		return d
	}
	d.Allowed = true
	return d
}

// failOpen admits the request when the backend misbehaves. Denials
// must only ever come from counted traffic.
func (l *Limiter) failOpen(lim Limits, err error) Decision {
	lg := log.WithComponent("ratelimit")
	lg.Warn().Err(err).Msg("kv unavailable, failing open")
	return Decision{Allowed: true, Limit: lim.Burst, Remaining: -1}
}

// Reset clears all limiter state for one (key, route) pair.
func (l *Limiter) Reset(ctx context.Context, apiKeyID, routeID string) error {
	tb := fmt.Sprintf("%s%s:%s", tokenBucketPrefix, apiKeyID, routeID)
	if _, err := l.store.Del(ctx, tb); err != nil {
		return err
	}
	sw := fmt.Sprintf("%s%s:%s:*", slidingWindowPrefix, apiKeyID, routeID)
	_, err := l.store.DelPattern(ctx, sw)
	return err
}

// refillDuration is how long a drained bucket takes to fill back up.
func refillDuration(lim Limits) time.Duration {
	return secondsToDuration(math.Ceil(float64(lim.Burst) / lim.RPS))
}

// windowDuration derives the sliding window length from the limits,
// clamped to at least one second.
func windowDuration(lim Limits) time.Duration {
	w := secondsToDuration(float64(lim.Burst) / lim.RPS)
	if w < time.Second {
		return time.Second
	}
	return w
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
