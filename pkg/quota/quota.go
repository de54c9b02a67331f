package quota

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/log"
)

const (
	dayPrefix   = "quota:day:"
	monthPrefix = "quota:mon:"
)

// Scope names which quota period a decision refers to.
type Scope string

const (
	ScopeDaily   Scope = "daily"
	ScopeMonthly Scope = "monthly"
)

// Result is the outcome of one quota check. When denied, Scope names
// the exhausted period and RetryAfter points at its boundary.
type Result struct {
	Allowed    bool
	Scope      Scope
	Used       int64
	Limit      int64
	RetryAfter time.Duration
}

// Counter tracks per-key daily and monthly usage in the KV store.
// Counters use UTC calendar periods and expire at each period's end,
// so resets need no scheduled job. KV failures fail open.
type Counter struct {
	store kv.Store
	now   func() time.Time
}

// New creates a counter on the given store.
func New(store kv.Store) *Counter {
	return &Counter{store: store, now: time.Now}
}

// Check increments both period counters for the key and applies the
// configured limits (0 = unlimited) against the post-increment values.
// Usage is counted even for unlimited keys so analytics stay complete.
func (c *Counter) Check(ctx context.Context, apiKeyID string, dailyLimit, monthlyLimit int64) Result {
	now := c.now().UTC()

	day, err := c.bump(ctx, dayKey(apiKeyID, now), endOfDay(now))
	if err != nil {
		return failOpen(err)
	}
	month, err := c.bump(ctx, monthKey(apiKeyID, now), endOfMonth(now))
	if err != nil {
		return failOpen(err)
	}

	if dailyLimit > 0 && day > dailyLimit {
		return Result{
			Scope:      ScopeDaily,
			Used:       day,
			Limit:      dailyLimit,
			RetryAfter: endOfDay(now).Sub(now),
		}
	}
	if monthlyLimit > 0 && month > monthlyLimit {
		return Result{
			Scope:      ScopeMonthly,
			Used:       month,
			Limit:      monthlyLimit,
			RetryAfter: endOfMonth(now).Sub(now),
		}
	}
	return Result{Allowed: true, Used: day, Limit: dailyLimit}
}

// Usage reads the current period counters without incrementing.
func (c *Counter) Usage(ctx context.Context, apiKeyID string) (day, month int64, err error) {
	now := c.now().UTC()

	day, err = c.read(ctx, dayKey(apiKeyID, now))
	if err != nil {
		return 0, 0, err
	}
	month, err = c.read(ctx, monthKey(apiKeyID, now))
	if err != nil {
		return 0, 0, err
	}
	return day, month, nil
}

// bump increments one counter. The first increment of a period owns
// setting the TTL to the period's end.
func (c *Counter) bump(ctx context.Context, key string, periodEnd time.Time) (int64, error) {
	n, err := c.store.Incr(ctx, key, 1)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.store.Expire(ctx, key, periodEnd.Sub(c.now().UTC())); err != nil {
			// Counter survives past its period; the next period uses a
			// different key so correctness holds, only memory leaks.
			lg := log.WithComponent("quota")
			lg.Warn().Err(err).Str("key", key).
				Msg("failed to set period expiry")
		}
	}
	return n, nil
}

func (c *Counter) read(ctx context.Context, key string) (int64, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func failOpen(err error) Result {
	lg := log.WithComponent("quota")
	lg.Warn().Err(err).Msg("kv unavailable, failing open")
	return Result{Allowed: true, Used: -1}
}

func dayKey(apiKeyID string, now time.Time) string {
	return dayPrefix + apiKeyID + ":" + now.Format("20060102")
}

func monthKey(apiKeyID string, now time.Time) string {
	return monthPrefix + apiKeyID + ":" + now.Format("200601")
}

// endOfDay is the next UTC midnight.
func endOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

// endOfMonth is the first instant of the next UTC month.
func endOfMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
