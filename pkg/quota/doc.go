/*
Package quota enforces hard daily and monthly request budgets per API
key, complementing the best-effort rate limiter with calendar-period
counters.

Each admitted request bumps two KV counters:

	quota:day:<key>:<yyyymmdd>
	quota:mon:<key>:<yyyymm>

Periods follow the UTC calendar. The first increment of a period sets
the counter's TTL to the period's end, so day and month rollovers need
no scheduled reset: the old counter expires and the next request starts
a fresh one under a new key.

Denial is post-increment: the request that pushes a configured limit
past its threshold is the first one denied. A limit of zero means
unlimited, but usage is still counted for analytics.

Like the rate limiter, KV failures fail open. Quotas protect revenue
agreements, not the origin's life; availability wins the tie.

# Usage

	res := counter.Check(ctx, key.ID, key.QuotaDaily, key.QuotaMonthly)
	if !res.Allowed {
		// 429 quota_exceeded, Retry-After = res.RetryAfter
	}

# See Also

  - pkg/ratelimit for the per-second admission layer
  - pkg/gateway for the 429 mapping and retry hints
*/
package quota
