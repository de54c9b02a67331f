/*
Package abuse soft-blocks API keys whose traffic deviates from their own
recent behavior.

# Model

Each key carries an EWMA of its instantaneous request rate and of that
rate's variance, both stored as JSON under abuse:state:<key>. One
observation per admitted request:

	dt = seconds since the previous request (skipped when 0)
	r  = 1/dt
	mu'  = alpha*r + (1-alpha)*mu
	var' = alpha*(r-mu)^2 + (1-alpha)*var
	z    = (r - mu') / max(stddev before this sample, epsilon)

When |z| exceeds the threshold after the warmup sample count, the key is
blocked for the configured duration: a Block record lands under
abuse:block:<key> with a matching TTL, and a BlockedKeyRecord is
persisted for the audit trail. A second EWMA over the error signal
(1 for 5xx or upstream failure, else 0) triggers an error_rate_spike
block when it crosses its own threshold.

# Blocking

The request pipeline calls CheckBlock before any other admission work
and rejects with 429 abuse_blocked while the KV record exists. The
record carries blocked_until_ms so Retry-After comes straight from the
value; expiry is still the backend TTL's job. Anomaly-installed blocks
use SetIfAbsent so repeated anomalies cannot extend an active block.

Operators clear a block with Unblock (deletes the KV record, flips the
audit records inactive) or install one with BlockManually.

# Failure Policy

Like the rate limiter, the detector fails open: if the KV store cannot
be read or written, the observation is dropped and CheckBlock reports
unblocked. Detection quality degrades before availability does.

# Usage

	det := abuse.New(store, db, abuse.Config{
		Alpha:         0.3,
		ZThreshold:    3.0,
		BlockDuration: 5 * time.Minute,
	})

	if blk, blocked := det.CheckBlock(ctx, keyID); blocked {
		retryAfter := blk.Remaining(time.Now())
		// reject 429
	}

	// after the response is written
	det.Observe(ctx, keyID, status >= 500)

# See Also

  - pkg/ratelimit for the admission-rate counterpart
  - pkg/storage for the persisted audit records
  - pkg/types for AbuseState, BlockedKeyRecord, and BlockReason
*/
package abuse
