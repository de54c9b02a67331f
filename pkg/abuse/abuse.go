package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/storage"
	"github.com/cuemby/heliox/pkg/types"
)

const (
	statePrefix = "abuse:state:"
	blockPrefix = "abuse:block:"

	// stateTTL bounds how long an idle key's stats survive. A key that
	// goes quiet for an hour restarts its warmup from scratch.
	stateTTL = time.Hour

	// epsilon floors the z-score denominator so a freshly warmed state
	// with near-zero variance cannot divide by zero.
	epsilon = 1e-6
)

// Default tuning. Alpha, ZThreshold, and BlockDuration map to env
// configuration; the rest are package policy.
const (
	DefaultAlpha         = 0.3
	DefaultZThreshold    = 3.0
	DefaultErrThreshold  = 0.5
	DefaultWarmupSamples = 8
	DefaultBlockDuration = 5 * time.Minute
)

// Config tunes the detector. Zero values fall back to the defaults
// above.
type Config struct {
	// Alpha is the EWMA smoothing factor in (0, 1]. Higher weighs
	// recent samples more.
	Alpha float64

	// ZThreshold is the absolute z-score above which a key is
	// soft-blocked for a rate spike.
	ZThreshold float64

	// ErrThreshold is the error-signal EWMA level that triggers an
	// error_rate_spike block.
	ErrThreshold float64

	// WarmupSamples is how many rate observations a key needs before
	// either threshold can fire.
	WarmupSamples int

	// BlockDuration is how long a soft block lasts.
	BlockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = DefaultAlpha
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = DefaultZThreshold
	}
	if c.ErrThreshold <= 0 {
		c.ErrThreshold = DefaultErrThreshold
	}
	if c.WarmupSamples <= 0 {
		c.WarmupSamples = DefaultWarmupSamples
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	return c
}

// Block is the KV record behind abuse:block:<key>. It carries its own
// expiry so peers can compute Retry-After from the value alone; the
// key's TTL handles cleanup.
type Block struct {
	Reason         types.BlockReason `json:"reason"`
	Score          float64           `json:"score"`
	BlockedAtMS    int64             `json:"blocked_at_ms"`
	BlockedUntilMS int64             `json:"blocked_until_ms"`
}

// Remaining is how long the block still holds at the given instant.
func (b *Block) Remaining(now time.Time) time.Duration {
	d := time.UnixMilli(b.BlockedUntilMS).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Detector tracks per-key request-rate statistics in the KV store and
// soft-blocks keys whose instantaneous rate deviates from their own
// baseline. State updates are read-modify-write like the rate limiter;
// a lost update skews the stats one sample, which the EWMA absorbs.
type Detector struct {
	store kv.Store
	db    storage.Store
	cfg   Config
	now   func() time.Time
}

// New creates a detector. db receives the audit records for installed
// blocks and may be nil, in which case blocks live only in the KV store.
func New(store kv.Store, db storage.Store, cfg Config) *Detector {
	return &Detector{store: store, db: db, cfg: cfg.withDefaults(), now: time.Now}
}

// Observe feeds one completed request into the per-key statistics and
// returns the freshly installed block, if this observation tripped one.
// isError marks upstream failures and 5xx responses. The z-score
// measures the instantaneous rate against the deviation the key had
// established before this sample.
func (d *Detector) Observe(ctx context.Context, apiKeyID string, isError bool) *Block {
	logger := log.WithComponent("abuse")
	stateKey := statePrefix + apiKeyID
	now := d.now()
	nowMS := now.UnixMilli()

	var st types.AbuseState
	data, err := d.store.Get(ctx, stateKey)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &st); jerr != nil {
			// Corrupt state restarts tracking for this key
			st = types.AbuseState{}
		}
	case errors.Is(err, kv.ErrNotFound):
		// First sighting
	default:
		logger.Warn().Err(err).Msg("kv unavailable, skipping abuse tracking")
		return nil
	}

	var (
		zScore   float64
		haveRate bool
	)
	if st.LastTickMS > 0 && nowMS > st.LastTickMS {
		dt := float64(nowMS-st.LastTickMS) / 1000.0
		r := 1.0 / dt

		if st.Samples == 0 {
			// Bootstrap: the first rate sample becomes the baseline
			st.EWMARate = r
			st.EWMAVar = 0
		} else {
			mu := st.EWMARate
			prevStdDev := math.Sqrt(st.EWMAVar)
			st.EWMARate = d.cfg.Alpha*r + (1-d.cfg.Alpha)*mu
			st.EWMAVar = d.cfg.Alpha*(r-mu)*(r-mu) + (1-d.cfg.Alpha)*st.EWMAVar
			zScore = (r - st.EWMARate) / math.Max(prevStdDev, epsilon)
		}
		st.Samples++
		haveRate = true
	}

	errSignal := 0.0
	if isError {
		errSignal = 1.0
	}
	st.ErrEWMA = d.cfg.Alpha*errSignal + (1-d.cfg.Alpha)*st.ErrEWMA
	st.LastTickMS = nowMS

	if out, err := json.Marshal(st); err == nil {
		if serr := d.store.Set(ctx, stateKey, out, stateTTL); serr != nil {
			logger.Warn().Err(serr).Msg("kv unavailable, abuse state not saved")
			return nil
		}
	}

	if st.Samples < int64(d.cfg.WarmupSamples) {
		return nil
	}
	if haveRate && math.Abs(zScore) > d.cfg.ZThreshold {
		return d.install(ctx, apiKeyID, types.BlockReasonRateSpike, zScore)
	}
	if st.ErrEWMA > d.cfg.ErrThreshold {
		return d.install(ctx, apiKeyID, types.BlockReasonErrorRateSpike, st.ErrEWMA)
	}
	return nil
}

// install writes the KV block and the audit record. SetIfAbsent keeps
// an already-active block from being extended by follow-up anomalies.
func (d *Detector) install(ctx context.Context, apiKeyID string, reason types.BlockReason, score float64) *Block {
	logger := log.WithComponent("abuse")
	now := d.now()

	blk := &Block{
		Reason:         reason,
		Score:          score,
		BlockedAtMS:    now.UnixMilli(),
		BlockedUntilMS: now.Add(d.cfg.BlockDuration).UnixMilli(),
	}
	data, err := json.Marshal(blk)
	if err != nil {
		return nil
	}

	acquired, err := d.store.SetIfAbsent(ctx, blockPrefix+apiKeyID, data, d.cfg.BlockDuration)
	if err != nil {
		logger.Warn().Err(err).Msg("kv unavailable, block not installed")
		return nil
	}
	if !acquired {
		// Already blocked
		return nil
	}

	d.record(apiKeyID, reason, score, now)
	logger.Warn().
		Str("api_key_id", apiKeyID).
		Str("reason", string(reason)).
		Float64("score", score).
		Dur("duration", d.cfg.BlockDuration).
		Msg("api key soft-blocked")
	return blk
}

// record persists the audit trail, best-effort.
func (d *Detector) record(apiKeyID string, reason types.BlockReason, score float64, now time.Time) {
	if d.db == nil {
		return
	}
	rec := &types.BlockedKeyRecord{
		ID:           uuid.New().String(),
		APIKeyID:     apiKeyID,
		Reason:       reason,
		AnomalyScore: score,
		BlockedAt:    now.UTC(),
		BlockedUntil: now.Add(d.cfg.BlockDuration).UTC(),
		IsActive:     true,
	}
	if err := d.db.CreateBlockRecord(rec); err != nil {
		lg := log.WithComponent("abuse")
		lg.Error().Err(err).Msg("failed to persist block record")
	}
}

// CheckBlock reports whether the key is currently soft-blocked. KV
// errors read as not blocked; the detector never rejects traffic it
// cannot verify.
func (d *Detector) CheckBlock(ctx context.Context, apiKeyID string) (*Block, bool) {
	data, err := d.store.Get(ctx, blockPrefix+apiKeyID)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			lg := log.WithComponent("abuse")
			lg.Warn().Err(err).Msg("kv unavailable, treating key as unblocked")
		}
		return nil, false
	}

	var blk Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, false
	}
	if blk.BlockedUntilMS <= d.now().UnixMilli() {
		// TTL should have expired the key already; clean up anyway
		_, _ = d.store.Del(ctx, blockPrefix+apiKeyID)
		return nil, false
	}
	return &blk, true
}

// BlockManually installs an operator-issued block, overwriting any
// active one.
func (d *Detector) BlockManually(ctx context.Context, apiKeyID string, duration time.Duration) (*Block, error) {
	if duration <= 0 {
		duration = d.cfg.BlockDuration
	}
	now := d.now()

	blk := &Block{
		Reason:         types.BlockReasonManual,
		BlockedAtMS:    now.UnixMilli(),
		BlockedUntilMS: now.Add(duration).UnixMilli(),
	}
	data, err := json.Marshal(blk)
	if err != nil {
		return nil, err
	}
	if err := d.store.Set(ctx, blockPrefix+apiKeyID, data, duration); err != nil {
		return nil, err
	}

	if d.db != nil {
		rec := &types.BlockedKeyRecord{
			ID:           uuid.New().String(),
			APIKeyID:     apiKeyID,
			Reason:       types.BlockReasonManual,
			BlockedAt:    now.UTC(),
			BlockedUntil: now.Add(duration).UTC(),
			IsActive:     true,
		}
		if err := d.db.CreateBlockRecord(rec); err != nil {
			return nil, err
		}
	}
	return blk, nil
}

// Unblock clears the KV block, restarts the key's statistics cold, and
// deactivates the key's audit records.
func (d *Detector) Unblock(ctx context.Context, apiKeyID string) error {
	if _, err := d.store.Del(ctx, blockPrefix+apiKeyID); err != nil {
		return err
	}
	// Residual error EWMA above threshold would reinstall the block on
	// the very next observation
	if err := d.ResetState(ctx, apiKeyID); err != nil {
		return err
	}
	if d.db == nil {
		return nil
	}

	recs, err := d.db.ListBlockRecordsByKey(apiKeyID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !rec.IsActive {
			continue
		}
		rec.IsActive = false
		if err := d.db.UpdateBlockRecord(rec); err != nil {
			return err
		}
	}
	lg := log.WithComponent("abuse")
	lg.Info().Str("api_key_id", apiKeyID).Msg("api key unblocked")
	return nil
}

// ResetState drops the key's statistics so tracking restarts cold.
func (d *Detector) ResetState(ctx context.Context, apiKeyID string) error {
	_, err := d.store.Del(ctx, statePrefix+apiKeyID)
	return err
}
