package kv

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/heliox/pkg/log"
)

// Typed errors returned by Store operations. Callers branch with
// errors.Is; anything else is backend-specific and treated as opaque.
var (
	// ErrNotFound indicates the key does not exist (or has expired).
	ErrNotFound = errors.New("kv: key not found")

	// ErrTimeout indicates the per-operation deadline was exceeded.
	// Timed-out operations are never retried; callers degrade.
	ErrTimeout = errors.New("kv: operation timed out")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("kv: store closed")
)

// Backend names reported by Store.Name. The gateway treats everything
// except the shared backend as degraded.
const (
	NameRedis  = "redis"
	NameMemory = "memory"
)

// Message is one pub/sub delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a stream of messages for a single topic. The channel
// is closed when the subscription is closed or the backend goes away.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Store abstracts the shared key-value backend used for counters, cache
// entries, leases, abuse state, and bloom bits. Two implementations
// exist: Redis (networked, shared across gateway instances) and Memory
// (in-process fallback). All operations honor ctx and return typed
// errors; a ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int, error)

	// DelPattern deletes all keys matching a glob pattern and returns
	// how many were removed. Used for administrative cache purges.
	DelPattern(ctx context.Context, pattern string) (int, error)

	// Incr atomically adds delta to the integer at key, creating it at
	// zero if absent, and returns the new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SetIfAbsent stores value only if key does not exist. It is the
	// acquire half of every lease in the system; expiry is enforced by
	// the backend's TTL, never by client clocks.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// DelIfEqual deletes key only while it still holds value. It is the
	// release half of a lease: a holder whose lease already expired and
	// was re-acquired by someone else must not drop the new holder's.
	DelIfEqual(ctx context.Context, key string, value []byte) (bool, error)

	Pub(ctx context.Context, topic string, payload []byte) error
	Sub(ctx context.Context, topic string) (Subscription, error)

	// BitsSet sets the given bit positions to 1; BitsGet reports
	// whether every given position is 1. Backing for the bloom filter.
	BitsSet(ctx context.Context, key string, positions []uint64) error
	BitsGet(ctx context.Context, key string, positions []uint64) (bool, error)

	Ping(ctx context.Context) error

	// Name identifies the backend: "redis" or "memory".
	Name() string

	Close() error
}

// Options configures Open.
type Options struct {
	// URL is the Redis connection URL. Ignored when ForceFallback is set.
	URL string

	// OpTimeout bounds every single backend operation.
	OpTimeout time.Duration

	// ForceFallback skips the shared backend entirely (demo mode).
	ForceFallback bool
}

// Open connects the shared backend, probing it once. If the probe fails
// the in-process fallback is returned instead and the gateway runs
// degraded; an unparseable URL is a configuration error and fails Open.
func Open(ctx context.Context, opts Options) (Store, error) {
	logger := log.WithComponent("kv")

	if opts.ForceFallback {
		logger.Info().Msg("using in-process fallback store")
		return NewMemory(), nil
	}

	store, err := NewRedis(opts.URL, opts.OpTimeout)
	if err != nil {
		return nil, err
	}

	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(probe); err != nil {
		logger.Warn().Err(err).Str("url", redacted(opts.URL)).
			Msg("shared store unreachable, falling back to in-process store")
		_ = store.Close()
		return NewMemory(), nil
	}

	logger.Info().Str("url", redacted(opts.URL)).Msg("connected to shared store")
	return store, nil
}

// redacted strips credentials from a connection URL for logging.
func redacted(url string) string {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '@' {
			return "redis://***@" + url[i+1:]
		}
	}
	return url
}
