package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultOpTimeout = 250 * time.Millisecond

// delIfEqualScript deletes a key only while it still holds the caller's
// value, so an expired lease holder cannot drop a successor's lease.
const delIfEqualScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Redis is the shared Store backend. Every operation is bounded by the
// configured per-op timeout and is never retried here; callers decide
// how to degrade.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedis builds a Redis store from a connection URL. The URL must
// parse; reachability is checked separately via Ping.
func NewRedis(url string, opTimeout time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout

	return &Redis{
		client:    redis.NewClient(opts),
		opTimeout: opTimeout,
	}, nil
}

func (s *Redis) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func wrapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return b, nil
}

func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return wrapRedisErr(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *Redis) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.client.Del(ctx, keys...).Result()
	return int(n), wrapRedisErr(err)
}

func (s *Redis) DelPattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	var cursor uint64
	for {
		// Each SCAN page gets its own deadline; a purge may walk many pages.
		page, cancel := s.op(ctx)
		keys, next, err := s.client.Scan(page, cursor, pattern, 256).Result()
		cancel()
		if err != nil {
			return deleted, wrapRedisErr(err)
		}
		if len(keys) > 0 {
			n, err := s.Del(ctx, keys...)
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *Redis) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	return n, wrapRedisErr(err)
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return wrapRedisErr(s.client.Expire(ctx, key, ttl).Err())
}

func (s *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	return ok, wrapRedisErr(err)
}

func (s *Redis) DelIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.client.Eval(ctx, delIfEqualScript, []string{key}, string(value)).Int64()
	if err != nil {
		return false, wrapRedisErr(err)
	}
	return n > 0, nil
}

func (s *Redis) Pub(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return wrapRedisErr(s.client.Publish(ctx, topic, payload).Err())
}

func (s *Redis) Sub(ctx context.Context, topic string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, topic)

	// Confirm the subscription before handing it out.
	confirm, cancel := s.op(ctx)
	defer cancel()
	if _, err := pubsub.Receive(confirm); err != nil {
		_ = pubsub.Close()
		return nil, wrapRedisErr(err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan Message, subscriberBuffer),
	}
	go sub.pump()
	return sub, nil
}

func (s *Redis) BitsSet(ctx context.Context, key string, positions []uint64) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	pipe := s.client.Pipeline()
	for _, pos := range positions {
		pipe.SetBit(ctx, key, int64(pos), 1)
	}
	_, err := pipe.Exec(ctx)
	return wrapRedisErr(err)
}

func (s *Redis) BitsGet(ctx context.Context, key string, positions []uint64) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(positions))
	for _, pos := range positions {
		cmds = append(cmds, pipe.GetBit(ctx, key, int64(pos)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapRedisErr(err)
	}
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return wrapRedisErr(s.client.Ping(ctx).Err())
}

func (s *Redis) Name() string { return NameRedis }

func (s *Redis) Close() error { return s.client.Close() }

// redisSub adapts a go-redis PubSub to the Subscription interface.
type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Message
	once   sync.Once
}

func (s *redisSub) pump() {
	defer close(s.ch)
	for m := range s.pubsub.Channel() {
		select {
		case s.ch <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
		default:
			// Slow subscriber: drop rather than block the pump.
		}
	}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}
