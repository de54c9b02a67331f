package kv

import (
	"bytes"
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

const (
	janitorInterval  = time.Second
	subscriberBuffer = 16
)

type memoryItem struct {
	value     []byte
	bits      []byte
	expiresAt time.Time // zero = no expiry
}

func (it *memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// Memory is the in-process fallback Store. It keeps the exact Store
// contract (TTLs, conditional ops, pub/sub, bitsets) so callers cannot
// tell it from the shared backend, but its state is process-local:
// cross-instance coordination is lost while it is active.
type Memory struct {
	mu    sync.RWMutex
	items map[string]*memoryItem

	subMu  sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	stopCh chan struct{}
	closed bool
}

// NewMemory creates a fallback store and starts its expiry janitor.
func NewMemory() *Memory {
	m := &Memory{
		items:  make(map[string]*memoryItem),
		subs:   make(map[string]map[*memorySub]struct{}),
		stopCh: make(chan struct{}),
	}
	go m.janitor()
	return m
}

// janitor sweeps expired keys so TTLs hold even for keys never read again.
func (m *Memory) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, it := range m.items {
				if it.expired(now) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

// live returns the item at key if present and unexpired. Callers hold m.mu.
func (m *Memory) live(key string, now time.Time) (*memoryItem, bool) {
	it, ok := m.items[key]
	if !ok || it.expired(now) {
		return nil, false
	}
	return it, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.live(key, time.Now())
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = &memoryItem{value: v, expiresAt: expiry(ttl)}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	deleted := 0
	for _, key := range keys {
		if _, ok := m.live(key, now); ok {
			deleted++
		}
		delete(m.items, key)
	}
	return deleted, nil
}

func (m *Memory) DelPattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	deleted := 0
	for key, it := range m.items {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return deleted, err
		}
		if ok {
			if !it.expired(now) {
				deleted++
			}
			delete(m.items, key)
		}
	}
	return deleted, nil
}

func (m *Memory) Incr(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var current int64
	var expiresAt time.Time
	if it, ok := m.live(key, now); ok {
		n, err := strconv.ParseInt(string(it.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
		expiresAt = it.expiresAt
	}
	current += delta
	m.items[key] = &memoryItem{
		value:     []byte(strconv.FormatInt(current, 10)),
		expiresAt: expiresAt,
	}
	return current, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Missing keys are a no-op, matching the shared backend.
	if it, ok := m.live(key, time.Now()); ok {
		it.expiresAt = expiry(ttl)
	}
	return nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key, time.Now()); ok {
		return false, nil
	}
	m.items[key] = &memoryItem{value: v, expiresAt: expiry(ttl)}
	return true, nil
}

func (m *Memory) DelIfEqual(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key, time.Now())
	if !ok || !bytes.Equal(it.value, value) {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *Memory) BitsSet(_ context.Context, key string, positions []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key, time.Now())
	if !ok {
		it = &memoryItem{}
		m.items[key] = it
	}
	for _, pos := range positions {
		byteIdx := pos / 8
		if int(byteIdx) >= len(it.bits) {
			grown := make([]byte, byteIdx+1)
			copy(grown, it.bits)
			it.bits = grown
		}
		// Redis bit addressing: most significant bit first within a byte.
		it.bits[byteIdx] |= 1 << (7 - pos%8)
	}
	return nil
}

func (m *Memory) BitsGet(_ context.Context, key string, positions []uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.live(key, time.Now())
	if !ok {
		return false, nil
	}
	for _, pos := range positions {
		byteIdx := pos / 8
		if int(byteIdx) >= len(it.bits) {
			return false, nil
		}
		if it.bits[byteIdx]&(1<<(7-pos%8)) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Pub broadcasts to this process's subscribers only. Slow subscribers
// skip messages rather than block the publisher.
func (m *Memory) Pub(_ context.Context, topic string, payload []byte) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	msg := Message{Topic: topic, Payload: p}

	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for sub := range m.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

func (m *Memory) Sub(_ context.Context, topic string) (Subscription, error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		store: m,
		topic: topic,
		ch:    make(chan Message, subscriberBuffer),
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Name() string { return NameMemory }

func (m *Memory) Close() error {
	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		return nil
	}
	m.closed = true
	for topic, subs := range m.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(m.subs, topic)
	}
	m.subMu.Unlock()

	close(m.stopCh)
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// memorySub is one topic subscription on the fallback store.
type memorySub struct {
	store *Memory
	topic string
	ch    chan Message
	once  sync.Once
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.store.subMu.Lock()
		defer s.store.subMu.Unlock()
		if subs, ok := s.store.subs[s.topic]; ok {
			if _, member := subs[s]; member {
				delete(subs, s)
				close(s.ch)
				if len(subs) == 0 {
					delete(s.store.subs, s.topic)
				}
			}
		}
	})
	return nil
}
