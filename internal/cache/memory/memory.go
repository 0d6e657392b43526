// Package memory provides in-process implementations of the cache-layer
// interfaces for single-instance deployments and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

type cacheEntry struct {
	body     []byte
	storedAt time.Time
	expires  time.Time
}

// QuoteCache is a TTL map implementing domain.QuoteCache.
type QuoteCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewQuoteCache creates an empty QuoteCache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{entries: make(map[string]cacheEntry), now: time.Now}
}

// WithClock replaces the time source.
func (c *QuoteCache) WithClock(now func() time.Time) *QuoteCache {
	c.now = now
	return c
}

func (c *QuoteCache) Get(_ context.Context, key string) ([]byte, time.Time, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expires.Equal(e.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, time.Time{}, domain.ErrNotFound
	}
	out := make([]byte, len(e.body))
	copy(out, e.body)
	return out, e.storedAt, nil
}

func (c *QuoteCache) Set(_ context.Context, key string, body []byte, ttl time.Duration) error {
	now := c.now()
	cp := make([]byte, len(body))
	copy(cp, body)
	c.mu.Lock()
	c.entries[key] = cacheEntry{body: cp, storedAt: now, expires: now.Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Bus is an in-process domain.SignalBus. Slow subscribers drop messages
// rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan []byte]struct{})}
}

func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for pattern, set := range b.subs {
		if !matchChannel(pattern, channel) {
			continue
		}
		for ch := range set {
			msg := make([]byte, len(payload))
			copy(msg, payload)
			select {
			case ch <- msg:
			default:
			}
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// matchChannel supports a single trailing "*" wildcard.
func matchChannel(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

// RateLimiter is a per-key sliding window counter.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)
	hits := r.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit {
		r.hits[key] = hits
		return false, nil
	}
	r.hits[key] = append(hits, now)
	return true, nil
}

type lockEntry struct {
	token   string
	expires time.Time
}

// LockManager is an in-process domain.LockManager.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]lockEntry), now: time.Now}
}

func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.locks[key]; ok && now.Before(cur.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.NewString()
	l.locks[key] = lockEntry{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if cur, ok := l.locks[key]; ok && cur.token == token {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

var (
	_ domain.QuoteCache  = (*QuoteCache)(nil)
	_ domain.SignalBus   = (*Bus)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.LockManager = (*LockManager)(nil)
)
