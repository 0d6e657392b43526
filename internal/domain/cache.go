package domain

import (
	"context"
	"time"
)

// QuoteCache holds raw market-data responses keyed by canonical request key.
// Each entry expires independently after the TTL it was stored with.
type QuoteCache interface {
	// Get returns the cached payload and the instant it was stored, or
	// ErrNotFound on a miss or expired entry.
	Get(ctx context.Context, key string) ([]byte, time.Time, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// SignalBus provides pub/sub for change notifications.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of payloads that is closed when ctx ends.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter provides shared sliding-window rate limiting for the HTTP API.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides short-lived mutual exclusion across processes.
type LockManager interface {
	// Acquire returns a release func, or ErrLockHeld if another holder has key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
