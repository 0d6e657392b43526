package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// QuoteCache implements domain.QuoteCache using Redis hashes. Each entry is
// stored at "quote:{key}" with fields "body" and "ts" (Unix nanoseconds) and
// expires through the key TTL.
type QuoteCache struct {
	c *Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{c: c}
}

// Get returns the cached body and its store instant, or domain.ErrNotFound.
func (qc *QuoteCache) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	vals, err := qc.c.rdb.HGetAll(ctx, qc.c.key("quote:", key)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get quote %s: %w", key, err)
	}
	body, ok := vals["body"]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse quote ts %s: %w", key, err)
	}
	return []byte(body), time.Unix(0, tsNano), nil
}

// Set stores body under key with its own TTL.
func (qc *QuoteCache) Set(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	k := qc.c.key("quote:", key)
	_, err := qc.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, map[string]interface{}{
			"body": body,
			"ts":   strconv.FormatInt(time.Now().UnixNano(), 10),
		})
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set quote %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
