package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

func TestQuoteCache_ExpiresPerEntry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewQuoteCache().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "list", []byte("a"), time.Minute))
	require.NoError(t, c.Set(ctx, "chart", []byte("b"), 10*time.Minute))

	body, storedAt, err := c.Get(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "a", string(body))
	assert.Equal(t, now, storedAt)

	now = now.Add(2 * time.Minute)
	_, _, err = c.Get(ctx, "list")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	body, _, err = c.Get(ctx, "chart")
	require.NoError(t, err)
	assert.Equal(t, "b", string(body))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	exact, err := b.Subscribe(ctx, "portfolio:u1")
	require.NoError(t, err)
	pattern, err := b.Subscribe(ctx, "portfolio:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "portfolio:u1", []byte("x")))
	require.NoError(t, b.Publish(context.Background(), "portfolio:u2", []byte("y")))

	assert.Equal(t, "x", string(<-exact))
	assert.Equal(t, "x", string(<-pattern))
	assert.Equal(t, "y", string(<-pattern))

	cancel()
	_, ok := <-exact
	assert.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	r := NewRateLimiter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := r.Allow(ctx, "ip", 2, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := r.Allow(ctx, "ip", 2, time.Second)
	assert.False(t, ok)

	ok, _ = r.Allow(ctx, "other", 2, time.Second)
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = r.Allow(ctx, "ip", 2, time.Second)
	assert.True(t, ok)
}

func TestLockManager_Acquire(t *testing.T) {
	l := NewLockManager()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "export:u1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "export:u1", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	release()
	release()

	_, err = l.Acquire(ctx, "export:u1", time.Minute)
	assert.NoError(t, err)
}
