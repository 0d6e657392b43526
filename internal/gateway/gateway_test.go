package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

func newTestGateway(t *testing.T, h http.Handler, timeout time.Duration) (*Gateway, *RateWindow) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	w := NewRateWindow(time.Minute, 100, 0)
	g := New(Config{BaseURL: srv.URL, Timeout: timeout}, w, srv.Client(), nil)
	return g, w
}

func marketParams() url.Values {
	return url.Values{"vs_currency": {"usd"}, "per_page": {"10"}, "page": {"1"}}
}

func TestGateway_DeduplicatesConcurrentCalls(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	g, w := newTestGateway(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		rw.Write([]byte(`[{"id":"bitcoin"}]`))
	}), time.Second*5)

	key := CanonicalKey("/coins/markets", marketParams())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Fetch(ctx, "/coins/markets", marketParams())
		}(i)
	}

	require.Eventually(t, func() bool { return g.Waiters(key) == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, w.Len())
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `[{"id":"bitcoin"}]`, string(results[i]))
	}
	assert.Equal(t, 0, g.InFlight())
}

func TestGateway_SharedRejection(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	g, _ := newTestGateway(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		rw.Header().Set("Retry-After", "30")
		rw.WriteHeader(http.StatusTooManyRequests)
	}), 5*time.Second)

	key := CanonicalKey("/coins/markets", marketParams())
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Fetch(context.Background(), "/coins/markets", marketParams())
		}(i)
	}
	require.Eventually(t, func() bool { return g.Waiters(key) == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, err := range errs {
		var rl *domain.RateLimitedError
		require.True(t, errors.As(err, &rl))
		assert.True(t, rl.Upstream)
		assert.Equal(t, 30*time.Second, rl.Wait)
		assert.False(t, errors.Is(err, domain.ErrNetwork))
	}
}

func TestGateway_RateLimitedWithoutRetryAfter(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusTooManyRequests)
	}), time.Second)

	_, err := g.Fetch(context.Background(), "/coins/markets", nil)

	assert.True(t, errors.Is(err, domain.ErrRateLimited))
	var rl *domain.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 60*time.Second, rl.Wait)
	assert.Equal(t, 0, g.InFlight())
}

func TestGateway_RateLimitedZeroRetryAfterStillWaits(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Retry-After", "0")
		rw.WriteHeader(http.StatusTooManyRequests)
	}), time.Second)

	_, err := g.Fetch(context.Background(), "/coins/markets", nil)

	var rl *domain.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, time.Second, rl.Wait)
	assert.Equal(t, 1, rl.WaitSeconds())
}

func TestGateway_TimeoutIsNetworkError(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}), 50*time.Millisecond)

	_, err := g.Fetch(context.Background(), "/coins/markets", nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNetwork))
	assert.False(t, errors.Is(err, domain.ErrRateLimited))
	var ne *domain.NetworkError
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout)
	assert.Equal(t, 0, g.InFlight())
}

func TestGateway_TransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	g := New(Config{BaseURL: base, Timeout: time.Second}, NewRateWindow(time.Minute, 10, 0), nil, nil)
	_, err := g.Fetch(context.Background(), "/coins/markets", nil)

	assert.True(t, errors.Is(err, domain.ErrNetwork))
	assert.Equal(t, 0, g.InFlight())
}

func TestGateway_CancelAbortsUnderlyingCall(t *testing.T) {
	aborted := make(chan struct{})
	started := make(chan struct{})
	g, _ := newTestGateway(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(aborted)
	}), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := g.Fetch(ctx, "/coins/bitcoin/market_chart", url.Values{"days": {"7"}})
		errc <- err
	}()

	<-started
	cancel()

	err := <-errc
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, domain.ErrNetwork))

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
	require.Eventually(t, func() bool { return g.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestGateway_CancelOneWaiterKeepsCall(t *testing.T) {
	release := make(chan struct{})
	g, _ := newTestGateway(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-release
		rw.Write([]byte(`{"ok":true}`))
	}), 5*time.Second)

	key := CanonicalKey("/ping", nil)
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := g.Fetch(ctx, "/ping", nil)
		first <- err
	}()
	require.Eventually(t, func() bool { return g.Waiters(key) == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan []byte, 1)
	go func() {
		body, _ := g.Fetch(context.Background(), "/ping", nil)
		second <- body
	}()
	require.Eventually(t, func() bool { return g.Waiters(key) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-first, context.Canceled))
	assert.Equal(t, 1, g.Waiters(key))

	close(release)
	assert.JSONEq(t, `{"ok":true}`, string(<-second))
}

func TestGateway_UpstreamErrorStatus(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "boom", http.StatusInternalServerError)
	}), time.Second)

	_, err := g.Fetch(context.Background(), "/coins/markets", nil)

	var ue *domain.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusInternalServerError, ue.Status)
	assert.Equal(t, 0, g.InFlight())
}

func TestGateway_FetchAdmittedDeniesWhenWindowFull(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		rw.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	clock := newFakeClock()
	w := NewRateWindow(time.Minute, 2, 0).WithClock(clock.Now)
	g := New(Config{BaseURL: srv.URL, Timeout: time.Second}, w, srv.Client(), nil)

	ctx := context.Background()
	_, err := g.FetchAdmitted(ctx, "/a", nil)
	require.NoError(t, err)
	_, err = g.FetchAdmitted(ctx, "/b", nil)
	require.NoError(t, err)

	_, err = g.FetchAdmitted(ctx, "/c", nil)
	var rl *domain.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.False(t, rl.Upstream)
	assert.Equal(t, time.Minute, rl.Wait)
	assert.Equal(t, int32(2), hits.Load())
	assert.False(t, g.Admit().Allowed)

	clock.Advance(time.Minute)
	_, err = g.FetchAdmitted(ctx, "/c", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestGateway_SendsAPIKey(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("x-cg-demo-api-key")
		rw.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	g := New(Config{BaseURL: srv.URL, APIKey: "secret"}, NewRateWindow(time.Minute, 10, 0), srv.Client(), nil)
	_, err := g.Fetch(context.Background(), "/coins/markets", nil)

	require.NoError(t, err)
	assert.Equal(t, "secret", <-got)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 12*time.Second, parseRetryAfter("12", now, time.Minute))
	assert.Equal(t, time.Minute, parseRetryAfter("", now, time.Minute))
	assert.Equal(t, time.Minute, parseRetryAfter("soon", now, time.Minute))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now, time.Minute))
	assert.Equal(t, time.Second, parseRetryAfter("0", now, time.Minute))
	assert.Equal(t, time.Second, parseRetryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now, time.Minute))
}
