package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

const maxResponseBytes = 8 << 20

const minRetryAfter = time.Second

// Config controls the gateway's upstream endpoint and request budget.
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	// Timeout bounds a single upstream call.
	Timeout time.Duration
	// RetryAfter is reported on a 429 that carries no Retry-After header.
	RetryAfter time.Duration
}

// call is one in-flight upstream request shared by every caller that asked
// for the same canonical key while it was running.
type call struct {
	done    chan struct{}
	val     []byte
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Gateway mediates all calls to the market data API. Identical concurrent
// requests share a single HTTP call, every issued call is counted against
// the rate window before it resolves, and each call is bounded by a timeout.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	window     *RateWindow
	logger     *slog.Logger

	mu          sync.Mutex
	inflight    map[string]*call
	lastRequest time.Time
}

// New creates a Gateway. window may be shared with other gateways that draw
// on the same upstream quota.
func New(cfg Config, window *RateWindow, httpClient *http.Client, logger *slog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 60 * time.Second
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "x-cg-demo-api-key"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: httpClient,
		window:     window,
		logger:     logger.With(slog.String("component", "gateway")),
		inflight:   make(map[string]*call),
	}
}

// Admit runs the pre-flight admission check against the shared window and
// this gateway's last request instant without reserving anything.
func (g *Gateway) Admit() Admission {
	g.mu.Lock()
	last := g.lastRequest
	g.mu.Unlock()
	return g.window.CanMakeRequest(last)
}

// Fetch issues a GET for endpoint with params, joining an identical request
// already in flight. It does not consult the admission check; the upstream
// remains the final authority through its own 429 responses.
//
// The returned slice is shared between joined callers and must not be
// modified.
func (g *Gateway) Fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	return g.fetch(ctx, endpoint, params, false)
}

// FetchAdmitted is Fetch preceded by the admission check. A denied request
// fails with *domain.RateLimitedError without touching the network. Joining
// an in-flight call never needs admission since it costs no quota.
func (g *Gateway) FetchAdmitted(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	return g.fetch(ctx, endpoint, params, true)
}

// Waiters returns how many callers are waiting on the in-flight call for key.
func (g *Gateway) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.inflight[key]; ok {
		return c.waiters
	}
	return 0
}

// InFlight returns the number of distinct upstream calls currently running.
func (g *Gateway) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

func (g *Gateway) fetch(ctx context.Context, endpoint string, params url.Values, admit bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := CanonicalKey(endpoint, params)

	g.mu.Lock()
	if c, ok := g.inflight[key]; ok {
		c.waiters++
		g.mu.Unlock()
		g.logger.DebugContext(ctx, "gateway: joined in-flight request", slog.String("key", key))
		return g.wait(ctx, key, c)
	}
	if admit {
		if a := g.window.CanMakeRequest(g.lastRequest); !a.Allowed {
			g.mu.Unlock()
			return nil, &domain.RateLimitedError{Wait: a.Wait}
		}
	}

	// Reserve the slot before the call resolves so near-simultaneous
	// requests are counted.
	now := g.window.Now()
	g.window.Record(now)
	g.lastRequest = now

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
	c := &call{done: make(chan struct{}), waiters: 1, cancel: cancel}
	g.inflight[key] = c
	g.mu.Unlock()

	go g.run(callCtx, key, c, endpoint, params)
	return g.wait(ctx, key, c)
}

// run executes the upstream call and always releases the in-flight slot.
func (g *Gateway) run(ctx context.Context, key string, c *call, endpoint string, params url.Values) {
	defer func() {
		g.mu.Lock()
		if g.inflight[key] == c {
			delete(g.inflight, key)
		}
		g.mu.Unlock()
		close(c.done)
		c.cancel()
	}()
	c.val, c.err = g.do(ctx, endpoint, params)
}

// wait blocks until the shared call finishes or ctx ends. When the last
// waiter leaves, the underlying HTTP call is cancelled.
func (g *Gateway) wait(ctx context.Context, key string, c *call) ([]byte, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		g.mu.Lock()
		c.waiters--
		abandoned := c.waiters == 0
		if abandoned && g.inflight[key] == c {
			delete(g.inflight, key)
		}
		g.mu.Unlock()
		if abandoned {
			c.cancel()
			g.logger.DebugContext(ctx, "gateway: request abandoned", slog.String("key", key))
		}
		return nil, ctx.Err()
	}
}

func (g *Gateway) do(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	target := strings.TrimRight(g.cfg.BaseURL, "/") + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set(g.cfg.APIKeyHeader, g.cfg.APIKey)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, g.transportError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, g.transportError(ctx, endpoint, err)
	}

	g.logger.DebugContext(ctx, "gateway: upstream response",
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now(), g.cfg.RetryAfter)
		g.logger.WarnContext(ctx, "gateway: upstream rate limited",
			slog.String("endpoint", endpoint),
			slog.Duration("retry_after", wait),
		)
		return nil, &domain.RateLimitedError{Wait: wait, Upstream: true}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &domain.UpstreamError{Status: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

// transportError classifies a failed round trip. Explicit cancellation is
// returned as context.Canceled and never as a network error.
func (g *Gateway) transportError(ctx context.Context, endpoint string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return context.Canceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &domain.NetworkError{Op: endpoint, Timeout: true, Err: err}
	}
	var ne net.Error
	timeout := errors.As(err, &ne) && ne.Timeout()
	g.logger.WarnContext(ctx, "gateway: transport failure",
		slog.String("endpoint", endpoint),
		slog.String("error", err.Error()),
	)
	return &domain.NetworkError{Op: endpoint, Timeout: timeout, Err: err}
}

// parseRetryAfter reads seconds or an HTTP-date. The result is never below
// minRetryAfter so a rate-limited reply always carries a wait.
func parseRetryAfter(v string, now time.Time, fallback time.Duration) time.Duration {
	return max(retryAfter(v, now, fallback), minRetryAfter)
}

func retryAfter(v string, now time.Time, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
