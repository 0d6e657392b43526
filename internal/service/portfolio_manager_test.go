package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinledger/internal/domain"
	"github.com/alanyoungcy/coinledger/internal/feed"
)

type fakeQuotes struct {
	mu       sync.Mutex
	prices   map[string]domain.Quote
	err      error
	calls    int
	chartErr error
	// blockFirst holds the first MarketChart call until its context ends.
	blockFirst bool
	chartCalls int
}

func (f *fakeQuotes) Quotes(_ context.Context, _ string, ids []string) (map[string]domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]domain.Quote)
	for _, id := range ids {
		if q, ok := f.prices[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (f *fakeQuotes) MarketChart(ctx context.Context, coinID, currency string, days int) (domain.Chart, error) {
	f.mu.Lock()
	f.chartCalls++
	block := f.blockFirst && f.chartCalls == 1
	chartErr := f.chartErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return domain.Chart{}, ctx.Err()
	}
	if chartErr != nil {
		return domain.Chart{}, chartErr
	}
	return domain.Chart{
		CoinID:   coinID,
		Currency: currency,
		Days:     days,
		Points:   []domain.ChartPoint{{Time: time.Unix(0, 0).UTC(), Price: 1}},
	}, nil
}

func (f *fakeQuotes) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newTestManager(t *testing.T, quotes *fakeQuotes) (*PortfolioManager, testLedger) {
	t.Helper()
	l := newTestLedger(t)
	sub := feed.NewSubscriber(l.bus, l.store, nil)
	m := NewPortfolioManager("u1", sub, quotes, l.svc, ManagerOptions{Currency: "usd", TopN: 3}, nil)
	t.Cleanup(m.Close)
	return m, l
}

func TestPortfolioManager_TracksDocumentAndQuotes(t *testing.T) {
	quotes := &fakeQuotes{prices: map[string]domain.Quote{
		"bitcoin": {ID: "bitcoin", Symbol: "btc", CurrentPrice: 200},
	}}
	m, l := newTestManager(t, quotes)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	_, err := l.svc.AddAsset(ctx, "u1", "bitcoin", dec("2"), dec("100"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := m.Summary()
		return len(s.Assets) == 1 && s.Assets[0].Priced
	}, time.Second, 5*time.Millisecond)

	s := m.Summary()
	assert.True(t, s.Totals.Value.Equal(dec("400")))
	assert.True(t, s.Totals.Profit.Equal(dec("200")))
	assert.Empty(t, m.State().Error)
}

func TestPortfolioManager_RateLimitedRefreshKeepsHoldings(t *testing.T) {
	quotes := &fakeQuotes{prices: map[string]domain.Quote{}}
	m, l := newTestManager(t, quotes)
	ctx := context.Background()

	_, err := l.svc.AddAsset(ctx, "u1", "eth", dec("1"), dec("50"))
	require.NoError(t, err)

	quotes.setErr(&domain.RateLimitedError{Wait: 1500 * time.Millisecond})
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool { return m.Err() != nil }, time.Second, 5*time.Millisecond)

	st := m.State()
	assert.Equal(t, 2, st.RetryIn)
	require.Len(t, st.Document.Assets, 1)
	require.Len(t, st.Summary.Assets, 1)
	assert.False(t, st.Summary.Assets[0].Priced)
	assert.True(t, st.Summary.Totals.Value.Equal(dec("50")))
}

func TestPortfolioManager_CancelledRefreshIsNotAnError(t *testing.T) {
	quotes := &fakeQuotes{}
	m, l := newTestManager(t, quotes)
	ctx := context.Background()

	_, err := l.svc.AddToWatchlist(ctx, "u1", "bitcoin")
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool { return len(m.State().Document.Watchlist) == 1 }, time.Second, 5*time.Millisecond)

	quotes.setErr(context.Canceled)
	require.NoError(t, m.RefreshQuotes(ctx))
	assert.NoError(t, m.Err())
}

func TestPortfolioManager_SelectChartSupersedesPrevious(t *testing.T) {
	quotes := &fakeQuotes{blockFirst: true}
	m, _ := newTestManager(t, quotes)
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := m.SelectChart(ctx, "bitcoin", 7)
		firstErr <- err
	}()

	// Wait until the first fetch is in flight before superseding it.
	require.Eventually(t, func() bool {
		quotes.mu.Lock()
		defer quotes.mu.Unlock()
		return quotes.chartCalls == 1
	}, time.Second, 5*time.Millisecond)

	chart, err := m.SelectChart(ctx, "eth", 30)
	require.NoError(t, err)
	assert.Equal(t, "eth", chart.CoinID)

	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("first chart fetch did not return")
	}

	st := m.State()
	require.NotNil(t, st.Chart)
	assert.Equal(t, "eth", st.Chart.CoinID)
	assert.Empty(t, st.Error)
}

func TestPortfolioManager_ChartFailureSetsError(t *testing.T) {
	quotes := &fakeQuotes{chartErr: &domain.NetworkError{Op: "GET /coins/x/market_chart", Timeout: true}}
	m, _ := newTestManager(t, quotes)

	_, err := m.SelectChart(context.Background(), "x", 1)
	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.ErrorIs(t, m.Err(), domain.ErrNetwork)
	assert.Nil(t, m.State().Chart)
}

func TestPortfolioManager_DeleteTransactionConflict(t *testing.T) {
	quotes := &fakeQuotes{}
	m, l := newTestManager(t, quotes)
	ctx := context.Background()

	buy, err := l.svc.AddAsset(ctx, "u1", "ada", dec("10"), dec("1"))
	require.NoError(t, err)
	_, err = l.svc.RemoveAsset(ctx, "u1", "ada", dec("5"), dec("2"))
	require.NoError(t, err)

	err = m.DeleteTransaction(ctx, buy.ID)
	require.ErrorIs(t, err, domain.ErrConflictingHistory)
}

func TestPortfolioManager_OnChange(t *testing.T) {
	quotes := &fakeQuotes{prices: map[string]domain.Quote{"eth": {ID: "eth", CurrentPrice: 10}}}
	m, l := newTestManager(t, quotes)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		states []State
	)
	m.OnChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	require.NoError(t, m.Start(ctx))

	_, err := l.svc.AddToWatchlist(ctx, "u1", "eth")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if len(s.Watchlist) == 1 && s.Watchlist[0].ID == "eth" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
