package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/coinledger/internal/domain"
	"github.com/alanyoungcy/coinledger/internal/ledger"
	"github.com/alanyoungcy/coinledger/internal/portfolio"
)

// QuoteSource supplies live quotes and price history.
type QuoteSource interface {
	Quotes(ctx context.Context, currency string, coinIDs []string) (map[string]domain.Quote, error)
	MarketChart(ctx context.Context, coinID, currency string, days int) (domain.Chart, error)
}

// DocumentFeed delivers document snapshots on every change.
type DocumentFeed interface {
	SubscribeDocument(ctx context.Context, userID string, onData func(domain.UserDocument), onError func(error)) (func(), error)
}

// Deleter is the reconciliation-guarded delete path.
type Deleter interface {
	DeleteTransaction(ctx context.Context, userID, txID string) (ledger.Reconciliation, error)
}

// ManagerOptions configures a PortfolioManager.
type ManagerOptions struct {
	Currency string
	TopN     int
}

// State is a point-in-time view of everything the manager holds.
type State struct {
	UserID    string              `json:"user_id"`
	Document  domain.UserDocument `json:"document"`
	Summary   portfolio.Summary   `json:"summary"`
	Watchlist []domain.Quote      `json:"watchlist"`
	QuotesAt  time.Time           `json:"quotes_at"`
	Chart     *domain.Chart       `json:"chart,omitempty"`
	Error     string              `json:"error,omitempty"`
	// RetryIn is set when the last refresh was rate limited.
	RetryIn int `json:"retry_in,omitempty"`
}

// PortfolioManager holds one user's live portfolio state: the subscribed
// document, the latest quotes, and the selected chart. Holdings are taken as
// authoritative from the store; FIFO only runs through the delete path.
type PortfolioManager struct {
	userID   string
	currency string
	topN     int

	docs    DocumentFeed
	quotes  QuoteSource
	deleter Deleter
	logger  *slog.Logger

	mu          sync.RWMutex
	doc         domain.UserDocument
	prices      map[string]domain.Quote
	pricesAt    time.Time
	lastErr     error
	chart       *domain.Chart
	chartCancel context.CancelFunc
	chartSeq    uint64
	listeners   []func(State)
	unsubscribe func()
}

// NewPortfolioManager creates a manager for userID. Call Start to begin
// receiving document updates.
func NewPortfolioManager(userID string, docs DocumentFeed, quotes QuoteSource, deleter Deleter, opts ManagerOptions, logger *slog.Logger) *PortfolioManager {
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if opts.TopN <= 0 {
		opts.TopN = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PortfolioManager{
		userID:   userID,
		currency: opts.Currency,
		topN:     opts.TopN,
		docs:     docs,
		quotes:   quotes,
		deleter:  deleter,
		logger:   logger.With(slog.String("component", "portfolio_manager"), slog.String("user_id", userID)),
		doc:      domain.UserDocument{UserID: userID},
		prices:   make(map[string]domain.Quote),
	}
}

// OnChange registers fn to receive the state after every change. Listeners
// run on the goroutine that caused the change.
func (m *PortfolioManager) OnChange(fn func(State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Start subscribes to the user's document. Each snapshot replaces the held
// document and triggers a quote refresh.
func (m *PortfolioManager) Start(ctx context.Context) error {
	unsubscribe, err := m.docs.SubscribeDocument(ctx, m.userID,
		func(doc domain.UserDocument) {
			m.mu.Lock()
			m.doc = doc
			m.mu.Unlock()
			m.notify()
			if err := m.RefreshQuotes(ctx); err != nil {
				m.logger.DebugContext(ctx, "portfolio_manager: refresh after update failed",
					slog.String("error", err.Error()),
				)
			}
		},
		func(err error) {
			m.setErr(err)
		},
	)
	if err != nil {
		return fmt.Errorf("portfolio_manager: start: %w", err)
	}
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
	return nil
}

// RefreshQuotes fetches quotes for every held and watched coin. Rate-limit
// and network failures are recorded as the error state; cancellation is not.
func (m *PortfolioManager) RefreshQuotes(ctx context.Context) error {
	ids := m.coinIDs()
	if len(ids) == 0 {
		return nil
	}

	quotes, err := m.quotes.Quotes(ctx, m.currency, ids)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		m.setErr(err)
		return fmt.Errorf("portfolio_manager: refresh quotes: %w", err)
	}

	m.mu.Lock()
	for id, q := range quotes {
		m.prices[id] = q
	}
	m.pricesAt = time.Now().UTC()
	m.lastErr = nil
	m.mu.Unlock()
	m.notify()
	return nil
}

// SelectChart loads the price history for coinID over days, cancelling any
// chart fetch still in progress. A superseded or cancelled fetch leaves both
// the chart and the error state untouched.
func (m *PortfolioManager) SelectChart(ctx context.Context, coinID string, days int) (domain.Chart, error) {
	chartCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.chartCancel != nil {
		m.chartCancel()
	}
	m.chartCancel = cancel
	m.chartSeq++
	seq := m.chartSeq
	m.mu.Unlock()

	chart, err := m.quotes.MarketChart(chartCtx, coinID, m.currency, days)

	m.mu.Lock()
	current := m.chartSeq == seq
	if current {
		m.chartCancel = nil
	}
	m.mu.Unlock()
	cancel()

	if err != nil {
		if errors.Is(err, context.Canceled) || !current {
			return domain.Chart{}, context.Canceled
		}
		m.setErr(err)
		return domain.Chart{}, fmt.Errorf("portfolio_manager: select chart: %w", err)
	}
	if !current {
		return domain.Chart{}, context.Canceled
	}

	m.mu.Lock()
	m.chart = &chart
	m.mu.Unlock()
	m.notify()
	return chart, nil
}

// DeleteTransaction runs the reconciliation-guarded delete. The refreshed
// document arrives through the subscription.
func (m *PortfolioManager) DeleteTransaction(ctx context.Context, txID string) error {
	if _, err := m.deleter.DeleteTransaction(ctx, m.userID, txID); err != nil {
		return fmt.Errorf("portfolio_manager: %w", err)
	}
	return nil
}

// Summary derives statistics from the current holdings and quotes.
func (m *PortfolioManager) Summary() portfolio.Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return portfolio.Derive(m.doc.Assets, m.prices, m.topN)
}

// State returns a snapshot of the manager's state.
func (m *PortfolioManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

// Err returns the last recorded refresh failure, if any.
func (m *PortfolioManager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Close stops the subscription and any chart fetch.
func (m *PortfolioManager) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	if m.chartCancel != nil {
		m.chartCancel()
		m.chartCancel = nil
	}
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *PortfolioManager) stateLocked() State {
	st := State{
		UserID:   m.userID,
		Document: m.doc.Clone(),
		Summary:  portfolio.Derive(m.doc.Assets, m.prices, m.topN),
		QuotesAt: m.pricesAt,
	}
	for _, id := range m.doc.Watchlist {
		if q, ok := m.prices[id]; ok {
			st.Watchlist = append(st.Watchlist, q)
		}
	}
	if m.chart != nil {
		c := *m.chart
		st.Chart = &c
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
		var rl *domain.RateLimitedError
		if errors.As(m.lastErr, &rl) {
			st.RetryIn = rl.WaitSeconds()
		}
	}
	return st
}

func (m *PortfolioManager) coinIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, h := range m.doc.Assets {
		seen[h.ID] = struct{}{}
	}
	for _, id := range m.doc.Watchlist {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *PortfolioManager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.notify()
}

func (m *PortfolioManager) notify() {
	m.mu.RLock()
	listeners := slices.Clone(m.listeners)
	st := m.stateLocked()
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(st)
	}
}
