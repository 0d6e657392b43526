// Package market is the market data client. It layers a per-request TTL
// cache over the gateway so cache hits skip both the admission check and the
// network.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/coinledger/internal/domain"
	"github.com/alanyoungcy/coinledger/internal/gateway"
)

// Fetcher is the subset of the gateway used by the client.
type Fetcher interface {
	FetchAdmitted(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
	Admit() gateway.Admission
}

// Options configures cache lifetimes.
type Options struct {
	ListTTL  time.Duration
	ChartTTL time.Duration
}

// Client fetches market lists and price charts.
type Client struct {
	fetcher  Fetcher
	cache    domain.QuoteCache
	listTTL  time.Duration
	chartTTL time.Duration
	logger   *slog.Logger
}

// New creates a Client. cache may be nil to disable caching.
func New(fetcher Fetcher, cache domain.QuoteCache, opts Options, logger *slog.Logger) *Client {
	if opts.ListTTL <= 0 {
		opts.ListTTL = 2 * time.Minute
	}
	if opts.ChartTTL <= 0 {
		opts.ChartTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		fetcher:  fetcher,
		cache:    cache,
		listTTL:  opts.ListTTL,
		chartTTL: opts.ChartTTL,
		logger:   logger.With(slog.String("component", "market")),
	}
}

// MarketsQuery selects a page of the markets list.
type MarketsQuery struct {
	Currency string
	PerPage  int
	Page     int
	IDs      []string
}

func (q MarketsQuery) params() url.Values {
	p := url.Values{}
	ccy := q.Currency
	if ccy == "" {
		ccy = "usd"
	}
	p.Set("vs_currency", strings.ToLower(ccy))
	if q.PerPage > 0 {
		p.Set("per_page", strconv.Itoa(q.PerPage))
	}
	if q.Page > 0 {
		p.Set("page", strconv.Itoa(q.Page))
	}
	if len(q.IDs) > 0 {
		p.Set("ids", strings.Join(q.IDs, ","))
	}
	return p
}

// Markets returns coin quotes for the given page.
func (c *Client) Markets(ctx context.Context, q MarketsQuery) ([]domain.Quote, error) {
	body, err := c.get(ctx, "/coins/markets", q.params(), c.listTTL)
	if err != nil {
		return nil, fmt.Errorf("market: get markets: %w", err)
	}
	var quotes []domain.Quote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("market: decode markets: %w", err)
	}
	return quotes, nil
}

// Quotes returns quotes for the given coins keyed by coin ID. Coins missing
// from the upstream response are absent from the map.
func (c *Client) Quotes(ctx context.Context, currency string, coinIDs []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote, len(coinIDs))
	if len(coinIDs) == 0 {
		return out, nil
	}
	ids := sortedUnique(append([]string(nil), coinIDs...))
	quotes, err := c.Markets(ctx, MarketsQuery{Currency: currency, PerPage: len(ids), Page: 1, IDs: ids})
	if err != nil {
		return nil, err
	}
	for _, q := range quotes {
		out[q.ID] = q
	}
	return out, nil
}

type chartResponse struct {
	Prices [][2]float64 `json:"prices"`
}

// MarketChart returns a coin's price history over days.
func (c *Client) MarketChart(ctx context.Context, coinID, currency string, days int) (domain.Chart, error) {
	if coinID == "" {
		return domain.Chart{}, fmt.Errorf("market: market chart: coin id is required")
	}
	if currency == "" {
		currency = "usd"
	}
	if days <= 0 {
		days = 7
	}
	params := url.Values{}
	params.Set("vs_currency", strings.ToLower(currency))
	params.Set("days", strconv.Itoa(days))

	body, err := c.get(ctx, "/coins/"+url.PathEscape(coinID)+"/market_chart", params, c.chartTTL)
	if err != nil {
		return domain.Chart{}, fmt.Errorf("market: get chart %s: %w", coinID, err)
	}
	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Chart{}, fmt.Errorf("market: decode chart: %w", err)
	}

	chart := domain.Chart{CoinID: coinID, Currency: currency, Days: days, Points: make([]domain.ChartPoint, 0, len(resp.Prices))}
	for _, p := range resp.Prices {
		chart.Points = append(chart.Points, domain.ChartPoint{
			Time:  time.UnixMilli(int64(p[0])).UTC(),
			Price: p[1],
		})
	}
	return chart, nil
}

// Raw fetches an allowed upstream path and returns the JSON body unchanged.
// It backs the same-origin proxy.
func (c *Client) Raw(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	ttl := c.listTTL
	if strings.HasSuffix(endpoint, "/market_chart") {
		ttl = c.chartTTL
	}
	body, err := c.get(ctx, endpoint, params, ttl)
	if err != nil {
		return nil, fmt.Errorf("market: proxy %s: %w", endpoint, err)
	}
	return body, nil
}

// Admission reports whether a non-cached request would currently be admitted.
func (c *Client) Admission() gateway.Admission {
	return c.fetcher.Admit()
}

// get serves from cache when fresh, otherwise fetches through the gateway and
// stores the result. Cache failures degrade to a plain fetch.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, ttl time.Duration) ([]byte, error) {
	key := gateway.CanonicalKey(endpoint, params)

	if c.cache != nil {
		body, _, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			return body, nil
		case !errors.Is(err, domain.ErrNotFound):
			c.logger.WarnContext(ctx, "market: cache read failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	body, err := c.fetcher.FetchAdmitted(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, body, ttl); err != nil {
			c.logger.WarnContext(ctx, "market: cache write failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	return body, nil
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
