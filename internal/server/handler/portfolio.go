package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/coinledger/internal/domain"
	"github.com/alanyoungcy/coinledger/internal/ledger"
	"github.com/alanyoungcy/coinledger/internal/portfolio"
)

// LedgerService is the write and read side of a user's ledger.
type LedgerService interface {
	Document(ctx context.Context, userID string) (domain.UserDocument, error)
	ListTransactions(ctx context.Context, userID string, opts domain.PageOpts) (domain.TransactionPage, error)
	AddAsset(ctx context.Context, userID, coinID string, amount, price decimal.Decimal) (domain.Transaction, error)
	RemoveAsset(ctx context.Context, userID, coinID string, amount, marketPrice decimal.Decimal) (domain.Transaction, error)
	DeleteTransaction(ctx context.Context, userID, txID string) (ledger.Reconciliation, error)
	AddToWatchlist(ctx context.Context, userID, coinID string) (domain.UserDocument, error)
	RemoveFromWatchlist(ctx context.Context, userID, coinID string) (domain.UserDocument, error)
}

// QuoteService looks up current prices.
type QuoteService interface {
	Quotes(ctx context.Context, currency string, coinIDs []string) (map[string]domain.Quote, error)
}

// PortfolioOptions holds presentation defaults.
type PortfolioOptions struct {
	Currency string
	TopN     int
	PageSize int
}

// PortfolioHandler serves holdings, statistics, history and watchlist
// endpoints.
type PortfolioHandler struct {
	ledger LedgerService
	quotes QuoteService
	opts   PortfolioOptions
	logger *slog.Logger
}

// NewPortfolioHandler creates a PortfolioHandler.
func NewPortfolioHandler(ledger LedgerService, quotes QuoteService, opts PortfolioOptions, logger *slog.Logger) *PortfolioHandler {
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if opts.TopN <= 0 {
		opts.TopN = 5
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	return &PortfolioHandler{ledger: ledger, quotes: quotes, opts: opts, logger: logHandler(logger, "portfolio")}
}

// GetPortfolio returns the user's holdings and watchlist.
// GET /api/portfolio?user=
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	doc, err := h.ledger.Document(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, h.logger, "get portfolio", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type statsResponse struct {
	portfolio.Summary
	Currency   string         `json:"currency"`
	Watchlist  []domain.Quote `json:"watchlist"`
	QuoteError string         `json:"quote_error,omitempty"`
	RetryIn    int            `json:"retry_in,omitempty"`
}

// GetStats returns per-asset and total statistics. When quotes cannot be
// fetched the holdings are still returned, valued at cost, with the reason.
// GET /api/portfolio/stats?user=&currency=
func (h *PortfolioHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	doc, err := h.ledger.Document(ctx, user)
	if err != nil {
		writeServiceError(w, r, h.logger, "get stats", err)
		return
	}

	currency := h.opts.Currency
	if c := strings.TrimSpace(r.URL.Query().Get("currency")); c != "" {
		currency = strings.ToLower(c)
	}

	resp := statsResponse{Currency: currency, Watchlist: []domain.Quote{}}
	ids := make([]string, 0, len(doc.Assets)+len(doc.Watchlist))
	for _, a := range doc.Assets {
		ids = append(ids, a.ID)
	}
	ids = append(ids, doc.Watchlist...)

	quotes := map[string]domain.Quote{}
	if len(ids) > 0 {
		quotes, err = h.quotes.Quotes(ctx, currency, ids)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			resp.QuoteError = err.Error()
			var rl *domain.RateLimitedError
			if errors.As(err, &rl) {
				resp.RetryIn = rl.WaitSeconds()
			}
			quotes = map[string]domain.Quote{}
		}
	}

	resp.Summary = portfolio.Derive(doc.Assets, quotes, h.opts.TopN)
	for _, id := range doc.Watchlist {
		if q, ok := quotes[id]; ok {
			resp.Watchlist = append(resp.Watchlist, q)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTransactions returns one page of history, newest first.
// GET /api/transactions?user=&cursor=&limit=
func (h *PortfolioHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	page, err := h.ledger.ListTransactions(r.Context(), user, parsePageOpts(r, h.opts.PageSize))
	if err != nil {
		writeServiceError(w, r, h.logger, "list transactions", err)
		return
	}
	if page.Transactions == nil {
		page.Transactions = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, page)
}

type addAssetRequest struct {
	CoinID string          `json:"coin_id"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// AddAsset records a buy.
// POST /api/assets
func (h *PortfolioHandler) AddAsset(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req addAssetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.CoinID) == "" {
		writeError(w, http.StatusBadRequest, "coin_id is required")
		return
	}

	tx, err := h.ledger.AddAsset(r.Context(), user, req.CoinID, req.Amount, req.Price)
	if err != nil {
		writeServiceError(w, r, h.logger, "add asset", err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type sellAssetRequest struct {
	Amount decimal.Decimal `json:"amount"`
	// Price defaults to the current market price.
	Price decimal.NullDecimal `json:"price"`
}

// SellAsset records a sell at the given or current market price.
// POST /api/assets/{coin}/sell
func (h *PortfolioHandler) SellAsset(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	coin := pathParam(r, "coin")
	if coin == "" {
		writeError(w, http.StatusBadRequest, "missing coin id")
		return
	}
	var req sellAssetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	price := req.Price.Decimal
	if !req.Price.Valid {
		quotes, err := h.quotes.Quotes(r.Context(), h.opts.Currency, []string{coin})
		if err != nil {
			writeServiceError(w, r, h.logger, "sell asset", err)
			return
		}
		q, ok := quotes[coin]
		if !ok {
			writeError(w, http.StatusBadRequest, "no market price for "+coin+"; pass price explicitly")
			return
		}
		price = decimal.NewFromFloat(q.CurrentPrice)
	}

	tx, err := h.ledger.RemoveAsset(r.Context(), user, coin, req.Amount, price)
	if err != nil {
		writeServiceError(w, r, h.logger, "sell asset", err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type deleteTransactionResponse struct {
	Status         string          `json:"status"`
	TxID           string          `json:"tx_id"`
	HoldingRemoved bool            `json:"holding_removed"`
	Holding        *domain.Holding `json:"holding,omitempty"`
}

// DeleteTransaction removes a transaction if the remaining history stays
// consistent. A conflict is reported as 409 with the offending sell.
// DELETE /api/transactions/{id}?user=
func (h *PortfolioHandler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing transaction id")
		return
	}

	rec, err := h.ledger.DeleteTransaction(r.Context(), user, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "delete transaction", err)
		return
	}
	resp := deleteTransactionResponse{Status: "deleted", TxID: id, HoldingRemoved: rec.Remove}
	if !rec.Remove {
		resp.Holding = &rec.Holding
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddToWatchlist adds a coin to the watchlist.
// PUT /api/watchlist/{coin}?user=
func (h *PortfolioHandler) AddToWatchlist(w http.ResponseWriter, r *http.Request) {
	h.watchlist(w, r, h.ledger.AddToWatchlist)
}

// RemoveFromWatchlist drops a coin from the watchlist.
// DELETE /api/watchlist/{coin}?user=
func (h *PortfolioHandler) RemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	h.watchlist(w, r, h.ledger.RemoveFromWatchlist)
}

func (h *PortfolioHandler) watchlist(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (domain.UserDocument, error)) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	coin := pathParam(r, "coin")
	if coin == "" {
		writeError(w, http.StatusBadRequest, "missing coin id")
		return
	}
	doc, err := op(r.Context(), user, coin)
	if err != nil {
		writeServiceError(w, r, h.logger, "update watchlist", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("handler", handler))
}
