package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/coinledger/internal/domain"
	"github.com/alanyoungcy/coinledger/internal/feed"
	"github.com/alanyoungcy/coinledger/internal/ledger"
)

// LedgerService records buys and sells and runs the reconciliation-guarded
// delete. Every write goes through one atomic unit of work in which the
// transaction log and the materialized holding change together.
type LedgerService struct {
	store  domain.LedgerStore
	events *feed.Publisher
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// NewLedgerService creates a LedgerService. events may be nil.
func NewLedgerService(store domain.LedgerStore, events *feed.Publisher, logger *slog.Logger) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerService{
		store:  store,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: logger.With(slog.String("component", "ledger_service")),
	}
}

// WithClock replaces the time source used to stamp new transactions.
func (s *LedgerService) WithClock(now func() time.Time) *LedgerService {
	s.now = now
	return s
}

// AddAsset records a buy of amount coinID at price and rematerializes the
// holding.
func (s *LedgerService) AddAsset(ctx context.Context, userID, coinID string, amount, price decimal.Decimal) (domain.Transaction, error) {
	userID, coinID = strings.TrimSpace(userID), strings.TrimSpace(coinID)
	tx := s.newTransaction(userID, coinID, domain.TxBuy, amount, price)
	if err := tx.Validate(); err != nil {
		return domain.Transaction{}, fmt.Errorf("ledger_service: add asset: %w", err)
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context, ltx domain.LedgerTx) error {
		doc, err := ltx.GetDocument(ctx, userID)
		if err != nil {
			return err
		}
		if err := ltx.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		return s.rematerialize(ctx, ltx, &doc, coinID)
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("ledger_service: add asset: %w", err)
	}

	s.logger.InfoContext(ctx, "ledger_service: asset added",
		slog.String("user_id", userID),
		slog.String("coin_id", coinID),
		slog.String("amount", amount.String()),
		slog.String("tx_id", tx.ID),
	)
	s.publish(ctx, feed.Event{Event: feed.EventAssetAdded, UserID: userID, CoinID: coinID, TxID: tx.ID})
	return tx, nil
}

// RemoveAsset records a sell of amount coinID at the current market price.
// Selling more than is held is rejected before anything is written.
func (s *LedgerService) RemoveAsset(ctx context.Context, userID, coinID string, amount, marketPrice decimal.Decimal) (domain.Transaction, error) {
	userID, coinID = strings.TrimSpace(userID), strings.TrimSpace(coinID)
	tx := s.newTransaction(userID, coinID, domain.TxSell, amount, marketPrice)
	if err := tx.Validate(); err != nil {
		return domain.Transaction{}, fmt.Errorf("ledger_service: remove asset: %w", err)
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context, ltx domain.LedgerTx) error {
		doc, err := ltx.GetDocument(ctx, userID)
		if err != nil {
			return err
		}
		h, ok := doc.Holding(coinID)
		if !ok {
			return fmt.Errorf("%w: no %s holding", domain.ErrInvalidTransaction, coinID)
		}
		if amount.GreaterThan(h.Amount) {
			return fmt.Errorf("%w: selling %s %s but only %s held",
				domain.ErrInvalidTransaction, amount.String(), coinID, h.Amount.String())
		}
		if err := ltx.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		return s.rematerialize(ctx, ltx, &doc, coinID)
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("ledger_service: remove asset: %w", err)
	}

	s.logger.InfoContext(ctx, "ledger_service: asset removed",
		slog.String("user_id", userID),
		slog.String("coin_id", coinID),
		slog.String("amount", amount.String()),
		slog.String("tx_id", tx.ID),
	)
	s.publish(ctx, feed.Event{Event: feed.EventAssetRemoved, UserID: userID, CoinID: coinID, TxID: tx.ID})
	return tx, nil
}

// DeleteTransaction removes a transaction and recomputes the coin's holding
// from the remaining history. Deleting a buy that a later sell depends on is
// refused with *domain.ConflictingHistoryError and nothing is written. The
// holding update and the record deletion commit together.
func (s *LedgerService) DeleteTransaction(ctx context.Context, userID, txID string) (ledger.Reconciliation, error) {
	var (
		rec     ledger.Reconciliation
		deleted domain.Transaction
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context, ltx domain.LedgerTx) error {
		var err error
		deleted, err = ltx.GetTransaction(ctx, userID, txID)
		if err != nil {
			return err
		}
		history, err := ltx.ListCoinTransactions(ctx, userID, deleted.CoinID)
		if err != nil {
			return err
		}
		rec, err = ledger.ReconcileDeletion(history, deleted)
		if err != nil {
			return err
		}

		doc, err := ltx.GetDocument(ctx, userID)
		if err != nil {
			return err
		}
		if rec.Remove {
			doc.RemoveHolding(deleted.CoinID)
		} else {
			doc.SetHolding(rec.Holding)
		}
		doc.UpdatedAt = s.now()
		if err := ltx.PutDocument(ctx, doc); err != nil {
			return err
		}
		return ltx.DeleteTransaction(ctx, userID, txID)
	})
	if err != nil {
		var conflict *domain.ConflictingHistoryError
		if errors.As(err, &conflict) {
			s.logger.InfoContext(ctx, "ledger_service: delete refused",
				slog.String("user_id", userID),
				slog.String("tx_id", txID),
				slog.String("conflicting_sell", conflict.Sell.ID),
			)
		}
		return ledger.Reconciliation{}, fmt.Errorf("ledger_service: delete transaction %s: %w", txID, err)
	}

	s.logger.InfoContext(ctx, "ledger_service: transaction deleted",
		slog.String("user_id", userID),
		slog.String("coin_id", deleted.CoinID),
		slog.String("tx_id", txID),
		slog.Bool("holding_removed", rec.Remove),
	)
	s.publish(ctx, feed.Event{Event: feed.EventTransactionDeleted, UserID: userID, CoinID: deleted.CoinID, TxID: txID})
	return rec, nil
}

// ListTransactions returns one page of history, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, opts domain.PageOpts) (domain.TransactionPage, error) {
	page, err := s.store.ListTransactions(ctx, userID, opts)
	if err != nil {
		return domain.TransactionPage{}, fmt.Errorf("ledger_service: list transactions: %w", err)
	}
	return page, nil
}

// Document returns the user's current holdings and watchlist.
func (s *LedgerService) Document(ctx context.Context, userID string) (domain.UserDocument, error) {
	doc, err := s.store.GetDocument(ctx, userID)
	if err != nil {
		return domain.UserDocument{}, fmt.Errorf("ledger_service: get document: %w", err)
	}
	return doc, nil
}

// AddToWatchlist adds coinID to the user's watchlist. Adding a coin twice is
// a no-op.
func (s *LedgerService) AddToWatchlist(ctx context.Context, userID, coinID string) (domain.UserDocument, error) {
	return s.updateWatchlist(ctx, userID, coinID, true)
}

// RemoveFromWatchlist drops coinID from the user's watchlist.
func (s *LedgerService) RemoveFromWatchlist(ctx context.Context, userID, coinID string) (domain.UserDocument, error) {
	return s.updateWatchlist(ctx, userID, coinID, false)
}

func (s *LedgerService) updateWatchlist(ctx context.Context, userID, coinID string, add bool) (domain.UserDocument, error) {
	coinID = strings.TrimSpace(coinID)
	if coinID == "" || strings.TrimSpace(userID) == "" {
		return domain.UserDocument{}, fmt.Errorf("ledger_service: watchlist: %w: user and coin are required", domain.ErrInvalidTransaction)
	}

	var (
		out     domain.UserDocument
		changed bool
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context, ltx domain.LedgerTx) error {
		doc, err := ltx.GetDocument(ctx, userID)
		if err != nil {
			return err
		}
		changed = false
		switch {
		case add && !doc.Watching(coinID):
			doc.Watchlist = append(doc.Watchlist, coinID)
			changed = true
		case !add && doc.Watching(coinID):
			kept := doc.Watchlist[:0]
			for _, id := range doc.Watchlist {
				if id != coinID {
					kept = append(kept, id)
				}
			}
			doc.Watchlist = kept
			changed = true
		}
		out = doc
		if !changed {
			return nil
		}
		doc.UpdatedAt = s.now()
		out = doc
		return ltx.PutDocument(ctx, doc)
	})
	if err != nil {
		return domain.UserDocument{}, fmt.Errorf("ledger_service: watchlist: %w", err)
	}
	if changed {
		s.publish(ctx, feed.Event{Event: feed.EventWatchlistChanged, UserID: userID, CoinID: coinID})
	}
	return out, nil
}

// rematerialize replays the coin's stored history and writes the resulting
// holding into doc, dropping it when nothing is held.
func (s *LedgerService) rematerialize(ctx context.Context, ltx domain.LedgerTx, doc *domain.UserDocument, coinID string) error {
	history, err := ltx.ListCoinTransactions(ctx, doc.UserID, coinID)
	if err != nil {
		return err
	}
	res := ledger.ComputeFIFO(history)
	if res.NetAmount.IsPositive() {
		doc.SetHolding(domain.Holding{ID: coinID, Amount: res.NetAmount, BuyPrice: res.AverageCost})
	} else {
		doc.RemoveHolding(coinID)
	}
	doc.UpdatedAt = s.now()
	return ltx.PutDocument(ctx, *doc)
}

func (s *LedgerService) newTransaction(userID, coinID string, typ domain.TxType, amount, price decimal.Decimal) domain.Transaction {
	return domain.Transaction{
		ID:        s.newID(),
		UserID:    userID,
		CoinID:    coinID,
		Amount:    amount,
		Price:     price,
		Type:      typ,
		Timestamp: s.now(),
	}
}

func (s *LedgerService) publish(ctx context.Context, ev feed.Event) {
	ev.At = s.now()
	// Failures are logged by the publisher; the write is already durable.
	_ = s.events.Publish(ctx, ev)
}
