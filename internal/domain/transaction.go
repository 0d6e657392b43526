package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TxType distinguishes purchases from disposals in the ledger.
type TxType string

const (
	TxBuy  TxType = "buy"
	TxSell TxType = "sell"
)

// Transaction is an immutable record of one buy or sell event. Transactions
// are appended and deleted, never updated in place.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	CoinID    string          `json:"coin_id"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Type      TxType          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	// Seq is the store-assigned insertion sequence used to break timestamp ties.
	Seq int64 `json:"-"`
}

// Validate checks that the transaction is well formed.
func (t Transaction) Validate() error {
	var errs []string
	if strings.TrimSpace(t.ID) == "" {
		errs = append(errs, "id is required")
	}
	if strings.TrimSpace(t.UserID) == "" {
		errs = append(errs, "user_id is required")
	}
	if strings.TrimSpace(t.CoinID) == "" {
		errs = append(errs, "coin_id is required")
	}
	if !t.Amount.IsPositive() {
		errs = append(errs, "amount must be positive")
	}
	if t.Price.IsNegative() {
		errs = append(errs, "price must not be negative")
	}
	if t.Type != TxBuy && t.Type != TxSell {
		errs = append(errs, fmt.Sprintf("unknown type %q", t.Type))
	}
	if t.Timestamp.IsZero() {
		errs = append(errs, "timestamp is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTransaction, strings.Join(errs, "; "))
	}
	return nil
}

// Before reports whether t precedes u in ledger order: by timestamp, then by
// insertion sequence, then by id.
func (t Transaction) Before(u Transaction) bool {
	if !t.Timestamp.Equal(u.Timestamp) {
		return t.Timestamp.Before(u.Timestamp)
	}
	if t.Seq != u.Seq {
		return t.Seq < u.Seq
	}
	return t.ID < u.ID
}

// SortChronological orders txs oldest first in ledger order.
func SortChronological(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Before(txs[j])
	})
}

// PageOpts selects one page of a user's transaction history, newest first.
type PageOpts struct {
	Limit  int
	Cursor string
}

// TransactionPage is one page of history. NextCursor is empty on the last page.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"next_cursor,omitempty"`
}
