// Package ledger replays a coin's transaction history with FIFO lot matching
// to derive holdings and to validate deletions against later sells.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// Lot is an open purchase lot that has not been fully consumed by sells.
type Lot struct {
	TxID   string
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// FIFOResult is the outcome of replaying a history.
type FIFOResult struct {
	NetAmount   decimal.Decimal
	AverageCost decimal.Decimal
	Lots        []Lot
}

// ComputeFIFO replays txs in chronological order, consuming the oldest open
// lots first on each sell. NetAmount is the running buy-minus-sell total and
// stays authoritative even when sells exceed buys; AverageCost is the
// weighted cost of the open lots divided by NetAmount, or zero when
// NetAmount is not positive.
func ComputeFIFO(txs []domain.Transaction) FIFOResult {
	ordered := chronological(txs)

	var (
		lots []Lot
		head int
		net  = decimal.Zero
	)
	for _, tx := range ordered {
		switch tx.Type {
		case domain.TxBuy:
			lots = append(lots, Lot{TxID: tx.ID, Amount: tx.Amount, Price: tx.Price})
			net = net.Add(tx.Amount)
		case domain.TxSell:
			net = net.Sub(tx.Amount)
			remaining := tx.Amount
			for remaining.IsPositive() && head < len(lots) {
				lot := &lots[head]
				if lot.Amount.LessThanOrEqual(remaining) {
					remaining = remaining.Sub(lot.Amount)
					head++
					continue
				}
				lot.Amount = lot.Amount.Sub(remaining)
				remaining = decimal.Zero
			}
		}
	}

	open := make([]Lot, len(lots)-head)
	copy(open, lots[head:])

	res := FIFOResult{NetAmount: net, AverageCost: decimal.Zero, Lots: open}
	if net.IsPositive() {
		cost := decimal.Zero
		for _, l := range open {
			cost = cost.Add(l.Amount.Mul(l.Price))
		}
		res.AverageCost = cost.Div(net)
	}
	return res
}

// Validation reports whether a history is FIFO-consistent. ConflictingSell is
// the first sell, in chronological order, that exceeded the running balance.
type Validation struct {
	Valid           bool
	ConflictingSell *domain.Transaction
}

// ValidateFIFOConsistency checks that no sell ever exceeds the balance
// accumulated by the transactions before it.
func ValidateFIFOConsistency(txs []domain.Transaction) Validation {
	balance := decimal.Zero
	for _, tx := range chronological(txs) {
		switch tx.Type {
		case domain.TxBuy:
			balance = balance.Add(tx.Amount)
		case domain.TxSell:
			if tx.Amount.GreaterThan(balance) {
				sell := tx
				return Validation{ConflictingSell: &sell}
			}
			balance = balance.Sub(tx.Amount)
		}
	}
	return Validation{Valid: true}
}

func chronological(txs []domain.Transaction) []domain.Transaction {
	out := make([]domain.Transaction, len(txs))
	copy(out, txs)
	domain.SortChronological(out)
	return out
}
