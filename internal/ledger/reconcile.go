package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// Reconciliation is the holding update implied by deleting a transaction.
// When Remove is set the holding must be dropped from the user document;
// otherwise Holding replaces the stored one.
type Reconciliation struct {
	Remove  bool
	Holding domain.Holding
}

// ReconcileDeletion recomputes a coin's holding as if deleted had never been
// recorded. history is every transaction for the coin, including deleted.
//
// Deleting a buy can strand a later sell; in that case the deletion is
// refused with a *domain.ConflictingHistoryError naming the first offending
// sell. Deleting a sell only ever increases the balance and is not checked.
func ReconcileDeletion(history []domain.Transaction, deleted domain.Transaction) (Reconciliation, error) {
	remaining := make([]domain.Transaction, 0, len(history))
	for _, tx := range history {
		if tx.ID == deleted.ID {
			continue
		}
		remaining = append(remaining, tx)
	}

	if deleted.Type == domain.TxBuy {
		if v := ValidateFIFOConsistency(remaining); !v.Valid {
			return Reconciliation{}, &domain.ConflictingHistoryError{Sell: *v.ConflictingSell}
		}
	}

	res := ComputeFIFO(remaining)
	if !res.NetAmount.IsPositive() {
		return Reconciliation{Remove: true, Holding: domain.Holding{ID: deleted.CoinID, Amount: decimal.Zero, BuyPrice: decimal.Zero}}, nil
	}
	return Reconciliation{
		Holding: domain.Holding{ID: deleted.CoinID, Amount: res.NetAmount, BuyPrice: res.AverageCost},
	}, nil
}
