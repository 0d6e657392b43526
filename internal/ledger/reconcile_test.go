package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

func TestReconcileDeletion_BuyOrphansSell(t *testing.T) {
	buy := tx("a", domain.TxBuy, "5", "1", 0)
	sell := tx("b", domain.TxSell, "5", "2", time.Minute)

	_, err := ReconcileDeletion([]domain.Transaction{buy, sell}, buy)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflictingHistory))
	var conflict *domain.ConflictingHistoryError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "b", conflict.Sell.ID)
	assert.True(t, conflict.Sell.Amount.Equal(d("5")))
}

func TestReconcileDeletion_SafeBuyDeletion(t *testing.T) {
	history := []domain.Transaction{
		tx("a", domain.TxBuy, "10", "1", 0),
		tx("b", domain.TxBuy, "5", "2", time.Minute),
		tx("c", domain.TxSell, "3", "3", 2*time.Minute),
	}

	rec, err := ReconcileDeletion(history, history[1])

	require.NoError(t, err)
	assert.False(t, rec.Remove)
	assert.Equal(t, "bitcoin", rec.Holding.ID)
	assert.True(t, rec.Holding.Amount.Equal(d("7")))
	assert.True(t, rec.Holding.BuyPrice.Equal(d("1")))
}

func TestReconcileDeletion_SellSkipsValidation(t *testing.T) {
	// An already inconsistent history is not re-checked when a sell goes.
	history := []domain.Transaction{
		tx("a", domain.TxSell, "4", "3", 0),
		tx("b", domain.TxBuy, "2", "1", time.Minute),
		tx("c", domain.TxSell, "1", "3", 2*time.Minute),
	}

	rec, err := ReconcileDeletion(history, history[2])

	require.NoError(t, err)
	assert.True(t, rec.Remove)
}

func TestReconcileDeletion_LastBuyRemovesHolding(t *testing.T) {
	buy := tx("a", domain.TxBuy, "5", "1", 0)

	rec, err := ReconcileDeletion([]domain.Transaction{buy}, buy)

	require.NoError(t, err)
	assert.True(t, rec.Remove)
	assert.Equal(t, "bitcoin", rec.Holding.ID)
}

func TestReconcileDeletion_SellRestoresHolding(t *testing.T) {
	history := []domain.Transaction{
		tx("a", domain.TxBuy, "4", "10", 0),
		tx("b", domain.TxBuy, "4", "20", time.Minute),
		tx("c", domain.TxSell, "6", "30", 2*time.Minute),
	}

	rec, err := ReconcileDeletion(history, history[2])

	require.NoError(t, err)
	assert.False(t, rec.Remove)
	assert.True(t, rec.Holding.Amount.Equal(d("8")))
	assert.True(t, rec.Holding.BuyPrice.Equal(d("15")))
}
