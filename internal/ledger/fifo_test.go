package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tx(id string, typ domain.TxType, amount, price string, offset time.Duration) domain.Transaction {
	return domain.Transaction{
		ID:        id,
		UserID:    "u1",
		CoinID:    "bitcoin",
		Amount:    d(amount),
		Price:     d(price),
		Type:      typ,
		Timestamp: t0.Add(offset),
	}
}

func TestComputeFIFO_OrderSensitivity(t *testing.T) {
	txs := []domain.Transaction{
		tx("a", domain.TxBuy, "10", "1", 0),
		tx("b", domain.TxSell, "4", "5", time.Minute),
		tx("c", domain.TxBuy, "5", "2", 2*time.Minute),
	}

	res := ComputeFIFO(txs)

	assert.True(t, res.NetAmount.Equal(d("11")), "net %s", res.NetAmount)
	require.Len(t, res.Lots, 2)
	assert.True(t, res.Lots[0].Amount.Equal(d("6")))
	assert.True(t, res.Lots[0].Price.Equal(d("1")))
	assert.True(t, res.Lots[1].Amount.Equal(d("5")))
	// (6*1 + 5*2) / 11
	assert.Equal(t, "1.4545", res.AverageCost.StringFixed(4))
}

func TestComputeFIFO_UnsortedInputIsOrdered(t *testing.T) {
	txs := []domain.Transaction{
		tx("c", domain.TxBuy, "5", "2", 2*time.Minute),
		tx("b", domain.TxSell, "4", "5", time.Minute),
		tx("a", domain.TxBuy, "10", "1", 0),
	}

	res := ComputeFIFO(txs)

	assert.True(t, res.NetAmount.Equal(d("11")))
	assert.Equal(t, "1.4545", res.AverageCost.StringFixed(4))
	// input left untouched
	assert.Equal(t, "c", txs[0].ID)
}

func TestComputeFIFO_Idempotent(t *testing.T) {
	txs := []domain.Transaction{
		tx("a", domain.TxBuy, "3", "100", 0),
		tx("b", domain.TxBuy, "2", "150", time.Minute),
		tx("c", domain.TxSell, "4", "200", 2*time.Minute),
	}

	first := ComputeFIFO(txs)
	second := ComputeFIFO(txs)

	assert.True(t, first.NetAmount.Equal(second.NetAmount))
	assert.True(t, first.AverageCost.Equal(second.AverageCost))
	assert.True(t, first.NetAmount.Equal(d("1")))
	assert.True(t, first.AverageCost.Equal(d("150")))
}

func TestComputeFIFO_OverSellTolerated(t *testing.T) {
	res := ComputeFIFO([]domain.Transaction{
		tx("a", domain.TxSell, "5", "10", 0),
	})

	assert.True(t, res.NetAmount.Equal(d("-5")))
	assert.True(t, res.AverageCost.IsZero())
	assert.Empty(t, res.Lots)
}

func TestComputeFIFO_SellExactlyConsumesLots(t *testing.T) {
	res := ComputeFIFO([]domain.Transaction{
		tx("a", domain.TxBuy, "2", "10", 0),
		tx("b", domain.TxBuy, "3", "20", time.Minute),
		tx("c", domain.TxSell, "5", "30", 2*time.Minute),
	})

	assert.True(t, res.NetAmount.IsZero())
	assert.True(t, res.AverageCost.IsZero())
	assert.Empty(t, res.Lots)
}

func TestComputeFIFO_Empty(t *testing.T) {
	res := ComputeFIFO(nil)

	assert.True(t, res.NetAmount.IsZero())
	assert.True(t, res.AverageCost.IsZero())
}

func TestComputeFIFO_TimestampTieUsesSequence(t *testing.T) {
	buy := tx("z", domain.TxBuy, "1", "10", 0)
	buy.Seq = 1
	sell := tx("a", domain.TxSell, "1", "12", 0)
	sell.Seq = 2

	v := ValidateFIFOConsistency([]domain.Transaction{sell, buy})

	assert.True(t, v.Valid)
}

func TestValidateFIFOConsistency_CatchesOrphanedSell(t *testing.T) {
	sell := tx("b", domain.TxSell, "5", "2", time.Minute)

	v := ValidateFIFOConsistency([]domain.Transaction{sell})

	assert.False(t, v.Valid)
	require.NotNil(t, v.ConflictingSell)
	assert.Equal(t, "b", v.ConflictingSell.ID)
}

func TestValidateFIFOConsistency_FirstViolationWins(t *testing.T) {
	v := ValidateFIFOConsistency([]domain.Transaction{
		tx("a", domain.TxBuy, "1", "1", 0),
		tx("b", domain.TxSell, "2", "1", time.Minute),
		tx("c", domain.TxSell, "5", "1", 2*time.Minute),
	})

	require.False(t, v.Valid)
	assert.Equal(t, "b", v.ConflictingSell.ID)
}

func TestValidateFIFOConsistency_SafeDeletion(t *testing.T) {
	v := ValidateFIFOConsistency([]domain.Transaction{
		tx("a", domain.TxBuy, "10", "1", 0),
		tx("c", domain.TxSell, "3", "3", 2*time.Minute),
	})

	assert.True(t, v.Valid)
	assert.Nil(t, v.ConflictingSell)
}
