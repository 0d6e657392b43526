package portfolio

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

func holding(id, amount, price string) domain.Holding {
	return domain.Holding{ID: id, Amount: decimal.RequireFromString(amount), BuyPrice: decimal.RequireFromString(price)}
}

func TestDerive_TotalsAndPerformers(t *testing.T) {
	holdings := []domain.Holding{
		holding("bitcoin", "2", "100"),
		holding("ethereum", "10", "50"),
		holding("dogecoin", "1000", "1"),
	}
	quotes := map[string]domain.Quote{
		"bitcoin":  {ID: "bitcoin", Name: "Bitcoin", CurrentPrice: 150},
		"ethereum": {ID: "ethereum", Name: "Ethereum", CurrentPrice: 40},
		"dogecoin": {ID: "dogecoin", Name: "Dogecoin", CurrentPrice: 1.1},
	}

	sum := Derive(holdings, quotes, 5)

	require.Len(t, sum.Assets, 3)
	assert.Equal(t, "300", sum.Assets[0].Value.String())
	assert.Equal(t, "100", sum.Assets[0].Profit.String())
	assert.Equal(t, "50", sum.Assets[0].ProfitPct.String())
	assert.Equal(t, "-100", sum.Assets[1].Profit.String())
	assert.Equal(t, "-20", sum.Assets[1].ProfitPct.String())

	// value 300+400+1100, cost 200+500+1000
	assert.Equal(t, "1800", sum.Totals.Value.String())
	assert.Equal(t, "1700", sum.Totals.Cost.String())
	assert.Equal(t, "100", sum.Totals.Profit.String())

	require.NotNil(t, sum.Best)
	require.NotNil(t, sum.Worst)
	assert.Equal(t, "bitcoin", sum.Best.CoinID)
	assert.Equal(t, "ethereum", sum.Worst.CoinID)
}

func TestDerive_UnpricedAssetValuedAtCost(t *testing.T) {
	sum := Derive([]domain.Holding{holding("obscure", "4", "2.5")}, nil, 3)

	require.Len(t, sum.Assets, 1)
	a := sum.Assets[0]
	assert.False(t, a.Priced)
	assert.Equal(t, "10", a.Value.String())
	assert.True(t, a.Profit.IsZero())
	assert.Nil(t, sum.Best)
	assert.Nil(t, sum.Worst)
	require.Len(t, sum.Allocation, 1)
	assert.Equal(t, "obscure", sum.Allocation[0].Label)
}

func TestDerive_Empty(t *testing.T) {
	sum := Derive(nil, nil, 3)

	assert.Empty(t, sum.Assets)
	assert.True(t, sum.Totals.Value.IsZero())
	assert.True(t, sum.Totals.ProfitPct.IsZero())
	assert.Empty(t, sum.Allocation)
}

func TestAllocate_TopNPlusOthers(t *testing.T) {
	assets := []AssetStats{
		{CoinID: "a", Value: decimal.NewFromInt(10)},
		{CoinID: "b", Name: "Bee", Value: decimal.NewFromInt(50)},
		{CoinID: "c", Value: decimal.NewFromInt(25)},
		{CoinID: "d", Value: decimal.NewFromInt(15)},
		{CoinID: "e", Value: decimal.Zero},
	}

	slices := Allocate(assets, 2)

	require.Len(t, slices, 3)
	assert.Equal(t, "Bee", slices[0].Label)
	assert.Equal(t, "50", slices[0].Percent.String())
	assert.Equal(t, "c", slices[1].Label)
	assert.Equal(t, OthersLabel, slices[2].Label)
	assert.Equal(t, "25", slices[2].Value.String())
	assert.Equal(t, "25", slices[2].Percent.String())
}

func TestAllocate_NoOthersWhenAllFit(t *testing.T) {
	slices := Allocate([]AssetStats{
		{CoinID: "a", Value: decimal.NewFromInt(1)},
		{CoinID: "b", Value: decimal.NewFromInt(3)},
	}, 5)

	require.Len(t, slices, 2)
	assert.Equal(t, "b", slices[0].CoinID)
	assert.Equal(t, "75", slices[0].Percent.String())
}
