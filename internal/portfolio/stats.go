// Package portfolio derives valuation, profit and allocation figures from
// holdings and live quotes. Everything here is a pure function of its inputs.
package portfolio

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// OthersLabel names the allocation slice that aggregates small positions.
const OthersLabel = "Others"

var hundred = decimal.NewFromInt(100)

// AssetStats is one holding valued at the current quote. An asset without a
// quote is valued at its cost basis and marked unpriced.
type AssetStats struct {
	CoinID       string          `json:"coin_id"`
	Name         string          `json:"name,omitempty"`
	Symbol       string          `json:"symbol,omitempty"`
	Image        string          `json:"image,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Value        decimal.Decimal `json:"value"`
	Cost         decimal.Decimal `json:"cost"`
	Profit       decimal.Decimal `json:"profit"`
	ProfitPct    decimal.Decimal `json:"profit_pct"`
	Change24h    float64         `json:"change_24h"`
	Priced       bool            `json:"priced"`
}

// Totals aggregates the whole portfolio.
type Totals struct {
	Value     decimal.Decimal `json:"value"`
	Cost      decimal.Decimal `json:"cost"`
	Profit    decimal.Decimal `json:"profit"`
	ProfitPct decimal.Decimal `json:"profit_pct"`
}

// Slice is one entry of the allocation breakdown.
type Slice struct {
	Label   string          `json:"label"`
	CoinID  string          `json:"coin_id,omitempty"`
	Value   decimal.Decimal `json:"value"`
	Percent decimal.Decimal `json:"percent"`
}

// Summary is the full derived view of a portfolio.
type Summary struct {
	Assets     []AssetStats `json:"assets"`
	Totals     Totals       `json:"totals"`
	Best       *AssetStats  `json:"best,omitempty"`
	Worst      *AssetStats  `json:"worst,omitempty"`
	Allocation []Slice      `json:"allocation"`
}

// Evaluate values a single holding. q is nil when no quote is known.
func Evaluate(h domain.Holding, q *domain.Quote) AssetStats {
	s := AssetStats{
		CoinID:   h.ID,
		Amount:   h.Amount,
		BuyPrice: h.BuyPrice,
		Cost:     h.Amount.Mul(h.BuyPrice),
	}
	if q == nil {
		s.CurrentPrice = h.BuyPrice
		s.Value = s.Cost
		s.Profit = decimal.Zero
		s.ProfitPct = decimal.Zero
		return s
	}

	s.Priced = true
	s.Name = q.Name
	s.Symbol = q.Symbol
	s.Image = q.Image
	s.Change24h = q.PriceChangePercentage24h
	s.CurrentPrice = decimal.NewFromFloat(q.CurrentPrice)
	s.Value = h.Amount.Mul(s.CurrentPrice)
	s.Profit = s.Value.Sub(s.Cost)
	s.ProfitPct = percentOf(s.Profit, s.Cost)
	return s
}

// Derive computes per-asset stats, totals, best and worst performers by
// absolute profit, and a top-N allocation with the remainder under Others.
// Assets keep the holdings' order.
func Derive(holdings []domain.Holding, quotes map[string]domain.Quote, topN int) Summary {
	sum := Summary{
		Assets: make([]AssetStats, 0, len(holdings)),
		Totals: Totals{Value: decimal.Zero, Cost: decimal.Zero, Profit: decimal.Zero, ProfitPct: decimal.Zero},
	}

	for _, h := range holdings {
		var qp *domain.Quote
		if q, ok := quotes[h.ID]; ok {
			qp = &q
		}
		s := Evaluate(h, qp)
		sum.Assets = append(sum.Assets, s)
		sum.Totals.Value = sum.Totals.Value.Add(s.Value)
		sum.Totals.Cost = sum.Totals.Cost.Add(s.Cost)
	}
	sum.Totals.Profit = sum.Totals.Value.Sub(sum.Totals.Cost)
	sum.Totals.ProfitPct = percentOf(sum.Totals.Profit, sum.Totals.Cost)

	for i := range sum.Assets {
		s := &sum.Assets[i]
		if !s.Priced {
			continue
		}
		if sum.Best == nil || s.Profit.GreaterThan(sum.Best.Profit) {
			sum.Best = s
		}
		if sum.Worst == nil || s.Profit.LessThan(sum.Worst.Profit) {
			sum.Worst = s
		}
	}
	if sum.Best != nil {
		best, worst := *sum.Best, *sum.Worst
		sum.Best, sum.Worst = &best, &worst
	}

	sum.Allocation = Allocate(sum.Assets, topN)
	return sum
}

// Allocate splits portfolio value into the topN largest positions plus an
// Others slice for the rest. Positions without value are left out. topN <= 0
// keeps every position.
func Allocate(assets []AssetStats, topN int) []Slice {
	ranked := make([]AssetStats, 0, len(assets))
	total := decimal.Zero
	for _, a := range assets {
		if !a.Value.IsPositive() {
			continue
		}
		ranked = append(ranked, a)
		total = total.Add(a.Value)
	}
	if len(ranked) == 0 {
		return []Slice{}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Value.GreaterThan(ranked[j].Value)
	})

	if topN <= 0 || topN > len(ranked) {
		topN = len(ranked)
	}
	out := make([]Slice, 0, topN+1)
	for _, a := range ranked[:topN] {
		label := a.Name
		if label == "" {
			label = a.CoinID
		}
		out = append(out, Slice{
			Label:   label,
			CoinID:  a.CoinID,
			Value:   a.Value,
			Percent: percentOf(a.Value, total),
		})
	}
	if rest := ranked[topN:]; len(rest) > 0 {
		others := decimal.Zero
		for _, a := range rest {
			others = others.Add(a.Value)
		}
		out = append(out, Slice{Label: OthersLabel, Value: others, Percent: percentOf(others, total)})
	}
	return out
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}
