package domain

import "time"

// Quote is a coin's latest market snapshot as returned by the markets list
// endpoint.
type Quote struct {
	ID                       string  `json:"id"`
	Symbol                   string  `json:"symbol"`
	Name                     string  `json:"name"`
	CurrentPrice             float64 `json:"current_price"`
	MarketCap                float64 `json:"market_cap"`
	Image                    string  `json:"image"`
	PriceChangePercentage24h float64 `json:"price_change_percentage_24h"`
}

// ChartPoint is one sample of historical price data.
type ChartPoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// Chart is a coin's price history over a number of days.
type Chart struct {
	CoinID   string       `json:"coin_id"`
	Currency string       `json:"currency"`
	Days     int          `json:"days"`
	Points   []ChartPoint `json:"points"`
}
