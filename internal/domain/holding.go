package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding is the materialized FIFO replay of a user's transactions for one
// coin. Amount is the net quantity held and BuyPrice the weighted-average cost
// of that quantity.
type Holding struct {
	ID       string          `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	BuyPrice decimal.Decimal `json:"buy_price"`
}

// UserDocument is the per-user document holding current positions and the
// watchlist.
type UserDocument struct {
	UserID    string    `json:"user_id"`
	Assets    []Holding `json:"assets"`
	Watchlist []string  `json:"watchlist"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Holding returns the holding for coinID, if any.
func (d *UserDocument) Holding(coinID string) (Holding, bool) {
	for _, h := range d.Assets {
		if h.ID == coinID {
			return h, true
		}
	}
	return Holding{}, false
}

// SetHolding replaces the holding with the same ID or appends it.
func (d *UserDocument) SetHolding(h Holding) {
	for i := range d.Assets {
		if d.Assets[i].ID == h.ID {
			d.Assets[i] = h
			return
		}
	}
	d.Assets = append(d.Assets, h)
}

// RemoveHolding drops the holding for coinID. It reports whether one existed.
func (d *UserDocument) RemoveHolding(coinID string) bool {
	for i := range d.Assets {
		if d.Assets[i].ID == coinID {
			d.Assets = append(d.Assets[:i], d.Assets[i+1:]...)
			return true
		}
	}
	return false
}

// Watching reports whether coinID is on the watchlist.
func (d *UserDocument) Watching(coinID string) bool {
	for _, id := range d.Watchlist {
		if id == coinID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate independently.
func (d UserDocument) Clone() UserDocument {
	out := d
	if d.Assets != nil {
		out.Assets = make([]Holding, len(d.Assets))
		copy(out.Assets, d.Assets)
	}
	if d.Watchlist != nil {
		out.Watchlist = make([]string, len(d.Watchlist))
		copy(out.Watchlist, d.Watchlist)
	}
	return out
}
