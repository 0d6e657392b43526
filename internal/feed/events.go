// Package feed publishes ledger change events and turns them into snapshot
// subscriptions: every change re-reads the affected data and hands the fresh
// snapshot to the subscriber.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// Event kinds published after a successful commit.
const (
	EventAssetAdded         = "asset_added"
	EventAssetRemoved       = "asset_removed"
	EventTransactionDeleted = "transaction_deleted"
	EventWatchlistChanged   = "watchlist_changed"
)

// Event describes one committed change to a user's ledger.
type Event struct {
	Event  string    `json:"event"`
	UserID string    `json:"user_id"`
	CoinID string    `json:"coin_id,omitempty"`
	TxID   string    `json:"tx_id,omitempty"`
	At     time.Time `json:"at"`
}

// Channel is the bus channel carrying a user's change events.
func Channel(userID string) string {
	return "portfolio:" + userID
}

// AllChannels matches every user's change channel.
const AllChannels = "portfolio:*"

// Publisher sends change events onto the signal bus.
type Publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewPublisher creates a Publisher. A nil bus makes Publish a no-op.
func NewPublisher(bus domain.SignalBus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bus: bus, logger: logger.With(slog.String("component", "feed"))}
}

// Publish sends ev on the user's channel. The change is already committed,
// so a failure here only delays subscribers until their next refresh; it is
// logged and returned.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.bus == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: encode event: %w", err)
	}
	if err := p.bus.Publish(ctx, Channel(ev.UserID), payload); err != nil {
		p.logger.WarnContext(ctx, "feed: publish failed",
			slog.String("event", ev.Event),
			slog.String("user_id", ev.UserID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("feed: publish: %w", err)
	}
	return nil
}
