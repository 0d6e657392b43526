package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// Reader is the read side of the ledger store needed for snapshots.
type Reader interface {
	GetDocument(ctx context.Context, userID string) (domain.UserDocument, error)
	ListTransactions(ctx context.Context, userID string, opts domain.PageOpts) (domain.TransactionPage, error)
}

// Subscriber builds snapshot subscriptions over the bus and the store.
type Subscriber struct {
	bus    domain.SignalBus
	store  Reader
	logger *slog.Logger
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(bus domain.SignalBus, store Reader, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{bus: bus, store: store, logger: logger.With(slog.String("component", "feed"))}
}

// SubscribeDocument delivers the user's document now and again after every
// change. The returned func stops delivery and waits for any in-progress
// callback; it must not be called from inside a callback.
func (s *Subscriber) SubscribeDocument(ctx context.Context, userID string, onData func(domain.UserDocument), onError func(error)) (func(), error) {
	return subscribe(ctx, s, userID, func(ctx context.Context) (domain.UserDocument, error) {
		return s.store.GetDocument(ctx, userID)
	}, onData, onError)
}

// SubscribeTransactions delivers the first page of the user's history now
// and again after every change.
func (s *Subscriber) SubscribeTransactions(ctx context.Context, userID string, limit int, onData func(domain.TransactionPage), onError func(error)) (func(), error) {
	return subscribe(ctx, s, userID, func(ctx context.Context) (domain.TransactionPage, error) {
		return s.store.ListTransactions(ctx, userID, domain.PageOpts{Limit: limit})
	}, onData, onError)
}

func subscribe[T any](
	ctx context.Context,
	s *Subscriber,
	userID string,
	load func(context.Context) (T, error),
	onData func(T),
	onError func(error),
) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := s.bus.Subscribe(subCtx, Channel(userID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("feed: subscribe %s: %w", userID, err)
	}

	deliver := func() {
		v, err := load(subCtx)
		if subCtx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.WarnContext(subCtx, "feed: snapshot load failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			if onError != nil {
				onError(err)
			}
			return
		}
		onData(v)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		deliver()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				// Coalesce a burst of events into one reload.
				for drained := false; !drained; {
					select {
					case _, ok := <-msgs:
						if !ok {
							return
						}
					default:
						drained = true
					}
				}
				deliver()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}
