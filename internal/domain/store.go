package domain

import "context"

// LedgerTx is the store view available inside one atomic unit of work.
// Reads observe the unit's own pending writes.
type LedgerTx interface {
	// GetDocument returns the user's document, or an empty one if none exists.
	GetDocument(ctx context.Context, userID string) (UserDocument, error)
	PutDocument(ctx context.Context, doc UserDocument) error
	GetTransaction(ctx context.Context, userID, id string) (Transaction, error)
	// ListCoinTransactions returns the user's transactions for coinID, oldest first.
	ListCoinTransactions(ctx context.Context, userID, coinID string) ([]Transaction, error)
	InsertTransaction(ctx context.Context, tx Transaction) error
	DeleteTransaction(ctx context.Context, userID, id string) error
}

// LedgerStore persists user documents and the transaction log.
type LedgerStore interface {
	// RunInTx executes fn atomically. All writes made through the LedgerTx are
	// committed together or not at all; fn is retried on optimistic conflicts.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	GetDocument(ctx context.Context, userID string) (UserDocument, error)
	// ListTransactions returns one page of history, newest first.
	ListTransactions(ctx context.Context, userID string, opts PageOpts) (TransactionPage, error)
	// ListAllTransactions returns the user's full history, oldest first.
	ListAllTransactions(ctx context.Context, userID string) ([]Transaction, error)
}
