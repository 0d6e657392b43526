package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// PostgreSQL error codes
const (
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
	pgErrUniqueViolation      = "23505"
)

const defaultMaxAttempts = 5

// LedgerStore implements domain.LedgerStore using PostgreSQL. Units of work
// run at SERIALIZABLE isolation and are retried on serialization failures.
type LedgerStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
	logger      *slog.Logger
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool, logger *slog.Logger) *LedgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerStore{
		pool:        pool,
		maxAttempts: defaultMaxAttempts,
		logger:      logger.With(slog.String("component", "ledger_store")),
	}
}

const txSelectCols = `id, user_id, coin_id, amount, price, type, timestamp, seq`

func scanTransactionRows(rows pgx.Rows) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	for rows.Next() {
		var (
			t   domain.Transaction
			typ string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.CoinID, &t.Amount, &t.Price, &typ, &t.Timestamp, &t.Seq); err != nil {
			return nil, err
		}
		t.Type = domain.TxType(typ)
		t.Timestamp = t.Timestamp.UTC()
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// RunInTx runs fn inside a SERIALIZABLE transaction. Serialization failures
// and deadlocks restart fn from scratch with a short backoff. Begin, commit
// and statement failures surface as *domain.StoreWriteError.
func (s *LedgerStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		s.logger.DebugContext(ctx, "ledger_store: retrying conflicted transaction",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		backoff := time.Duration(attempt*attempt) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return &domain.StoreWriteError{Op: "commit", Err: fmt.Errorf("gave up after %d attempts: %w", s.maxAttempts, lastErr)}
}

func (s *LedgerStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return &domain.StoreWriteError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isRetryable(err) {
			return err
		}
		return &domain.StoreWriteError{Op: "commit", Err: err}
	}
	return nil
}

// GetDocument returns the user's document, or an empty one.
func (s *LedgerStore) GetDocument(ctx context.Context, userID string) (domain.UserDocument, error) {
	return getDocument(ctx, s.pool, userID, false)
}

// ListTransactions returns one page of history ordered newest first.
func (s *LedgerStore) ListTransactions(ctx context.Context, userID string, opts domain.PageOpts) (domain.TransactionPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + txSelectCols + ` FROM transactions WHERE user_id = $1`
	args := []any{userID}
	if opts.Cursor != "" {
		c, err := domain.DecodeCursor(opts.Cursor)
		if err != nil {
			return domain.TransactionPage{}, fmt.Errorf("postgres: list transactions: %w", err)
		}
		query += ` AND (timestamp, seq) < ($2, $3)`
		args = append(args, c.Timestamp, c.Seq)
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, seq DESC LIMIT %d", limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return domain.TransactionPage{}, fmt.Errorf("postgres: list transactions: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactionRows(rows)
	if err != nil {
		return domain.TransactionPage{}, fmt.Errorf("postgres: scan transactions: %w", err)
	}

	page := domain.TransactionPage{Transactions: txs}
	if len(txs) > limit {
		page.Transactions = txs[:limit]
		page.NextCursor = domain.CursorAfter(txs[limit-1]).Encode()
	}
	if page.Transactions == nil {
		page.Transactions = []domain.Transaction{}
	}
	return page, nil
}

// ListAllTransactions returns the user's full history oldest first.
func (s *LedgerStore) ListAllTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txSelectCols+` FROM transactions WHERE user_id = $1 ORDER BY timestamp, seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all transactions: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions: %w", err)
	}
	return txs, nil
}

// querier is the read surface shared by the pool and a pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getDocument(ctx context.Context, q querier, userID string, forUpdate bool) (domain.UserDocument, error) {
	query := `SELECT assets, watchlist, updated_at FROM user_documents WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		assets, watchlist []byte
		doc               = domain.UserDocument{UserID: userID}
	)
	err := q.QueryRow(ctx, query, userID).Scan(&assets, &watchlist, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		doc.Assets = []domain.Holding{}
		doc.Watchlist = []string{}
		return doc, nil
	}
	if err != nil {
		return domain.UserDocument{}, fmt.Errorf("postgres: get document %s: %w", userID, err)
	}
	if err := json.Unmarshal(assets, &doc.Assets); err != nil {
		return domain.UserDocument{}, fmt.Errorf("postgres: decode assets %s: %w", userID, err)
	}
	if err := json.Unmarshal(watchlist, &doc.Watchlist); err != nil {
		return domain.UserDocument{}, fmt.Errorf("postgres: decode watchlist %s: %w", userID, err)
	}
	return doc, nil
}

// ledgerTx adapts a pgx.Tx to domain.LedgerTx.
type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) GetDocument(ctx context.Context, userID string) (domain.UserDocument, error) {
	return getDocument(ctx, t.tx, userID, true)
}

func (t *ledgerTx) PutDocument(ctx context.Context, doc domain.UserDocument) error {
	if doc.Assets == nil {
		doc.Assets = []domain.Holding{}
	}
	if doc.Watchlist == nil {
		doc.Watchlist = []string{}
	}
	assets, err := json.Marshal(doc.Assets)
	if err != nil {
		return fmt.Errorf("postgres: encode assets: %w", err)
	}
	watchlist, err := json.Marshal(doc.Watchlist)
	if err != nil {
		return fmt.Errorf("postgres: encode watchlist: %w", err)
	}
	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO user_documents (user_id, assets, watchlist, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			assets = EXCLUDED.assets,
			watchlist = EXCLUDED.watchlist,
			updated_at = EXCLUDED.updated_at`,
		doc.UserID, assets, watchlist, updatedAt,
	)
	if err != nil {
		return writeError("put document "+doc.UserID, err)
	}
	return nil
}

func (t *ledgerTx) GetTransaction(ctx context.Context, userID, id string) (domain.Transaction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+txSelectCols+` FROM transactions WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("postgres: get transaction %s: %w", id, err)
	}
	defer rows.Close()

	txs, err := scanTransactionRows(rows)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("postgres: scan transaction %s: %w", id, err)
	}
	if len(txs) == 0 {
		return domain.Transaction{}, fmt.Errorf("postgres: transaction %s: %w", id, domain.ErrNotFound)
	}
	return txs[0], nil
}

func (t *ledgerTx) ListCoinTransactions(ctx context.Context, userID, coinID string) ([]domain.Transaction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+txSelectCols+` FROM transactions
		 WHERE user_id = $1 AND coin_id = $2
		 ORDER BY timestamp, seq`, userID, coinID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list coin transactions: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan coin transactions: %w", err)
	}
	return txs, nil
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, tx domain.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, coin_id, amount, price, type, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.UserID, tx.CoinID, tx.Amount, tx.Price, string(tx.Type), tx.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: insert transaction %s: duplicate id", tx.ID)
		}
		return writeError("insert transaction "+tx.ID, err)
	}
	return nil
}

func (t *ledgerTx) DeleteTransaction(ctx context.Context, userID, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM transactions WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return writeError("delete transaction "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete transaction %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// writeError classifies a failed statement inside a unit of work. Conflicts
// stay retryable; anything else is a store write failure.
func writeError(op string, err error) error {
	if isRetryable(err) {
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	return &domain.StoreWriteError{Op: op, Err: err}
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
