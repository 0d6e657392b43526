// Package memory is an in-process implementation of domain.LedgerStore used
// by single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// LedgerStore keeps user documents and transactions in maps. Units of work
// run one at a time against a staged copy that is swapped in on commit.
type LedgerStore struct {
	mu   sync.RWMutex
	docs map[string]domain.UserDocument
	txs  map[string]map[string]domain.Transaction // user -> id -> tx
	seq  int64

	failMu   sync.Mutex
	failNext error
}

// NewLedgerStore creates an empty store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		docs: make(map[string]domain.UserDocument),
		txs:  make(map[string]map[string]domain.Transaction),
	}
}

// FailNextCommit makes the next RunInTx fail at commit time with err after fn
// has succeeded. Nothing staged by that unit is applied.
func (s *LedgerStore) FailNextCommit(err error) {
	s.failMu.Lock()
	s.failNext = err
	s.failMu.Unlock()
}

// RunInTx runs fn against a staged view and commits it atomically. Units are
// serialized so there are no conflicts to retry. fn must not call the
// store's own non-transactional methods.
func (s *LedgerStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	stage := &stagedTx{
		store: s,
		docs:  make(map[string]domain.UserDocument),
		txs:   make(map[string]map[string]domain.Transaction),
		seq:   s.seq,
	}
	if err := fn(ctx, stage); err != nil {
		return err
	}

	s.failMu.Lock()
	failErr := s.failNext
	s.failNext = nil
	s.failMu.Unlock()
	if failErr != nil {
		return &domain.StoreWriteError{Op: "commit", Err: failErr}
	}

	for user, doc := range stage.docs {
		s.docs[user] = doc
	}
	for user, set := range stage.txs {
		s.txs[user] = set
	}
	s.seq = stage.seq
	return nil
}

// GetDocument returns a copy of the user's document, or an empty one.
func (s *LedgerStore) GetDocument(_ context.Context, userID string) (domain.UserDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.document(userID), nil
}

// ListTransactions returns one page of history ordered newest first.
func (s *LedgerStore) ListTransactions(_ context.Context, userID string, opts domain.PageOpts) (domain.TransactionPage, error) {
	var cursor *domain.Cursor
	if opts.Cursor != "" {
		c, err := domain.DecodeCursor(opts.Cursor)
		if err != nil {
			return domain.TransactionPage{}, fmt.Errorf("memory: list transactions: %w", err)
		}
		cursor = &c
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	all := make([]domain.Transaction, 0, len(s.txs[userID]))
	for _, tx := range s.txs[userID] {
		if cursor == nil || cursor.After(tx) {
			all = append(all, tx)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[j].Before(all[i]) })

	page := domain.TransactionPage{Transactions: all}
	if len(all) > limit {
		page.Transactions = all[:limit]
		page.NextCursor = domain.CursorAfter(all[limit-1]).Encode()
	}
	return page, nil
}

// ListAllTransactions returns the user's full history oldest first.
func (s *LedgerStore) ListAllTransactions(_ context.Context, userID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	out := make([]domain.Transaction, 0, len(s.txs[userID]))
	for _, tx := range s.txs[userID] {
		out = append(out, tx)
	}
	s.mu.RUnlock()
	domain.SortChronological(out)
	return out, nil
}

func (s *LedgerStore) document(userID string) domain.UserDocument {
	doc, ok := s.docs[userID]
	if !ok {
		return domain.UserDocument{UserID: userID, Assets: []domain.Holding{}, Watchlist: []string{}}
	}
	return doc.Clone()
}

// stagedTx is the copy-on-touch view handed to a unit of work.
type stagedTx struct {
	store *LedgerStore
	docs  map[string]domain.UserDocument
	txs   map[string]map[string]domain.Transaction
	seq   int64
}

func (t *stagedTx) userTxs(userID string) map[string]domain.Transaction {
	if set, ok := t.txs[userID]; ok {
		return set
	}
	src := t.store.txs[userID]
	set := make(map[string]domain.Transaction, len(src))
	for id, tx := range src {
		set[id] = tx
	}
	t.txs[userID] = set
	return set
}

func (t *stagedTx) GetDocument(_ context.Context, userID string) (domain.UserDocument, error) {
	if doc, ok := t.docs[userID]; ok {
		return doc.Clone(), nil
	}
	return t.store.document(userID), nil
}

func (t *stagedTx) PutDocument(_ context.Context, doc domain.UserDocument) error {
	if doc.UserID == "" {
		return fmt.Errorf("memory: put document: user id is required")
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	t.docs[doc.UserID] = doc.Clone()
	return nil
}

func (t *stagedTx) GetTransaction(_ context.Context, userID, id string) (domain.Transaction, error) {
	tx, ok := t.userTxs(userID)[id]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("memory: transaction %s: %w", id, domain.ErrNotFound)
	}
	return tx, nil
}

func (t *stagedTx) ListCoinTransactions(_ context.Context, userID, coinID string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, tx := range t.userTxs(userID) {
		if tx.CoinID == coinID {
			out = append(out, tx)
		}
	}
	domain.SortChronological(out)
	return out, nil
}

func (t *stagedTx) InsertTransaction(_ context.Context, tx domain.Transaction) error {
	set := t.userTxs(tx.UserID)
	if _, exists := set[tx.ID]; exists {
		return fmt.Errorf("memory: insert transaction %s: duplicate id", tx.ID)
	}
	t.seq++
	tx.Seq = t.seq
	set[tx.ID] = tx
	return nil
}

func (t *stagedTx) DeleteTransaction(_ context.Context, userID, id string) error {
	set := t.userTxs(userID)
	if _, ok := set[id]; !ok {
		return fmt.Errorf("memory: delete transaction %s: %w", id, domain.ErrNotFound)
	}
	delete(set, id)
	return nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
