package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// ContentTypeJSONL is the media type of export objects.
const ContentTypeJSONL = "application/x-ndjson"

// Defaults for ExporterOptions.
const (
	DefaultMultipartThreshold = 8 * 1024 * 1024
	DefaultLockTTL            = 2 * time.Minute
)

// HistorySource returns a user's full transaction history, oldest first.
type HistorySource interface {
	ListAllTransactions(ctx context.Context, userID string) ([]domain.Transaction, error)
}

// ExporterOptions tunes export uploads.
type ExporterOptions struct {
	// MultipartThreshold is the payload size above which uploads switch to
	// multipart.
	MultipartThreshold int
	LockTTL            time.Duration
}

// Export describes one written export object.
type Export struct {
	Path         string    `json:"path"`
	Transactions int       `json:"transactions"`
	Bytes        int       `json:"bytes"`
	CreatedAt    time.Time `json:"created_at"`
}

// Exporter writes a user's ledger to object storage as JSONL, one
// transaction per line, oldest first. Exports for one user never run
// concurrently.
type Exporter struct {
	history HistorySource
	writer  domain.BlobWriter
	reader  domain.BlobReader
	locks   domain.LockManager
	opts    ExporterOptions
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// NewExporter creates an Exporter. locks may be nil for single-process use.
func NewExporter(history HistorySource, writer domain.BlobWriter, reader domain.BlobReader, locks domain.LockManager, opts ExporterOptions, logger *slog.Logger) *Exporter {
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = DefaultMultipartThreshold
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		history: history,
		writer:  writer,
		reader:  reader,
		locks:   locks,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		logger:  logger.With(slog.String("component", "exporter")),
	}
}

// ExportLedger writes userID's full history to
// exports/{user}/{yyyy}/{mm}/{uuid}.jsonl. It returns domain.ErrLockHeld if
// another export for the same user is running.
func (e *Exporter) ExportLedger(ctx context.Context, userID string) (Export, error) {
	if strings.TrimSpace(userID) == "" {
		return Export{}, fmt.Errorf("s3blob: export: user id is required")
	}

	if e.locks != nil {
		release, err := e.locks.Acquire(ctx, "export:"+userID, e.opts.LockTTL)
		if err != nil {
			return Export{}, fmt.Errorf("s3blob: export %s: %w", userID, err)
		}
		defer release()
	}

	txs, err := e.history.ListAllTransactions(ctx, userID)
	if err != nil {
		return Export{}, fmt.Errorf("s3blob: export %s: load history: %w", userID, err)
	}

	buf, err := marshalJSONL(txs)
	if err != nil {
		return Export{}, fmt.Errorf("s3blob: export %s: %w", userID, err)
	}

	now := e.now()
	path := exportPath(userID, now, e.newID())
	if len(buf) > e.opts.MultipartThreshold {
		err = e.writer.PutMultipart(ctx, path, bytes.NewReader(buf), int64(e.opts.MultipartThreshold))
	} else {
		err = e.writer.Put(ctx, path, bytes.NewReader(buf), ContentTypeJSONL)
	}
	if err != nil {
		return Export{}, fmt.Errorf("s3blob: export %s: upload: %w", userID, err)
	}

	e.logger.InfoContext(ctx, "exporter: ledger exported",
		slog.String("user_id", userID),
		slog.String("path", path),
		slog.Int("transactions", len(txs)),
		slog.Int("bytes", len(buf)),
	)
	return Export{Path: path, Transactions: len(txs), Bytes: len(buf), CreatedAt: now}, nil
}

// ListExports returns userID's exports, newest first.
func (e *Exporter) ListExports(ctx context.Context, userID string) ([]domain.BlobInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("s3blob: list exports: user id is required")
	}
	infos, err := e.reader.List(ctx, userPrefix(userID))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list exports %s: %w", userID, err)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	return infos, nil
}

func userPrefix(userID string) string {
	return "exports/" + userID + "/"
}

// exportPath builds the object key, partitioned by year and month:
//
//	exports/u1/2025/01/6f1c....jsonl
func exportPath(userID string, at time.Time, id string) string {
	return fmt.Sprintf("%s%s/%s.jsonl", userPrefix(userID), at.Format("2006/01"), id)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
