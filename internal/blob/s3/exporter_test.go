package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinledger/internal/cache/memory"
	"github.com/alanyoungcy/coinledger/internal/domain"
)

type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	modified  map[string]time.Time
	multipart []string
	putErr    error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte), modified: make(map[string]time.Time)}
}

func (f *fakeBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = b
	f.modified[path] = time.Now()
	return nil
}

func (f *fakeBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	f.mu.Lock()
	f.multipart = append(f.multipart, path)
	f.mu.Unlock()
	return f.Put(ctx, path, data, ContentTypeJSONL)
}

func (f *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range f.objects {
		if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b)), LastModified: f.modified[p]})
		}
	}
	return out, nil
}

type staticHistory []domain.Transaction

func (h staticHistory) ListAllTransactions(_ context.Context, userID string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, tx := range h {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func sampleHistory() staticHistory {
	at := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	return staticHistory{
		{ID: "a", UserID: "u1", CoinID: "bitcoin", Amount: decimal.NewFromInt(2), Price: decimal.NewFromInt(100), Type: domain.TxBuy, Timestamp: at},
		{ID: "b", UserID: "u1", CoinID: "bitcoin", Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(150), Type: domain.TxSell, Timestamp: at.Add(time.Hour)},
		{ID: "c", UserID: "u2", CoinID: "eth", Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(10), Type: domain.TxBuy, Timestamp: at},
	}
}

func newTestExporter(blobs *fakeBlobs, opts ExporterOptions) *Exporter {
	e := NewExporter(sampleHistory(), blobs, blobs, memory.NewLockManager(), opts, nil)
	e.now = func() time.Time { return time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC) }
	e.newID = func() string { return "fixed" }
	return e
}

func TestExportLedger_WritesJSONL(t *testing.T) {
	blobs := newFakeBlobs()
	e := newTestExporter(blobs, ExporterOptions{})

	exp, err := e.ExportLedger(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "exports/u1/2025/02/fixed.jsonl", exp.Path)
	assert.Equal(t, 2, exp.Transactions)
	assert.Empty(t, blobs.multipart)

	rc, err := blobs.Get(context.Background(), exp.Path)
	require.NoError(t, err)
	defer rc.Close()

	var lines []string
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"a"`)
	assert.Contains(t, lines[1], `"type":"sell"`)
}

func TestExportLedger_LargePayloadUsesMultipart(t *testing.T) {
	blobs := newFakeBlobs()
	e := newTestExporter(blobs, ExporterOptions{MultipartThreshold: 10})

	exp, err := e.ExportLedger(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{exp.Path}, blobs.multipart)
}

func TestExportLedger_LockHeld(t *testing.T) {
	blobs := newFakeBlobs()
	locks := memory.NewLockManager()
	e := NewExporter(sampleHistory(), blobs, blobs, locks, ExporterOptions{}, nil)

	release, err := locks.Acquire(context.Background(), "export:u1", time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = e.ExportLedger(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrLockHeld)

	_, err = e.ExportLedger(context.Background(), "u2")
	require.NoError(t, err)
}

func TestExportLedger_UploadFailure(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.putErr = errors.New("bucket gone")
	e := newTestExporter(blobs, ExporterOptions{})

	_, err := e.ExportLedger(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestListExports_NewestFirst(t *testing.T) {
	blobs := newFakeBlobs()
	now := time.Now()
	blobs.objects["exports/u1/2025/01/old.jsonl"] = []byte("{}\n")
	blobs.modified["exports/u1/2025/01/old.jsonl"] = now.Add(-time.Hour)
	blobs.objects["exports/u1/2025/02/new.jsonl"] = []byte("{}\n")
	blobs.modified["exports/u1/2025/02/new.jsonl"] = now
	blobs.objects["exports/u10/2025/02/other.jsonl"] = []byte("{}\n")

	e := newTestExporter(blobs, ExporterOptions{})
	infos, err := e.ListExports(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "exports/u1/2025/02/new.jsonl", infos[0].Path)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000", true))
}
