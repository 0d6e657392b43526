package handler

import (
	"context"
	"log/slog"
	"net/http"

	s3blob "github.com/alanyoungcy/coinledger/internal/blob/s3"
	"github.com/alanyoungcy/coinledger/internal/domain"
)

// ExportService writes and lists ledger exports.
type ExportService interface {
	ExportLedger(ctx context.Context, userID string) (s3blob.Export, error)
	ListExports(ctx context.Context, userID string) ([]domain.BlobInfo, error)
}

// ExportHandler serves ledger export endpoints.
type ExportHandler struct {
	exports ExportService
	logger  *slog.Logger
}

// NewExportHandler creates an ExportHandler.
func NewExportHandler(exports ExportService, logger *slog.Logger) *ExportHandler {
	return &ExportHandler{exports: exports, logger: logHandler(logger, "export")}
}

// CreateExport writes the user's ledger to object storage.
// POST /api/exports?user=
func (h *ExportHandler) CreateExport(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	exp, err := h.exports.ExportLedger(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, h.logger, "export ledger", err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

// ListExports lists the user's exports, newest first.
// GET /api/exports?user=
func (h *ExportHandler) ListExports(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	infos, err := h.exports.ListExports(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, h.logger, "list exports", err)
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": infos})
}
