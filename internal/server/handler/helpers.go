package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

// maxPageSize caps the transactions page size.
const maxPageSize = 200

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
// Unknown errors are logged and reported as 500 with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	var (
		rateLimited *domain.RateLimitedError
		conflict    *domain.ConflictingHistoryError
		upstream    *domain.UpstreamError
	)
	switch {
	case errors.Is(err, context.Canceled):
		// Client went away; nobody is reading the response.
		return
	case errors.As(err, &rateLimited):
		secs := rateLimited.WaitSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limited",
			"retry_after": secs,
		})
	case errors.Is(err, domain.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":            "deleting this transaction would leave a later sell without enough holdings",
			"conflicting_sell": conflict.Sell,
		})
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "operation already in progress")
	case errors.Is(err, domain.ErrNetwork), errors.As(err, &upstream):
		logger.WarnContext(r.Context(), "handler: "+op+" upstream failure",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "market data unavailable")
	case errors.Is(err, domain.ErrStoreWrite):
		logger.ErrorContext(r.Context(), "handler: "+op+" store write failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "could not save changes, try again")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidTransaction), errors.Is(err, domain.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// userID returns the caller's identity from the X-User-ID header or the
// user query parameter.
func userID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-User-ID")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("user"))
}

// requireUser writes a 400 and returns false when the request has no user.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	u := userID(r)
	if u == "" {
		writeError(w, http.StatusBadRequest, "user is required (X-User-ID header or user query parameter)")
		return "", false
	}
	return u, true
}

// parsePageOpts reads cursor and limit from the query string.
func parsePageOpts(r *http.Request, defaultLimit int) domain.PageOpts {
	q := r.URL.Query()
	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return domain.PageOpts{Limit: limit, Cursor: q.Get("cursor")}
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathParam(r *http.Request, name string) string {
	return strings.TrimSpace(r.PathValue(name))
}
