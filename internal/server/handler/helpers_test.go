package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/coinledger/internal/domain"
)

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"rate limited", fmt.Errorf("market: %w", &domain.RateLimitedError{Wait: 2500 * time.Millisecond}), http.StatusTooManyRequests, "3"},
		{"network", &domain.NetworkError{Op: "GET /coins/markets", Err: errors.New("refused")}, http.StatusBadGateway, ""},
		{"upstream", &domain.UpstreamError{Status: 500}, http.StatusBadGateway, ""},
		{"conflict", &domain.ConflictingHistoryError{Sell: domain.Transaction{ID: "s1"}}, http.StatusConflict, ""},
		{"store write", &domain.StoreWriteError{Op: "commit", Err: errors.New("io")}, http.StatusServiceUnavailable, ""},
		{"not found", fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound, ""},
		{"invalid", fmt.Errorf("x: %w", domain.ErrInvalidTransaction), http.StatusBadRequest, ""},
		{"cursor", fmt.Errorf("x: %w", domain.ErrInvalidCursor), http.StatusBadRequest, ""},
		{"lock held", domain.ErrLockHeld, http.StatusConflict, ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			writeServiceError(rec, req, logHandler(nil, "test"), "op", tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestWriteServiceError_CancelledWritesNothing(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	writeServiceError(rec, req, logHandler(nil, "test"), "op", fmt.Errorf("x: %w", context.Canceled))
	assert.Empty(t, rec.Body.String())
}

func TestAllowedProxyPath(t *testing.T) {
	assert.True(t, allowedProxyPath("coins/markets"))
	assert.True(t, allowedProxyPath("coins/bitcoin/market_chart"))
	assert.True(t, allowedProxyPath("coins/usd-coin/market_chart"))
	assert.False(t, allowedProxyPath("coins/list"))
	assert.False(t, allowedProxyPath("coins/../markets"))
	assert.False(t, allowedProxyPath("coins/bitcoin/market_chart/range"))
}

func TestParsePageOpts(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=1000&cursor=abc", nil)
	opts := parsePageOpts(req, 20)
	assert.Equal(t, maxPageSize, opts.Limit)
	assert.Equal(t, "abc", opts.Cursor)

	req = httptest.NewRequest(http.MethodGet, "/?limit=-1", nil)
	assert.Equal(t, 20, parsePageOpts(req, 20).Limit)
}
