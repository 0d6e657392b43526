package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/alanyoungcy/coinledger/internal/gateway"
)

// MarketService is the cached, admission-checked market data path.
type MarketService interface {
	Raw(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
	Admission() gateway.Admission
}

// proxyPaths are the upstream paths the same-origin proxy forwards.
var proxyPaths = []*regexp.Regexp{
	regexp.MustCompile(`^coins/markets$`),
	regexp.MustCompile(`^coins/[a-z0-9][a-z0-9-]*/market_chart$`),
}

// MarketHandler serves the market data proxy and admission status.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logHandler(logger, "market")}
}

type admissionResponse struct {
	Allowed     bool `json:"allowed"`
	WaitSeconds int  `json:"wait_seconds"`
}

// Admission reports whether an uncached market request would be sent now,
// and otherwise how long to wait.
// GET /api/market/admission
func (h *MarketHandler) Admission(w http.ResponseWriter, r *http.Request) {
	a := h.markets.Admission()
	writeJSON(w, http.StatusOK, admissionResponse{Allowed: a.Allowed, WaitSeconds: a.WaitSeconds()})
}

// Proxy forwards an allowed market data request upstream through the
// gateway and returns the body unchanged.
// GET /api/crypto?path=coins/markets&vs_currency=usd
func (h *MarketHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	path := strings.Trim(params.Get("path"), "/")
	params.Del("path")

	if !allowedProxyPath(path) {
		writeError(w, http.StatusBadRequest, "path not allowed")
		return
	}

	body, err := h.markets.Raw(r.Context(), "/"+path, params)
	if err != nil {
		writeServiceError(w, r, h.logger, "market proxy", err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func allowedProxyPath(path string) bool {
	for _, re := range proxyPaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
