// Package server is the HTTP and WebSocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/coinledger/internal/domain"
	"github.com/alanyoungcy/coinledger/internal/server/handler"
	"github.com/alanyoungcy/coinledger/internal/server/middleware"
	"github.com/alanyoungcy/coinledger/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey enables bearer authentication when set.
	APIKey          string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the route handlers. Exports may be nil when no
// object store is configured.
type Handlers struct {
	Health    *handler.HealthHandler
	Portfolio *handler.PortfolioHandler
	Market    *handler.MarketHandler
	Exports   *handler.ExportHandler
}

// Server is the API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain:
// CORS, logging, rate limit, then auth.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, handlers, hub, limiter, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Proxied chart requests can wait on the upstream timeout.
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the routed, middleware-wrapped handler.
func Routes(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	p := handlers.Portfolio
	mux.HandleFunc("GET /api/portfolio", p.GetPortfolio)
	mux.HandleFunc("GET /api/portfolio/stats", p.GetStats)
	mux.HandleFunc("GET /api/transactions", p.ListTransactions)
	mux.HandleFunc("DELETE /api/transactions/{id}", p.DeleteTransaction)
	mux.HandleFunc("POST /api/assets", p.AddAsset)
	mux.HandleFunc("POST /api/assets/{coin}/sell", p.SellAsset)
	mux.HandleFunc("PUT /api/watchlist/{coin}", p.AddToWatchlist)
	mux.HandleFunc("DELETE /api/watchlist/{coin}", p.RemoveFromWatchlist)

	mux.HandleFunc("GET /api/market/admission", handlers.Market.Admission)
	mux.HandleFunc("GET /api/crypto", handlers.Market.Proxy)

	if handlers.Exports != nil {
		mux.HandleFunc("POST /api/exports", handlers.Exports.CreateExport)
		mux.HandleFunc("GET /api/exports", handlers.Exports.ListExports)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
