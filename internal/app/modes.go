package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/coinledger/internal/domain"
	"github.com/alanyoungcy/coinledger/internal/notify"
	"github.com/alanyoungcy/coinledger/internal/server"
	"github.com/alanyoungcy/coinledger/internal/server/handler"
	"github.com/alanyoungcy/coinledger/internal/server/ws"
	"github.com/alanyoungcy/coinledger/internal/service"
)

// ServeMode runs the HTTP API and the WebSocket hub until ctx is cancelled,
// then drains in-flight requests for up to server.shutdown_timeout.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode", slog.Int("port", a.cfg.Server.Port))

	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Health, a.logger),
		Portfolio: handler.NewPortfolioHandler(deps.Ledger, deps.Market, handler.PortfolioOptions{
			Currency: a.cfg.Portfolio.Currency,
			TopN:     a.cfg.Portfolio.TopN,
			PageSize: a.cfg.Portfolio.PageSize,
		}, a.logger),
		Market: handler.NewMarketHandler(deps.Market, a.logger),
	}
	if deps.Exporter != nil {
		handlers.Exports = handler.NewExportHandler(deps.Exporter, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ExportMode writes one ledger export per configured user and returns. A
// user whose export is already running elsewhere is skipped.
func (a *App) ExportMode(ctx context.Context, deps *Dependencies) error {
	if deps.Exporter == nil {
		return errors.New("export mode: s3 is not enabled")
	}
	a.logger.InfoContext(ctx, "starting export mode", slog.Int("users", len(a.cfg.Export.Users)))

	var failed int
	for _, userID := range a.cfg.Export.Users {
		if err := ctx.Err(); err != nil {
			return err
		}
		exp, err := deps.Exporter.ExportLedger(ctx, userID)
		var alert notify.Alert
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			a.logger.WarnContext(ctx, "export already in progress, skipping",
				slog.String("user_id", userID),
			)
			alert = notify.Alert{
				Event:   notify.EventExportSkipped,
				Title:   "Ledger export skipped",
				Message: "another export is still running",
			}
		case err != nil:
			failed++
			a.logger.ErrorContext(ctx, "export failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			alert = notify.Alert{
				Event:   notify.EventExportFailed,
				Title:   "Ledger export failed",
				Message: err.Error(),
			}
		default:
			a.logger.InfoContext(ctx, "export written",
				slog.String("user_id", userID),
				slog.String("path", exp.Path),
				slog.Int("transactions", exp.Transactions),
				slog.Int("bytes", exp.Bytes),
			)
			alert = notify.Alert{
				Event:   notify.EventExportCompleted,
				Title:   "Ledger export written",
				Message: fmt.Sprintf("%d transactions to %s", exp.Transactions, exp.Path),
			}
		}
		alert.UserID = userID
		if err := deps.Notifier.Notify(ctx, alert); err != nil {
			a.logger.WarnContext(ctx, "export alert not delivered", slog.String("error", err.Error()))
		}
	}
	if failed > 0 {
		return fmt.Errorf("export mode: %d of %d exports failed", failed, len(a.cfg.Export.Users))
	}
	return nil
}

// WatchMode follows one user's portfolio: it logs a summary on every ledger
// change and refreshes quotes on a fixed interval until ctx is cancelled.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	userID := a.cfg.Watch.User
	a.logger.InfoContext(ctx, "starting watch mode",
		slog.String("user_id", userID),
		slog.Duration("refresh_interval", a.cfg.Watch.RefreshInterval.Duration),
	)

	mgr := service.NewPortfolioManager(userID, deps.Subscriber, deps.Market, deps.Ledger, service.ManagerOptions{
		Currency: a.cfg.Portfolio.Currency,
		TopN:     a.cfg.Portfolio.TopN,
	}, a.logger)
	mgr.OnChange(func(st service.State) {
		a.logState(ctx, st)
	})
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("watch mode: %w", err)
	}
	defer mgr.Close()

	g, ctx := errgroup.WithContext(ctx)

	if coinID := a.cfg.Watch.Chart; coinID != "" {
		g.Go(func() error {
			chart, err := mgr.SelectChart(ctx, coinID, a.cfg.Watch.ChartDays)
			if err != nil {
				// Chart errors are already part of the manager state.
				return nil
			}
			a.logger.InfoContext(ctx, "chart loaded",
				slog.String("coin_id", coinID),
				slog.Int("points", len(chart.Points)),
			)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Watch.RefreshInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				_ = mgr.RefreshQuotes(ctx)
			}
		}
	})

	return g.Wait()
}

func (a *App) logState(ctx context.Context, st service.State) {
	attrs := []any{
		slog.String("user_id", st.UserID),
		slog.Int("holdings", len(st.Summary.Assets)),
		slog.String("value", st.Summary.Totals.Value.StringFixed(2)),
		slog.String("profit", st.Summary.Totals.Profit.StringFixed(2)),
	}
	if st.Error != "" {
		attrs = append(attrs, slog.String("error", st.Error), slog.Int("retry_in", st.RetryIn))
		a.logger.WarnContext(ctx, "portfolio updated with errors", attrs...)
		return
	}
	a.logger.InfoContext(ctx, "portfolio updated", attrs...)
}
