package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	s3blob "github.com/alanyoungcy/coinledger/internal/blob/s3"
	"github.com/alanyoungcy/coinledger/internal/cache/memory"
	"github.com/alanyoungcy/coinledger/internal/cache/redis"
	"github.com/alanyoungcy/coinledger/internal/config"
	"github.com/alanyoungcy/coinledger/internal/domain"
	"github.com/alanyoungcy/coinledger/internal/feed"
	"github.com/alanyoungcy/coinledger/internal/gateway"
	"github.com/alanyoungcy/coinledger/internal/market"
	"github.com/alanyoungcy/coinledger/internal/notify"
	"github.com/alanyoungcy/coinledger/internal/server/handler"
	"github.com/alanyoungcy/coinledger/internal/service"
	memstore "github.com/alanyoungcy/coinledger/internal/store/memory"
	"github.com/alanyoungcy/coinledger/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	LedgerStore domain.LedgerStore

	// Caches
	QuoteCache  domain.QuoteCache
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Market data
	Gateway *gateway.Gateway
	Market  *market.Client

	// Services
	Ledger     *service.LedgerService
	Subscriber *feed.Subscriber

	// Exporter is nil unless s3.enabled.
	Exporter *s3blob.Exporter

	// Notifier sends operator alerts; it has no senders unless configured.
	Notifier *notify.Notifier

	// Health lists every backing service that can be pinged.
	Health map[string]handler.Pinger
}

// Wire constructs the concrete implementations selected by cfg and returns
// them with a cleanup function that releases connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Health: make(map[string]handler.Pinger)}

	// --- Ledger store ---
	switch cfg.Store {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.LedgerStore = postgres.NewLedgerStore(pgClient.Pool(), logger)
		deps.Health["postgres"] = pgClient
	default:
		deps.LedgerStore = memstore.NewLedgerStore()
	}

	// --- Caches, bus, limiter and locks ---
	switch cfg.Cache {
	case "redis":
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.QuoteCache = redis.NewQuoteCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Health["redis"] = redisClient
	default:
		deps.QuoteCache = memory.NewQuoteCache()
		deps.SignalBus = memory.NewBus()
		deps.RateLimiter = memory.NewRateLimiter()
		deps.LockManager = memory.NewLockManager()
	}

	// --- Market data ---
	window := gateway.NewRateWindow(
		cfg.Market.Window.Duration,
		cfg.Market.MaxRequests,
		cfg.Market.MinDelay.Duration,
	)
	deps.Gateway = gateway.New(gateway.Config{
		BaseURL:      cfg.Market.BaseURL,
		APIKey:       cfg.Market.APIKey,
		APIKeyHeader: cfg.Market.APIKeyHeader,
		Timeout:      cfg.Market.Timeout.Duration,
		RetryAfter:   cfg.Market.RetryAfter.Duration,
	}, window, &http.Client{}, logger)
	deps.Market = market.New(deps.Gateway, deps.QuoteCache, market.Options{
		ListTTL:  cfg.Market.ListTTL.Duration,
		ChartTTL: cfg.Market.ChartTTL.Duration,
	}, logger)

	// --- Services ---
	publisher := feed.NewPublisher(deps.SignalBus, logger)
	deps.Ledger = service.NewLedgerService(deps.LedgerStore, publisher, logger)
	deps.Subscriber = feed.NewSubscriber(deps.SignalBus, deps.LedgerStore, logger)

	// --- S3 exports ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Exporter = s3blob.NewExporter(
			deps.LedgerStore,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.LockManager,
			s3blob.ExporterOptions{MultipartThreshold: cfg.S3.MultipartThresholdMB << 20},
			logger,
		)
		deps.Health["s3"] = s3Client
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
