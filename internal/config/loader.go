package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load lays the TOML file at path over Defaults, loads .env if present, and
// applies COINLEDGER_* overrides. An empty path skips the file. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and per-deploy settings
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "COINLEDGER_MODE")
	setStr(&cfg.LogLevel, "COINLEDGER_LOG_LEVEL")
	setStr(&cfg.Store, "COINLEDGER_STORE")
	setStr(&cfg.Cache, "COINLEDGER_CACHE")

	// Postgres
	setStr(&cfg.Postgres.DSN, "COINLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "COINLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COINLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COINLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COINLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COINLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COINLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COINLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COINLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COINLEDGER_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.Addr, "COINLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COINLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COINLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COINLEDGER_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "COINLEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "COINLEDGER_REDIS_KEY_PREFIX")

	// S3
	setBool(&cfg.S3.Enabled, "COINLEDGER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COINLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COINLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "COINLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COINLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COINLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COINLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COINLEDGER_S3_FORCE_PATH_STYLE")

	// Market
	setStr(&cfg.Market.BaseURL, "COINLEDGER_MARKET_BASE_URL")
	setStr(&cfg.Market.APIKey, "COINLEDGER_MARKET_API_KEY")
	setStr(&cfg.Market.APIKeyHeader, "COINLEDGER_MARKET_API_KEY_HEADER")
	setDuration(&cfg.Market.Timeout, "COINLEDGER_MARKET_TIMEOUT")
	setDuration(&cfg.Market.Window, "COINLEDGER_MARKET_WINDOW")
	setInt(&cfg.Market.MaxRequests, "COINLEDGER_MARKET_MAX_REQUESTS")
	setDuration(&cfg.Market.MinDelay, "COINLEDGER_MARKET_MIN_DELAY")

	// Server
	setInt(&cfg.Server.Port, "COINLEDGER_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COINLEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "COINLEDGER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "COINLEDGER_SERVER_RATE_LIMIT")

	// Portfolio, export and watch
	setStr(&cfg.Portfolio.Currency, "COINLEDGER_PORTFOLIO_CURRENCY")
	setInt(&cfg.Portfolio.TopN, "COINLEDGER_PORTFOLIO_TOP_N")
	setStringSlice(&cfg.Export.Users, "COINLEDGER_EXPORT_USERS")
	setStr(&cfg.Watch.User, "COINLEDGER_WATCH_USER")
	setDuration(&cfg.Watch.RefreshInterval, "COINLEDGER_WATCH_REFRESH_INTERVAL")

	// Notifications
	setStr(&cfg.Notify.TelegramToken, "COINLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COINLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COINLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COINLEDGER_NOTIFY_EVENTS")
}

// Each helper only changes dst when the variable is set, non-empty and
// parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
