// Package config defines the coinledger configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file laid over
// Defaults and are then overridden by COINLEDGER_* environment variables.
type Config struct {
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	Store     string          `toml:"store"`
	Cache     string          `toml:"cache"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Market    MarketConfig    `toml:"market"`
	Server    ServerConfig    `toml:"server"`
	Portfolio PortfolioConfig `toml:"portfolio"`
	Export    ExportConfig    `toml:"export"`
	Watch     WatchConfig     `toml:"watch"`
	Notify    NotifyConfig    `toml:"notify"`
}

// PostgresConfig holds database connection parameters. DSN wins over the
// individual fields when set.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds the export bucket. Exports are disabled unless Enabled.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// MultipartThresholdMB switches uploads to multipart above this size.
	MultipartThresholdMB int `toml:"multipart_threshold_mb"`
}

// MarketConfig holds the market data API and its local quota.
type MarketConfig struct {
	BaseURL      string   `toml:"base_url"`
	APIKey       string   `toml:"api_key"`
	APIKeyHeader string   `toml:"api_key_header"`
	Timeout      duration `toml:"timeout"`
	Window       duration `toml:"window"`
	MaxRequests  int      `toml:"max_requests"`
	MinDelay     duration `toml:"min_delay"`
	// RetryAfter is assumed when a 429 carries no Retry-After header.
	RetryAfter duration `toml:"retry_after"`
	ListTTL    duration `toml:"list_ttl"`
	ChartTTL   duration `toml:"chart_ttl"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// PortfolioConfig holds presentation defaults.
type PortfolioConfig struct {
	Currency string `toml:"currency"`
	TopN     int    `toml:"top_n"`
	PageSize int    `toml:"page_size"`
}

// ExportConfig selects the users written by the export mode.
type ExportConfig struct {
	Users []string `toml:"users"`
}

// NotifyConfig holds operator alert channels. Events filters which alerts
// are sent; empty sends all.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// WatchConfig selects the user followed by the watch mode.
type WatchConfig struct {
	User            string   `toml:"user"`
	RefreshInterval duration `toml:"refresh_interval"`
	// Chart is fetched once at start when set.
	Chart     string `toml:"chart"`
	ChartDays int    `toml:"chart_days"`
}

// duration wraps time.Duration so TOML can hold strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs a single node entirely in memory
// against the public CoinGecko API.
func Defaults() Config {
	return Config{
		Mode:     "serve",
		LogLevel: "info",
		Store:    "memory",
		Cache:    "memory",
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "coinledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "coinledger",
		},
		S3: S3Config{
			Region:               "us-east-1",
			MultipartThresholdMB: 8,
		},
		Market: MarketConfig{
			BaseURL:      "https://api.coingecko.com/api/v3",
			APIKeyHeader: "x-cg-demo-api-key",
			Timeout:      duration{60 * time.Second},
			Window:       duration{60 * time.Second},
			MaxRequests:  25,
			MinDelay:     duration{2 * time.Second},
			RetryAfter:   duration{60 * time.Second},
			ListTTL:      duration{2 * time.Minute},
			ChartTTL:     duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Portfolio: PortfolioConfig{
			Currency: "usd",
			TopN:     5,
			PageSize: 20,
		},
		Watch: WatchConfig{
			RefreshInterval: duration{time.Minute},
			ChartDays:       7,
		},
	}
}

var validModes = map[string]bool{
	"serve":  true,
	"export": true,
	"watch":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks for invalid or missing values and returns one error
// listing every problem.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, export, watch)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Store {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: postgres, memory)", c.Store))
	}

	switch c.Cache {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown cache %q (valid: redis, memory)", c.Cache))
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}
	if c.Mode == "export" {
		if !c.S3.Enabled {
			errs = append(errs, "export mode requires s3.enabled")
		}
		if len(c.Export.Users) == 0 {
			errs = append(errs, "export mode requires export.users")
		}
	}

	if c.Mode == "watch" {
		if c.Watch.User == "" {
			errs = append(errs, "watch mode requires watch.user")
		}
		if c.Watch.RefreshInterval.Duration <= 0 {
			errs = append(errs, "watch: refresh_interval must be > 0")
		}
	}

	if c.Market.BaseURL == "" {
		errs = append(errs, "market: base_url must not be empty")
	}
	if c.Market.Timeout.Duration <= 0 {
		errs = append(errs, "market: timeout must be > 0")
	}
	if c.Market.Window.Duration <= 0 {
		errs = append(errs, "market: window must be > 0")
	}
	if c.Market.MaxRequests < 1 {
		errs = append(errs, "market: max_requests must be >= 1")
	}
	if c.Market.MinDelay.Duration < 0 {
		errs = append(errs, "market: min_delay must not be negative")
	}
	if c.Market.ChartTTL.Duration < c.Market.ListTTL.Duration {
		errs = append(errs, "market: chart_ttl must not be shorter than list_ttl")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
		errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
	}

	if c.Portfolio.Currency == "" {
		errs = append(errs, "portfolio: currency must not be empty")
	}
	if c.Portfolio.TopN < 1 {
		errs = append(errs, "portfolio: top_n must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
