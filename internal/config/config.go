// Package config defines the top-level legsafe configuration and its
// validation rules.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEGSAFE_* environment variables.
type Config struct {
	Mode        string            `toml:"mode"` // paper, live or monitor
	LogLevel    string            `toml:"log_level"`
	Store       StoreConfig       `toml:"store"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Alpaca      AlpacaConfig      `toml:"alpaca"`
	Queue       QueueConfig       `toml:"queue"`
	Breaker     BreakerConfig     `toml:"breaker"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Assignment  AssignmentConfig  `toml:"assignment"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
}

// StoreConfig selects and configures the durable store.
type StoreConfig struct {
	Driver        string `toml:"driver"` // memory, sqlite or postgres
	Path          string `toml:"path"`   // sqlite file
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

// RedisConfig holds Redis connection parameters. An empty Addr keeps locks,
// rate limits and the event bus in process.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSizeMB     int64  `toml:"part_size_mb"`
}

// ArchiveConfig controls the daily Parquet export of risk history.
type ArchiveConfig struct {
	Enabled      bool   `toml:"enabled"`
	Cron         string `toml:"cron"`
	LookbackDays int    `toml:"lookback_days"`
}

// AlpacaConfig holds Alpaca trading API credentials.
type AlpacaConfig struct {
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	BaseURL   string `toml:"base_url"`
}

// QueueConfig tunes the request queue and its worker.
type QueueConfig struct {
	RateLimit          int      `toml:"rate_limit"` // broker calls per RateWindow
	RateWindow         duration `toml:"rate_window"`
	MaxRetries         int      `toml:"max_retries"`
	BackoffBase        duration `toml:"backoff_base"`
	BackoffMax         duration `toml:"backoff_max"`
	BackfillDelay      duration `toml:"backfill_delay"`
	BackfillMaxRetries int      `toml:"backfill_max_retries"`
	BackfillInterval   duration `toml:"backfill_interval"`
	CallTimeout        duration `toml:"call_timeout"`
	BatchSize          int      `toml:"batch_size"`
}

// BreakerConfig tunes the broker circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	SuccessThreshold int      `toml:"success_threshold"`
	Window           duration `toml:"window"`
	Cooldown         duration `toml:"cooldown"`
}

// CoordinatorConfig tunes multi-leg open and close.
type CoordinatorConfig struct {
	FillTimeout      duration `toml:"fill_timeout"`
	FillPollInterval duration `toml:"fill_poll_interval"`
	ClosePolicy      string   `toml:"close_policy"` // fail_fast or compensate
	UnwindFailedOpen bool     `toml:"unwind_failed_open"`
	LockTTL          duration `toml:"lock_ttl"`
}

// AssignmentConfig tunes the assignment monitor.
type AssignmentConfig struct {
	PollInterval duration `toml:"poll_interval"`
	Retain       duration `toml:"retain"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	Interval duration `toml:"interval"`
}

// ServerConfig holds HTTP API server settings.
type ServerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	RateLimit     int      `toml:"rate_limit"` // requests per second per client
	AcceptIntents bool     `toml:"accept_intents"`
}

// NotifyConfig holds alert delivery settings.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	MinSeverity       string `toml:"min_severity"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "30s", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:        "memory",
			Path:          "legsafe.db",
			Port:          5432,
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "legsafe:",
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
			PartSizeMB:     8,
		},
		Archive: ArchiveConfig{
			Cron:         "15 0 * * *",
			LookbackDays: 3,
		},
		Alpaca: AlpacaConfig{
			BaseURL: "https://paper-api.alpaca.markets",
		},
		Queue: QueueConfig{
			RateLimit:          150,
			RateWindow:         duration{time.Minute},
			MaxRetries:         3,
			BackoffBase:        duration{time.Second},
			BackoffMax:         duration{time.Minute},
			BackfillDelay:      duration{time.Minute},
			BackfillMaxRetries: 20,
			BackfillInterval:   duration{30 * time.Second},
			CallTimeout:        duration{10 * time.Second},
			BatchSize:          16,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Window:           duration{time.Minute},
			Cooldown:         duration{30 * time.Second},
		},
		Coordinator: CoordinatorConfig{
			FillTimeout:      duration{30 * time.Second},
			FillPollInterval: duration{time.Second},
			ClosePolicy:      "fail_fast",
			UnwindFailedOpen: true,
			LockTTL:          duration{time.Minute},
		},
		Assignment: AssignmentConfig{
			PollInterval: duration{time.Minute},
			Retain:       duration{24 * time.Hour},
		},
		Reconcile: ReconcileConfig{
			Interval: duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      8080,
			RateLimit: 20,
		},
		Notify: NotifyConfig{
			MinSeverity: "warning",
		},
	}
}

// Validate checks the configuration for logical errors and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	switch c.Mode {
	case "paper", "live", "monitor":
	default:
		errs = append(errs, fmt.Sprintf("mode must be paper, live or monitor, got %q", c.Mode))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}

	// Store
	switch c.Store.Driver {
	case "memory":
		if c.Mode == "live" {
			errs = append(errs, "store: live mode requires a durable store (sqlite or postgres)")
		}
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store: path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" && c.Store.Host == "" {
			errs = append(errs, "store: dsn or host is required for the postgres driver")
		}
		if c.Store.PoolMinConns > c.Store.PoolMaxConns {
			errs = append(errs, fmt.Sprintf("store: pool_min_conns (%d) exceeds pool_max_conns (%d)", c.Store.PoolMinConns, c.Store.PoolMaxConns))
		}
	default:
		errs = append(errs, fmt.Sprintf("store: driver must be memory, sqlite or postgres, got %q", c.Store.Driver))
	}

	// Broker
	if c.Mode == "live" || c.Mode == "monitor" {
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, fmt.Sprintf("alpaca: api_key and api_secret are required in %s mode", c.Mode))
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "archive: s3.bucket is required when the archive is enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
		if c.Archive.LookbackDays < 1 {
			errs = append(errs, fmt.Sprintf("archive: lookback_days must be >= 1, got %d", c.Archive.LookbackDays))
		}
	}

	// Queue
	if c.Queue.RateLimit <= 0 || c.Queue.RateWindow.Duration <= 0 {
		errs = append(errs, "queue: rate_limit and rate_window must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("queue: max_retries must be >= 0, got %d", c.Queue.MaxRetries))
	}
	if c.Queue.BackoffMax.Duration < c.Queue.BackoffBase.Duration {
		errs = append(errs, "queue: backoff_max must not be below backoff_base")
	}
	if c.Queue.CallTimeout.Duration <= 0 {
		errs = append(errs, "queue: call_timeout must be positive")
	}

	// Breaker
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, "breaker: failure_threshold and success_threshold must be >= 1")
	}
	if c.Breaker.Cooldown.Duration <= 0 {
		errs = append(errs, "breaker: cooldown must be positive")
	}

	// Coordinator
	switch c.Coordinator.ClosePolicy {
	case "fail_fast", "compensate":
	default:
		errs = append(errs, fmt.Sprintf("coordinator: close_policy must be fail_fast or compensate, got %q", c.Coordinator.ClosePolicy))
	}
	if c.Coordinator.FillTimeout.Duration <= 0 {
		errs = append(errs, "coordinator: fill_timeout must be positive")
	}

	// Reconcile
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be positive")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Mode == "live" && c.Server.APIKey == "" {
			errs = append(errs, "server: api_key is required in live mode")
		}
	}

	// Notify
	switch c.Notify.MinSeverity {
	case "info", "warning", "critical", "fatal":
	default:
		errs = append(errs, fmt.Sprintf("notify: min_severity must be info, warning, critical or fatal, got %q", c.Notify.MinSeverity))
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
