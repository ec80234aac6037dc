package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEGSAFE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEGSAFE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are expected to arrive this way rather than in the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "LEGSAFE_MODE")
	setStr(&cfg.LogLevel, "LEGSAFE_LOG_LEVEL")

	// ── Store ──
	setStr(&cfg.Store.Driver, "LEGSAFE_STORE_DRIVER")
	setStr(&cfg.Store.Path, "LEGSAFE_STORE_PATH")
	setStr(&cfg.Store.DSN, "LEGSAFE_STORE_DSN")
	setStr(&cfg.Store.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Store.Host, "LEGSAFE_STORE_HOST")
	setInt(&cfg.Store.Port, "LEGSAFE_STORE_PORT")
	setStr(&cfg.Store.Database, "LEGSAFE_STORE_DATABASE")
	setStr(&cfg.Store.User, "LEGSAFE_STORE_USER")
	setStr(&cfg.Store.Password, "LEGSAFE_STORE_PASSWORD")
	setStr(&cfg.Store.SSLMode, "LEGSAFE_STORE_SSL_MODE")
	setInt(&cfg.Store.PoolMaxConns, "LEGSAFE_STORE_POOL_MAX_CONNS")
	setInt(&cfg.Store.PoolMinConns, "LEGSAFE_STORE_POOL_MIN_CONNS")
	setBool(&cfg.Store.RunMigrations, "LEGSAFE_STORE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEGSAFE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEGSAFE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEGSAFE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEGSAFE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEGSAFE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEGSAFE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "LEGSAFE_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LEGSAFE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEGSAFE_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEGSAFE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEGSAFE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEGSAFE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEGSAFE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEGSAFE_S3_FORCE_PATH_STYLE")
	setInt64(&cfg.S3.PartSizeMB, "LEGSAFE_S3_PART_SIZE_MB")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LEGSAFE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "LEGSAFE_ARCHIVE_CRON")
	setInt(&cfg.Archive.LookbackDays, "LEGSAFE_ARCHIVE_LOOKBACK_DAYS")

	// ── Alpaca ──
	setStr(&cfg.Alpaca.APIKey, "LEGSAFE_ALPACA_API_KEY")
	setStr(&cfg.Alpaca.APISecret, "LEGSAFE_ALPACA_API_SECRET")
	setStr(&cfg.Alpaca.BaseURL, "LEGSAFE_ALPACA_BASE_URL")

	// ── Queue ──
	setInt(&cfg.Queue.RateLimit, "LEGSAFE_QUEUE_RATE_LIMIT")
	setDuration(&cfg.Queue.RateWindow, "LEGSAFE_QUEUE_RATE_WINDOW")
	setInt(&cfg.Queue.MaxRetries, "LEGSAFE_QUEUE_MAX_RETRIES")
	setDuration(&cfg.Queue.BackoffBase, "LEGSAFE_QUEUE_BACKOFF_BASE")
	setDuration(&cfg.Queue.BackoffMax, "LEGSAFE_QUEUE_BACKOFF_MAX")
	setDuration(&cfg.Queue.BackfillDelay, "LEGSAFE_QUEUE_BACKFILL_DELAY")
	setInt(&cfg.Queue.BackfillMaxRetries, "LEGSAFE_QUEUE_BACKFILL_MAX_RETRIES")
	setDuration(&cfg.Queue.BackfillInterval, "LEGSAFE_QUEUE_BACKFILL_INTERVAL")
	setDuration(&cfg.Queue.CallTimeout, "LEGSAFE_QUEUE_CALL_TIMEOUT")
	setInt(&cfg.Queue.BatchSize, "LEGSAFE_QUEUE_BATCH_SIZE")

	// ── Breaker ──
	setInt(&cfg.Breaker.FailureThreshold, "LEGSAFE_BREAKER_FAILURE_THRESHOLD")
	setInt(&cfg.Breaker.SuccessThreshold, "LEGSAFE_BREAKER_SUCCESS_THRESHOLD")
	setDuration(&cfg.Breaker.Window, "LEGSAFE_BREAKER_WINDOW")
	setDuration(&cfg.Breaker.Cooldown, "LEGSAFE_BREAKER_COOLDOWN")

	// ── Coordinator ──
	setDuration(&cfg.Coordinator.FillTimeout, "LEGSAFE_COORDINATOR_FILL_TIMEOUT")
	setDuration(&cfg.Coordinator.FillPollInterval, "LEGSAFE_COORDINATOR_FILL_POLL_INTERVAL")
	setStr(&cfg.Coordinator.ClosePolicy, "LEGSAFE_COORDINATOR_CLOSE_POLICY")
	setBool(&cfg.Coordinator.UnwindFailedOpen, "LEGSAFE_COORDINATOR_UNWIND_FAILED_OPEN")
	setDuration(&cfg.Coordinator.LockTTL, "LEGSAFE_COORDINATOR_LOCK_TTL")

	// ── Assignment / Reconcile ──
	setDuration(&cfg.Assignment.PollInterval, "LEGSAFE_ASSIGNMENT_POLL_INTERVAL")
	setDuration(&cfg.Assignment.Retain, "LEGSAFE_ASSIGNMENT_RETAIN")
	setDuration(&cfg.Reconcile.Interval, "LEGSAFE_RECONCILE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEGSAFE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEGSAFE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEGSAFE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LEGSAFE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LEGSAFE_SERVER_RATE_LIMIT")
	setBool(&cfg.Server.AcceptIntents, "LEGSAFE_SERVER_ACCEPT_INTENTS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEGSAFE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEGSAFE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEGSAFE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.MinSeverity, "LEGSAFE_NOTIFY_MIN_SEVERITY")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
