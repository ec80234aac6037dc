package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/legsafe/internal/blob/s3"
	"github.com/alanyoungcy/legsafe/internal/cache/local"
	"github.com/alanyoungcy/legsafe/internal/cache/redis"
	"github.com/alanyoungcy/legsafe/internal/config"
	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/metrics"
	"github.com/alanyoungcy/legsafe/internal/notify"
	"github.com/alanyoungcy/legsafe/internal/platform/alpaca"
	"github.com/alanyoungcy/legsafe/internal/platform/paper"
	"github.com/alanyoungcy/legsafe/internal/server/handler"
	"github.com/alanyoungcy/legsafe/internal/store/memory"
	"github.com/alanyoungcy/legsafe/internal/store/postgres"
	"github.com/alanyoungcy/legsafe/internal/store/sqlite"
)

// Dependencies bundles every infrastructure dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Positions     domain.PositionStore
	QueueStore    domain.QueueStore
	RiskEvents    domain.RiskEventStore
	Discrepancies domain.DiscrepancyStore

	// Coordination primitives; Redis-backed when configured, else in process.
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.EventBus

	// Broker
	Gateway domain.BrokerGateway

	// Archive is nil unless archiving is enabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Health checks reported by /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Store ---
	switch cfg.Store.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Store.DSN,
			Host:     cfg.Store.Host,
			Port:     cfg.Store.Port,
			Database: cfg.Store.Database,
			User:     cfg.Store.User,
			Password: cfg.Store.Password,
			SSLMode:  cfg.Store.SSLMode,
			MaxConns: cfg.Store.PoolMaxConns,
			MinConns: cfg.Store.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Store.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		stores := pgClient.Stores()
		deps.Positions = stores.Positions
		deps.QueueStore = stores.Queue
		deps.RiskEvents = stores.RiskEvents
		deps.Discrepancies = stores.Discrepancies
		deps.Checks["postgres"] = pgClient.Ping

	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })

		deps.Positions = db.Positions()
		deps.QueueStore = db.Queue()
		deps.RiskEvents = db.RiskEvents()
		deps.Discrepancies = db.Discrepancies()
		deps.Checks["sqlite"] = db.Ping

	default:
		logger.WarnContext(ctx, "memory store selected; positions do not survive a restart")
		deps.Positions = memory.NewPositionStore()
		deps.QueueStore = memory.NewQueueStore()
		deps.RiskEvents = memory.NewRiskEventStore()
		deps.Discrepancies = memory.NewDiscrepancyStore()
	}

	// --- Locks, rate limits and event bus ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix + cfg.Mode + ":",
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Queue.RateLimit, cfg.Queue.RateWindow.Duration)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewEventBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.RateLimiter = local.NewRateLimiter(cfg.Queue.RateLimit, cfg.Queue.RateWindow.Duration)
		deps.Locks = local.NewLockManager()
		deps.Bus = local.NewEventBus()
	}

	// --- Broker gateway ---
	switch cfg.Mode {
	case "paper":
		deps.Gateway = paper.New(logger)
	default:
		deps.Gateway = alpaca.New(alpaca.Config{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
		}, logger)
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
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
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client, cfg.S3.PartSizeMB<<20),
			s3blob.NewReader(s3Client),
			deps.RiskEvents,
			deps.QueueStore,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, domain.Severity(cfg.Notify.MinSeverity), deps.Bus, logger)

	return deps, cleanup, nil
}
