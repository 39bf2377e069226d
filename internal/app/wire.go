package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/tradekit/internal/blob/s3"
	"github.com/alanyoungcy/tradekit/internal/cache/redis"
	"github.com/alanyoungcy/tradekit/internal/config"
	"github.com/alanyoungcy/tradekit/internal/domain"
	"github.com/alanyoungcy/tradekit/internal/metrics"
	"github.com/alanyoungcy/tradekit/internal/notify"
	"github.com/alanyoungcy/tradekit/internal/server/handler"
	"github.com/alanyoungcy/tradekit/internal/service"
	"github.com/alanyoungcy/tradekit/internal/sizing"
	"github.com/alanyoungcy/tradekit/internal/store/memory"
	"github.com/alanyoungcy/tradekit/internal/store/postgres"
)

// Dependencies bundles everything the modes need. Redis-backed members are
// nil when no Redis address is configured; Archiver is nil outside archive
// mode.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.Archiver

	// Notifier is nil unless a chat channel is configured.
	Notifier *notify.Notifier

	Metrics *metrics.Metrics
	Policy  *sizing.Policy
	Ledger  *service.Ledger

	// HealthChecks are pinged by GET /api/health.
	HealthChecks map[string]handler.Pinger
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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics:      metrics.New(),
		HealthChecks: make(map[string]handler.Pinger),
	}

	// --- Position and audit stores ---
	if strings.EqualFold(cfg.Store, "memory") {
		deps.PositionStore = memory.NewPositionStore()
		deps.AuditStore = memory.NewAuditStore()
	} else {
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.PositionStore = postgres.NewPositionStore(pgClient.Pool())
		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
		deps.HealthChecks["postgres"] = pgClient
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
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
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HealthChecks["redis"] = redisClient
	} else {
		logger.WarnContext(ctx, "wire: redis not configured; bot locks, event bus and price cache disabled")
	}

	// --- S3 archive ---
	if strings.EqualFold(cfg.Mode, "archive") {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		logger.InfoContext(ctx, "wire: s3 archive ready", slog.String("bucket", s3Client.Bucket()))
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.PositionStore,
			deps.AuditStore,
			logger,
		)
	}

	// --- Notifications ---
	if cfg.Notify.Enabled() {
		var senders []notify.Sender
		if cfg.Notify.TelegramToken != "" {
			senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
		}
		if cfg.Notify.DiscordWebhookURL != "" {
			senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
		}
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	// --- Sizing and ledger ---
	sizingCfg, err := cfg.Sizing.Policy()
	if err != nil {
		return fail(fmt.Errorf("wire: sizing: %w", err))
	}
	deps.Policy, err = sizing.NewPolicy(sizingCfg)
	if err != nil {
		return fail(fmt.Errorf("wire: sizing: %w", err))
	}

	ledgerOpts := []service.LedgerOption{
		service.WithLedgerLogger(logger),
		service.WithAudit(deps.AuditStore),
		service.WithMetrics(deps.Metrics),
	}
	if deps.SignalBus != nil {
		ledgerOpts = append(ledgerOpts, service.WithSignalBus(deps.SignalBus))
	}
	deps.Ledger, err = service.NewLedger(service.LedgerConfig{
		InitialCash:     cfg.Ledger.InitialCash,
		InitialHoldings: cfg.Ledger.InitialHoldings,
		Commission:      cfg.Ledger.Commission,
	}, deps.PositionStore, ledgerOpts...)
	if err != nil {
		return fail(fmt.Errorf("wire: ledger: %w", err))
	}

	return deps, cleanup, nil
}
