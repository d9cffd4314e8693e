package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/dayahead/internal/blob/s3"
	"github.com/alanyoungcy/dayahead/internal/cache/redis"
	"github.com/alanyoungcy/dayahead/internal/clearing"
	"github.com/alanyoungcy/dayahead/internal/config"
	"github.com/alanyoungcy/dayahead/internal/domain"
	"github.com/alanyoungcy/dayahead/internal/notify"
	"github.com/alanyoungcy/dayahead/internal/server/handler"
	"github.com/alanyoungcy/dayahead/internal/service"
	"github.com/alanyoungcy/dayahead/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional parts are left nil when their backend is disabled.
type Dependencies struct {
	Postgres *postgres.Client

	// Stores
	ResultStore domain.ResultStore
	AuditStore  domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Engine   *clearing.Engine
	Notifier *notify.Notifier

	// Checks are the readiness probes of the wired backends.
	Checks map[string]handler.Checker
}

// Service builds the clearing service over the wired dependencies. Only
// non-nil optional collaborators are passed on, so the service sees true
// nil interfaces for disabled backends.
func (d *Dependencies) Service(cfg *config.Config, logger *slog.Logger) *service.ClearingService {
	deps := service.ClearingDeps{
		Engine:   d.Engine,
		Results:  d.ResultStore,
		Cache:    d.PriceCache,
		Locks:    d.LockManager,
		Bus:      d.SignalBus,
		Archiver: d.Archiver,
		Archive:  d.BlobReader,
		Audit:    d.AuditStore,
	}
	if d.Notifier != nil {
		deps.Alerts = d.Notifier
	}
	return service.NewClearingService(deps, service.ClearingOptions{
		LockTTL:       cfg.Service.LockTTL.Duration,
		AllowReclear:  cfg.Service.AllowReclear,
		ArchivePrefix: cfg.Service.ArchivePrefix,
	}, logger)
}

// EngineConfig maps the market section of the configuration onto the
// clearing engine parameters.
func EngineConfig(m config.MarketConfig) clearing.Config {
	cfg := clearing.DefaultConfig()
	cfg.Hours = m.Hours
	cfg.MinPrice = m.MinPrice
	cfg.MaxPrice = m.MaxPrice
	cfg.RemovedPercentage = m.RemovedPercentage
	cfg.VolumeTolerance = m.VolumeTolerance
	cfg.Epsilon = m.Epsilon
	cfg.IncrementalCurves = m.IncrementalCurves
	if m.Workers > 0 {
		cfg.Workers = m.Workers
	}
	cfg.MustClearCategories = categories(m.MustClearCategories)
	if len(m.CategoryPriority) > 0 {
		cfg.CategoryPriority = categories(m.CategoryPriority)
	}
	return cfg
}

func categories(names []string) []domain.Category {
	if len(names) == 0 {
		return nil
	}
	out := make([]domain.Category, len(names))
	for i, n := range names {
		out[i] = domain.Category(strings.ToLower(strings.TrimSpace(n)))
	}
	return out
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

	deps := &Dependencies{Checks: make(map[string]handler.Checker)}
	mode := strings.ToLower(cfg.Mode)

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.ConnString(),
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Postgres = pgClient
	deps.Checks["postgres"] = pgClient.Ping

	if mode == "migrate" {
		return deps, cleanup, nil
	}
	if cfg.Postgres.RunMigrations {
		applied, err := pgClient.RunMigrations(ctx)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.InfoContext(ctx, "applied migrations", slog.Any("names", applied))
		}
	}

	pool := pgClient.Pool()
	deps.ResultStore = postgres.NewResultStore(pool)
	auditStore := postgres.NewAuditStore(pool)
	deps.AuditStore = auditStore

	// --- Redis ---
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
	deps.Checks["redis"] = redisClient.Ping

	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Service.CacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage ---
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
		deps.Checks["s3"] = s3Client.Health
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), auditStore, cfg.Service.ArchivePrefix)
	}

	// --- Clearing engine ---
	engine, err := clearing.NewEngine(EngineConfig(cfg.Market), logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: engine: %w", err)
	}
	deps.Engine = engine

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
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}
