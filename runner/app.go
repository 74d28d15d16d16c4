package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/config"
	"github.com/Vector/vector-commerce-sync/connector"
	"github.com/Vector/vector-commerce-sync/connector/klaviyo"
	"github.com/Vector/vector-commerce-sync/connector/shopify"
	"github.com/Vector/vector-commerce-sync/distlock"
	"github.com/Vector/vector-commerce-sync/integrations"
	"github.com/Vector/vector-commerce-sync/memory"
	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/pkg/encryption"
	"github.com/Vector/vector-commerce-sync/postgres"
	"github.com/Vector/vector-commerce-sync/redis"
	redisconfig "github.com/Vector/vector-commerce-sync/redis/config"
	"github.com/Vector/vector-commerce-sync/redis/tasks"
	"github.com/Vector/vector-commerce-sync/scheduler"
	"github.com/Vector/vector-commerce-sync/tlmt"
	"github.com/Vector/vector-commerce-sync/tlmt/gonoop"
	"github.com/Vector/vector-commerce-sync/tlmt/goposthog"
)

// App holds the collaborators shared by every run mode.
type App struct {
	Config       *Config
	Logger       *zap.Logger
	DB           *sql.DB
	Integrations *integrations.Service
	Settings     *config.Service
	Scheduler    *scheduler.Scheduler
	Telemetry    tlmt.Telemetry
	Redis        *redis.Client
	RedisConfig  *redisconfig.RedisConfig

	closers []func() error
}

type repositories struct {
	integrations models.IntegrationRepository
	syncLogs     models.SyncLogRepository
	states       models.OAuthStateRepository
	records      models.RecordRepository
}

// NewApp connects the stores and builds the orchestrator and scheduler.
// On error everything opened so far is closed.
func NewApp(ctx context.Context, cfg *Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	app = &App{Config: cfg, Logger: logger}

	defer func() {
		if err != nil {
			err = multierr.Append(err, app.Close())
			app = nil
		}
	}()

	if !cfg.InMemory() && cfg.MigrateBeforeStarting {
		if err := Migrate(ctx, cfg, logger); err != nil {
			return app, err
		}
	}

	repos, err := app.openStores(ctx)
	if err != nil {
		return app, err
	}

	vault, err := encryption.New(cfg.EncryptionKey, logger)
	if err != nil {
		return app, fmt.Errorf("failed to create token vault: %w", err)
	}

	if cfg.RedisURL != "" {
		app.RedisConfig, err = redisconfig.ParseURL(cfg.RedisURL, redisconfig.WithWorkers(cfg.SyncConcurrency))
		if err != nil {
			return app, err
		}

		app.Redis, err = redis.NewClient(ctx, app.RedisConfig)
		if err != nil {
			return app, err
		}

		app.closers = append(app.closers, app.Redis.Close)
	}

	app.Telemetry = newTelemetry(cfg, logger)
	app.closers = append(app.closers, app.Telemetry.Close)

	registry := connector.NewRegistry(connector.RegistryConfig{
		APIBaseURL: cfg.APIBaseURL,
		Credentials: map[string]connector.Credentials{
			shopify.Provider: {ClientID: cfg.ShopifyClientID, ClientSecret: cfg.ShopifyClientSecret},
			klaviyo.Provider: {ClientID: cfg.KlaviyoClientID, ClientSecret: cfg.KlaviyoClientSecret},
		},
		Vault:        vault,
		Integrations: repos.integrations,
		SyncLogs:     repos.syncLogs,
		Records:      repos.records,
		Logger:       logger,
	})
	registry.Register(shopify.Provider, shopify.NewFactory())
	registry.Register(klaviyo.Provider, klaviyo.NewFactory())

	for _, p := range registry.Providers() {
		if !registry.Configured(p) {
			logger.Warn("provider credentials missing, connect requests will fail", zap.String("provider", p))
		}
	}

	locker, err := app.newLocker(ctx)
	if err != nil {
		return app, err
	}

	opts := []integrations.Option{
		integrations.WithLogger(logger),
		integrations.WithLocker(locker),
		integrations.WithTelemetry(app.Telemetry),
		integrations.WithStateTTL(cfg.StateTTL),
		integrations.WithSyncConcurrency(cfg.SyncConcurrency),
	}

	if app.Redis != nil {
		opts = append(opts, integrations.WithDispatcher(tasks.NewDispatcher(app.Redis,
			tasks.WithMaxRetries(app.RedisConfig.MaxRetries),
			tasks.WithRetention(app.RedisConfig.Retention),
		)))
	}

	app.Integrations = integrations.New(integrations.Config{
		Registry:     registry,
		Vault:        vault,
		Integrations: repos.integrations,
		SyncLogs:     repos.syncLogs,
		States:       repos.states,
	}, opts...)

	app.Scheduler = scheduler.New(locker, logger)
	app.Scheduler.Add(scheduler.IntegrationSyncJob(app.Integrations, app.syncInterval))
	app.Scheduler.Add(scheduler.OAuthStateCleanupJob(app.Integrations, cfg.StateTTL, logger))

	return app, nil
}

func (a *App) openStores(ctx context.Context) (repositories, error) {
	if a.Config.InMemory() {
		a.Logger.Warn("using in-memory storage, nothing survives a restart")
		a.Settings = config.NewWithStore(config.NewMemoryStore(nil))

		return repositories{
			integrations: memory.NewIntegrationRepository(),
			syncLogs:     memory.NewSyncLogRepository(),
			states:       memory.NewOAuthStateRepository(),
			records:      memory.NewRecordRepository(),
		}, nil
	}

	db, err := postgres.Open(ctx, a.Config.Dsn)
	if err != nil {
		return repositories{}, err
	}

	a.DB = db
	a.closers = append(a.closers, db.Close)
	a.Settings = config.New(db)

	return repositories{
		integrations: postgres.NewIntegrationRepository(db),
		syncLogs:     postgres.NewSyncLogRepository(db),
		states:       postgres.NewOAuthStateRepository(db),
		records:      postgres.NewRecordRepository(db),
	}, nil
}

func (a *App) newLocker(ctx context.Context) (distlock.Locker, error) {
	switch a.Config.LockBackend {
	case LockBackendMemory:
		return distlock.NewMemoryLocker(), nil
	case LockBackendPostgres:
		if a.DB == nil {
			return nil, errors.New("postgres lock backend needs a database")
		}

		// held advisory locks pin connections, so they get a pool of their own
		db, err := postgres.Open(ctx, a.Config.Dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock pool: %w", err)
		}

		a.closers = append(a.closers, db.Close)

		l := distlock.NewPostgresLocker(db, a.Logger)
		a.closers = append(a.closers, l.Close)

		return l, nil
	case LockBackendRedis:
		if a.RedisConfig == nil {
			return nil, errors.New("redis lock backend needs REDIS_URL")
		}

		rdb := goredis.NewClient(a.RedisConfig.Options())
		a.closers = append(a.closers, rdb.Close)

		return distlock.NewRedisLocker(rdb, a.Config.LockTTL, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", a.Config.LockBackend)
	}
}

// syncInterval prefers the runtime setting over the flag.
func (a *App) syncInterval(ctx context.Context) time.Duration {
	d, err := a.Settings.GetMinutes(ctx, config.KeySyncIntervalMinutes, a.Config.SyncInterval)
	if err != nil {
		a.Logger.Warn("failed to read sync interval setting", zap.Error(err))
		return a.Config.SyncInterval
	}

	return d
}

// Close waits for in-process syncs and releases every resource, last
// opened first.
func (a *App) Close() error {
	if a.Integrations != nil {
		if d, ok := a.Integrations.Dispatcher().(*integrations.GoroutineDispatcher); ok {
			d.Wait()
		}
	}

	var err error

	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}

	a.closers = nil

	return err
}

// Migrate applies the SQL migrations to cfg.Dsn.
func Migrate(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	m := postgres.NewMigrationRunner(cfg.Dsn, logger)

	if cfg.MigrationsDir != "" {
		if err := m.SetMigrationsDir(cfg.MigrationsDir); err != nil {
			return err
		}
	}

	return m.RunMigrations(ctx)
}

func newTelemetry(cfg *Config, logger *zap.Logger) tlmt.Telemetry {
	if cfg.PosthogAPIKey == "" {
		return gonoop.New()
	}

	t, err := goposthog.New(cfg.PosthogAPIKey, cfg.PosthogEndpoint)
	if err != nil || t == nil {
		logger.Warn("posthog unavailable, telemetry disabled", zap.Error(err))
		return gonoop.New()
	}

	return t
}
