package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	ModeWeb     = "web"
	ModeWorker  = "worker"
	ModeMigrate = "migrate"
)

const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
	LockBackendMemory   = "memory"
)

// MemoryDSN runs every repository in process memory. Nothing survives a
// restart.
const MemoryDSN = "memory://"

var (
	ErrInvalidRunMode = errors.New("invalid run mode")
)

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type Config struct {
	Mode        string `validate:"required,oneof=web worker migrate"`
	Addr        string `validate:"required_if=Mode web"`
	Dsn         string `validate:"required"`
	APIBaseURL  string `validate:"required_unless=Mode migrate,omitempty,url"`
	FrontendURL string `validate:"required_if=Mode web,omitempty,url"`
	// EncryptionKey is 32 bytes hex encoded. Empty means a per-process key.
	EncryptionKey         string `validate:"omitempty,len=64,hexadecimal"`
	ShopifyClientID       string
	ShopifyClientSecret   string
	KlaviyoClientID       string
	KlaviyoClientSecret   string
	JWTSecret             string        `validate:"required_if=Mode web"`
	RedisURL              string        `validate:"required_if=Mode worker"`
	LockBackend           string        `validate:"required,oneof=postgres redis memory"`
	LockTTL               time.Duration `validate:"gte=1m"`
	SyncInterval          time.Duration `validate:"gte=1m"`
	StateTTL              time.Duration `validate:"gte=1m"`
	SyncConcurrency       int           `validate:"gte=1,lte=64"`
	PosthogAPIKey         string
	PosthogEndpoint       string `validate:"omitempty,url"`
	MigrationsDir         string
	MigrateBeforeStarting bool
	Debug                 bool
}

// InMemory reports whether repositories live in process memory.
func (c *Config) InMemory() bool {
	return c.Dsn == MemoryDSN
}

// ParseConfig reads flags from args, falling back to the environment for
// every value not given on the command line.
func ParseConfig(args []string) (*Config, error) {
	cfg := Config{}

	fs := flag.NewFlagSet("vector-commerce-sync", flag.ContinueOnError)

	fs.StringVar(&cfg.Mode, "mode", envOr("MODE", ModeWeb), "run mode: web, worker or migrate")
	fs.StringVar(&cfg.Addr, "addr", envOr("ADDR", ":8080"), "address to listen on for the web server")
	fs.StringVar(&cfg.Dsn, "dsn", os.Getenv("DATABASE_URL"), "database connection string, memory:// keeps everything in memory")
	fs.StringVar(&cfg.APIBaseURL, "api-base-url", os.Getenv("API_BASE_URL"), "public base URL of this API, used to build OAuth redirect URIs")
	fs.StringVar(&cfg.FrontendURL, "frontend-url", os.Getenv("FRONTEND_URL"), "where the browser lands after an OAuth callback")
	fs.StringVar(&cfg.LockBackend, "lock-backend", os.Getenv("LOCK_BACKEND"), "distributed lock backend: postgres, redis or memory (default: derived from dsn and redis url)")
	fs.DurationVar(&cfg.LockTTL, "lock-ttl", envDuration("LOCK_TTL", 5*time.Minute), "lifetime of a redis lock between refreshes")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", envDuration("SYNC_INTERVAL", time.Hour), "how often connected integrations are synced")
	fs.DurationVar(&cfg.StateTTL, "state-ttl", envDuration("OAUTH_STATE_TTL", 10*time.Minute), "lifetime of a pending OAuth state")
	fs.IntVar(&cfg.SyncConcurrency, "sync-concurrency", 4, "integrations synced in parallel, per user and per worker process")
	fs.StringVar(&cfg.MigrationsDir, "migrations-dir", os.Getenv("MIGRATIONS_DIR"), "directory with SQL migrations to apply instead of the embedded ones")
	fs.BoolVar(&cfg.MigrateBeforeStarting, "migrate", os.Getenv("MIGRATE") == "1", "apply migrations before starting the web or worker mode")
	fs.BoolVar(&cfg.Debug, "debug", os.Getenv("DEBUG") == "1", "enable development logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// secrets are read from the environment only
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.ShopifyClientID = os.Getenv("SHOPIFY_CLIENT_ID")
	cfg.ShopifyClientSecret = os.Getenv("SHOPIFY_CLIENT_SECRET")
	cfg.KlaviyoClientID = os.Getenv("KLAVIYO_CLIENT_ID")
	cfg.KlaviyoClientSecret = os.Getenv("KLAVIYO_CLIENT_SECRET")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.PosthogAPIKey = os.Getenv("POSTHOG_API_KEY")
	cfg.PosthogEndpoint = envOr("POSTHOG_ENDPOINT", "https://eu.i.posthog.com")

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	if cfg.LockBackend == "" {
		switch {
		case cfg.InMemory():
			cfg.LockBackend = LockBackendMemory
		case cfg.RedisURL != "":
			cfg.LockBackend = LockBackendRedis
		default:
			cfg.LockBackend = LockBackendPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints and the combinations between them.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.LockBackend == LockBackendPostgres && c.InMemory() {
		return errors.New("invalid configuration: the postgres lock backend needs a database dsn")
	}

	if c.LockBackend == LockBackendRedis && c.RedisURL == "" {
		return errors.New("invalid configuration: the redis lock backend needs REDIS_URL")
	}

	if c.Mode == ModeMigrate && c.InMemory() {
		return errors.New("invalid configuration: migrate mode needs a database dsn")
	}

	return nil
}

// NewLogger builds the process logger.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}

	return def
}
