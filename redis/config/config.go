// Package config builds the Redis connection settings shared by the task
// queue and the Redis lock backend.
package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig is parsed from REDIS_URL and tuned with options.
type RedisConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"gte=1,lte=65535"`
	Password string
	DB       int `validate:"gte=0,lte=15"`
	UseTLS   bool
	// Workers is the number of tasks a worker process runs at once.
	Workers int `validate:"gte=1,lte=100"`
	// RetryCeiling caps the exponential backoff between task attempts.
	RetryCeiling time.Duration `validate:"gte=1s,lte=1h"`
	MaxRetries   int           `validate:"gte=0,lte=10"`
	// Retention keeps finished tasks inspectable for this long.
	Retention time.Duration `validate:"gte=0,lte=720h"`
	// Queues maps queue name to priority, served strictly by priority.
	Queues map[string]int `validate:"required,min=1,dive,gte=1"`
}

// DefaultQueues serves critical before default before low.
var DefaultQueues = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

type Option func(*RedisConfig)

func WithWorkers(n int) Option {
	return func(c *RedisConfig) {
		c.Workers = n
	}
}

// WithRetries sets how often a failed task is retried and the longest wait
// between two attempts.
func WithRetries(maxRetries int, ceiling time.Duration) Option {
	return func(c *RedisConfig) {
		c.MaxRetries = maxRetries
		c.RetryCeiling = ceiling
	}
}

func WithRetention(d time.Duration) Option {
	return func(c *RedisConfig) {
		c.Retention = d
	}
}

// ParseURL reads redis://[:password@]host[:port][/db]. The rediss scheme
// enables TLS. Options are applied before validation.
func ParseURL(raw string, opts ...Option) (*RedisConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("invalid Redis URL scheme: %q", u.Scheme)
	}

	cfg := &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		UseTLS:       u.Scheme == "rediss",
		Workers:      10,
		RetryCeiling: 5 * time.Minute,
		MaxRetries:   2,
		Retention:    24 * time.Hour,
		Queues:       make(map[string]int, len(DefaultQueues)),
	}

	for q, p := range DefaultQueues {
		cfg.Queues[q] = p
	}

	if host := u.Hostname(); host != "" {
		cfg.Host = host
	}

	if port := u.Port(); port != "" {
		if cfg.Port, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid port in Redis URL: %w", err)
		}
	}

	if password, ok := u.User.Password(); ok {
		cfg.Password = password
	}

	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		if cfg.DB, err = strconv.Atoi(db); err != nil {
			return nil, fmt.Errorf("invalid database number in Redis URL: %w", err)
		}
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *RedisConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid redis configuration: %w", err)
	}

	return nil
}

// Addr is host:port, with IPv6 hosts bracketed.
func (c *RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *RedisConfig) tlsConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}

	return &tls.Config{MinVersion: tls.VersionTLS12, ServerName: c.Host}
}

// AsynqOpt returns the asynq connection options.
func (c *RedisConfig) AsynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     c.Workers,
		TLSConfig:    c.tlsConfig(),
	}
}

// Options returns go-redis client options.
func (c *RedisConfig) Options() *goredis.Options {
	return &goredis.Options{
		Addr:      c.Addr(),
		Password:  c.Password,
		DB:        c.DB,
		TLSConfig: c.tlsConfig(),
	}
}
