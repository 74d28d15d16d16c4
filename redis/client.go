// Package redis wraps the asynq task queue used to run manual syncs on the
// worker fleet.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Vector/vector-commerce-sync/redis/config"
)

// ErrDuplicateTask is returned when a unique task is already queued.
var ErrDuplicateTask = asynq.ErrDuplicateTask

// Client wraps asynq client functionality
type Client struct {
	client *asynq.Client
	cfg    *config.RedisConfig
	mu     sync.RWMutex
}

// NewClient connects to Redis and checks the connection with a PING.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	if err := Ping(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		client: asynq.NewClient(cfg.AsynqOpt()),
		cfg:    cfg,
	}, nil
}

// EnqueueTask enqueues a task with the given type and payload.
// Useful options: asynq.MaxRetry, asynq.Queue, asynq.Timeout and
// asynq.Unique, which makes a duplicate enqueue fail with ErrDuplicateTask.
func (c *Client) EnqueueTask(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	task := asynq.NewTask(taskType, payload)

	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return ErrDuplicateTask
		}

		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}

// IsHealthy checks if the Redis connection is healthy
func (c *Client) IsHealthy(ctx context.Context) bool {
	return Ping(ctx, c.cfg) == nil
}

// Ping opens a short lived connection and sends PING.
func Ping(ctx context.Context, cfg *config.RedisConfig) error {
	rdb := goredis.NewClient(cfg.Options())
	defer rdb.Close()

	return rdb.Ping(ctx).Err()
}
