// Package redisrunner consumes queued sync tasks and runs the scheduler,
// without serving HTTP.
package redisrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/redis"
	"github.com/Vector/vector-commerce-sync/redis/tasks"
	"github.com/Vector/vector-commerce-sync/runner"
)

// RedisRunner implements the runner.Runner interface for Redis-backed task processing.
type RedisRunner struct {
	app     *runner.App
	server  *redis.Server
	handler *tasks.Handler
	log     *zap.Logger

	closeOnce sync.Once
}

// New creates a worker from the shared app. The app must have a Redis
// connection.
func New(app *runner.App) (*RedisRunner, error) {
	if app.Config.Mode != runner.ModeWorker {
		return nil, fmt.Errorf("%w: %s", runner.ErrInvalidRunMode, app.Config.Mode)
	}

	if app.Redis == nil || app.RedisConfig == nil {
		return nil, errors.New("worker mode needs REDIS_URL")
	}

	logger := app.Logger.Named("worker")

	return &RedisRunner{
		app:     app,
		server:  redis.NewServer(app.RedisConfig, logger),
		handler: tasks.NewHandler(app.Integrations, tasks.WithLogger(logger)),
		log:     logger,
	}, nil
}

// Run starts the task consumer and the scheduler and blocks until ctx is
// cancelled.
func (r *RedisRunner) Run(ctx context.Context) error {
	r.log.Info("starting worker", zap.Int("workers", r.app.RedisConfig.Workers))

	if err := r.server.Start(ctx, r.handler.Mux()); err != nil {
		return err
	}

	err := r.app.Scheduler.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	<-ctx.Done()

	return nil
}

// Close waits for running tasks and stops the consumer.
func (r *RedisRunner) Close(context.Context) error {
	r.closeOnce.Do(func() {
		r.log.Info("shutting down worker")
		r.server.Shutdown()
		r.log.Info("worker shutdown complete")
	})

	return nil
}
