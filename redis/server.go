package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/redis/config"
)

// Server wraps asynq server functionality
type Server struct {
	server *asynq.Server
	cfg    *config.RedisConfig
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewServer creates a task consumer. Failed tasks back off exponentially up
// to the configured retry ceiling.
func NewServer(cfg *config.RedisConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := asynq.NewServer(
		cfg.AsynqOpt(),
		asynq.Config{
			Concurrency: cfg.Workers,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := retryDelay(n, cfg.RetryCeiling)

				logger.Warn("task failed, retrying",
					zap.String("task_type", task.Type()),
					zap.Int("attempt", n),
					zap.Duration("delay", delay),
					zap.Error(err),
				)

				return delay
			},
			Queues:         cfg.Queues,
			StrictPriority: true,
			Logger:         logger.Sugar(),
		},
	)

	return &Server{
		server: srv,
		cfg:    cfg,
		logger: logger,
	}
}

func retryDelay(n int, ceiling time.Duration) time.Duration {
	delay := time.Duration(1<<uint(min(n, 30))) * time.Second
	if delay > ceiling {
		delay = ceiling
	}

	return delay
}

// Start starts processing with mux and returns immediately.
func (s *Server) Start(ctx context.Context, mux *asynq.ServeMux) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	go s.monitorHealth(ctx)

	return nil
}

// Shutdown waits for running tasks and stops the server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server.Shutdown()
}

func (s *Server) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.server.Ping(); err != nil {
				s.logger.Warn("redis server is not healthy", zap.Error(err))
			}
		}
	}
}
