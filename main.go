package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/runner"
	"github.com/Vector/vector-commerce-sync/runner/databaserunner"
	"github.com/Vector/vector-commerce-sync/runner/redisrunner"
	"github.com/Vector/vector-commerce-sync/runner/webrunner"
)

func main() {
	_ = godotenv.Load() // Load .env file if present

	cfg, err := runner.ParseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := runner.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := run(ctx, cfg, logger)

	stop()

	if code != 0 {
		_ = logger.Sync()
		os.Exit(code)
	}
}

func run(ctx context.Context, cfg *runner.Config, logger *zap.Logger) int {
	if cfg.Mode == runner.ModeMigrate {
		r, err := databaserunner.New(cfg, logger)
		if err != nil {
			logger.Error("failed to create runner", zap.Error(err))
			return 1
		}

		return execute(ctx, r, logger)
	}

	app, err := runner.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return 1
	}

	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("failed to release resources", zap.Error(err))
		}
	}()

	r, err := runnerFactory(app)
	if err != nil {
		logger.Error("failed to create runner", zap.Error(err))
		return 1
	}

	return execute(ctx, r, logger)
}

func execute(ctx context.Context, r runner.Runner, logger *zap.Logger) int {
	code := 0

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runner failed", zap.Error(err))

		code = 1
	}

	logger.Info("shutting down")

	if err := r.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to close runner", zap.Error(err))
	}

	return code
}

func runnerFactory(app *runner.App) (runner.Runner, error) {
	switch app.Config.Mode {
	case runner.ModeWeb:
		return webrunner.New(app)
	case runner.ModeWorker:
		return redisrunner.New(app)
	default:
		return nil, fmt.Errorf("%w: %s", runner.ErrInvalidRunMode, app.Config.Mode)
	}
}
