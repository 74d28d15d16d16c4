// Package databaserunner applies the database schema and exits.
package databaserunner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/runner"
)

type dbrunner struct {
	cfg *runner.Config
	log *zap.Logger
}

func New(cfg *runner.Config, logger *zap.Logger) (runner.Runner, error) {
	if cfg.Mode != runner.ModeMigrate {
		return nil, fmt.Errorf("%w: %s", runner.ErrInvalidRunMode, cfg.Mode)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &dbrunner{cfg: cfg, log: logger}, nil
}

func (d *dbrunner) Run(ctx context.Context) error {
	if err := runner.Migrate(ctx, d.cfg, d.log); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	d.log.Info("database schema is up to date")

	return nil
}

func (d *dbrunner) Close(context.Context) error {
	return nil
}
