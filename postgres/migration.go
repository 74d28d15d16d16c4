package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/scripts"
)

// MigrationRunner applies the schema with golang-migrate. Applied versions
// are tracked in schema_migrations, so running it on every deploy is safe.
// The migrations embedded in the binary are used unless a directory is set.
type MigrationRunner struct {
	dsn           string
	migrationsDir string
	logger        *zap.Logger
	timeout       time.Duration
}

func NewMigrationRunner(dsn string, logger *zap.Logger) *MigrationRunner {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MigrationRunner{
		dsn:     dsn,
		logger:  logger.Named("migrations"),
		timeout: 30 * time.Second,
	}
}

// SetMigrationsDir reads migrations from dir instead of the embedded set.
func (m *MigrationRunner) SetMigrationsDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("invalid directory path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("directory not accessible: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", abs)
	}

	m.migrationsDir = abs

	return nil
}

func (m *MigrationRunner) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

func (m *MigrationRunner) RunMigrations(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	migrator, err := m.migrator(ctx)
	if err != nil {
		return err
	}

	defer func() {
		srcErr, dbErr := migrator.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			m.logger.Warn("failed to close migrator", zap.Error(err))
		}
	}()

	// Up is not context aware; GracefulStop makes it stop after the
	// migration in flight.
	stop := context.AfterFunc(ctx, func() {
		select {
		case migrator.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("database schema is up to date")
			return nil
		}

		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, _ := migrator.Version()
	m.logger.Info("applied migrations", zap.Uint("version", version), zap.Bool("dirty", dirty))

	return nil
}

func (m *MigrationRunner) source() (string, source.Driver, error) {
	if m.migrationsDir != "" {
		m.logger.Info("using migrations directory", zap.String("dir", m.migrationsDir))
		return "file://" + m.migrationsDir, nil, nil
	}

	drv, err := iofs.New(scripts.Migrations, "migrations")
	if err != nil {
		return "", nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	return "iofs", drv, nil
}

func (m *MigrationRunner) migrator(ctx context.Context) (*migrate.Migrate, error) {
	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	name, srcDriver, err := m.source()
	if err != nil {
		dbDriver.Close()
		return nil, err
	}

	var migrator *migrate.Migrate

	if srcDriver != nil {
		migrator, err = migrate.NewWithInstance(name, srcDriver, "postgres", dbDriver)
	} else {
		migrator, err = migrate.NewWithDatabaseInstance(name, "postgres", dbDriver)
	}

	if err != nil {
		dbDriver.Close()
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return migrator, nil
}
