package testcontainers

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresPort  = "5432"

	postgresUser     = "sync"
	postgresPassword = "sync"
	postgresDatabase = "sync_test"

	// EnvPostgresDSN points the store tests at an existing server instead
	// of a container.
	EnvPostgresDSN = "PG_TEST_DSN"
)

// PostgresContainer is a running PostgreSQL server with an empty database.
type PostgresContainer struct {
	endpoint
}

// NewPostgresContainer starts a PostgreSQL server. The server logs its ready
// line twice: once for the init scripts and once for real.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	ep, err := start(ctx, testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{postgresPort + "/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDatabase,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForExposedPort(),
		),
	}, postgresPort)
	if err != nil {
		return nil, fmt.Errorf("postgres container: %w", err)
	}

	return &PostgresContainer{endpoint: ep}, nil
}

// DSN is the pgx connection string of the container database.
func (c *PostgresContainer) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		postgresUser, postgresPassword, c.Host, c.Port, postgresDatabase)
}

// PostgresDSN returns PG_TEST_DSN when set. Otherwise it starts a container
// that lives until t ends, or skips t when container tests are disabled.
func PostgresDSN(t *testing.T) string {
	t.Helper()

	if dsn := os.Getenv(EnvPostgresDSN); dsn != "" {
		return dsn
	}

	if !Enabled() {
		t.Skipf("Skipping PostgreSQL test: %s not set and %s != 1", EnvPostgresDSN, EnvRunContainerTests)
	}

	c, err := NewPostgresContainer(context.Background())
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}

	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
	})

	return c.DSN()
}
