// Package testcontainers starts throwaway PostgreSQL and Redis containers for
// the integration tests of the stores, the lock backends and the task queue.
//
// Container tests only run when RUN_CONTAINER_TESTS=1; otherwise they skip.
//
//	func TestLocks(t *testing.T) {
//	    tc := testcontainers.NewTestContext(t)
//	    locker := distlock.NewRedisLocker(tc.Redis, time.Minute, nil)
//	    ...
//	}
package testcontainers

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

const (
	startupTimeout = 2 * time.Minute

	// EnvRunContainerTests enables container backed tests.
	EnvRunContainerTests = "RUN_CONTAINER_TESTS"
)

// Enabled reports whether container backed tests should run.
func Enabled() bool {
	return os.Getenv(EnvRunContainerTests) == "1"
}

// SkipUnlessEnabled skips t when container tests are disabled.
func SkipUnlessEnabled(t *testing.T) {
	t.Helper()

	if !Enabled() {
		t.Skipf("Skipping container test: %s != 1", EnvRunContainerTests)
	}
}

// TestContext is a PostgreSQL and a Redis container with clients connected
// to both. Everything is released when the test ends.
type TestContext struct {
	ctx context.Context

	PostgresContainer *PostgresContainer
	RedisContainer    *RedisContainer

	DB    *sql.DB
	Redis *redis.Client
}

// NewTestContext starts both containers. It skips t when container tests
// are disabled and fails it when a container cannot start.
func NewTestContext(t *testing.T) *TestContext {
	t.Helper()

	SkipUnlessEnabled(t)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	t.Cleanup(cancel)

	tc := &TestContext{ctx: ctx}

	if err := tc.startRedis(t); err != nil {
		t.Fatalf("redis: %v", err)
	}

	if err := tc.startPostgres(t); err != nil {
		t.Fatalf("postgres: %v", err)
	}

	return tc
}

// Context is bounded by the container startup timeout.
func (tc *TestContext) Context() context.Context {
	return tc.ctx
}

func (tc *TestContext) DSN() string {
	return tc.PostgresContainer.DSN()
}

func (tc *TestContext) RedisURL() string {
	return tc.RedisContainer.URL()
}

// t.Cleanup runs last registered first, so clients close before their
// containers stop.
func (tc *TestContext) startRedis(t *testing.T) error {
	c, err := NewRedisContainer(tc.ctx)
	if err != nil {
		return err
	}

	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate redis container: %v", err)
		}
	})

	tc.RedisContainer = c
	tc.Redis = redis.NewClient(&redis.Options{Addr: c.Addr()})

	t.Cleanup(func() { _ = tc.Redis.Close() })

	return tc.Redis.Ping(tc.ctx).Err()
}

func (tc *TestContext) startPostgres(t *testing.T) error {
	c, err := NewPostgresContainer(tc.ctx)
	if err != nil {
		return err
	}

	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate postgres container: %v", err)
		}
	})

	tc.PostgresContainer = c

	db, err := sql.Open("pgx", c.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	tc.DB = db

	t.Cleanup(func() { _ = tc.DB.Close() })

	return tc.DB.PingContext(tc.ctx)
}
