package testcontainers

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	redisImage = "redis:7-alpine"
	redisPort  = "6379"
)

// endpoint is where a started container can be reached from the host.
type endpoint struct {
	testcontainers.Container
	Host string
	Port int
}

func start(ctx context.Context, req testcontainers.ContainerRequest, port string) (endpoint, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return endpoint{}, fmt.Errorf("failed to start %s: %w", req.Image, err)
	}

	ep := endpoint{Container: container}

	ep.Host, err = container.Host(ctx)
	if err != nil {
		_ = container.Terminate(context.Background())
		return endpoint{}, fmt.Errorf("failed to get container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(context.Background())
		return endpoint{}, fmt.Errorf("failed to get container port: %w", err)
	}

	ep.Port, err = strconv.Atoi(mapped.Port())
	if err != nil {
		_ = container.Terminate(context.Background())
		return endpoint{}, fmt.Errorf("failed to parse port %q: %w", mapped.Port(), err)
	}

	return ep, nil
}

// RedisContainer is a running Redis server without authentication. It backs
// the asynq queue and the redis lock backend in tests.
type RedisContainer struct {
	endpoint
}

func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	ep, err := start(ctx, testcontainers.ContainerRequest{
		Image:        redisImage,
		ExposedPorts: []string{redisPort + "/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, redisPort)
	if err != nil {
		return nil, fmt.Errorf("redis container: %w", err)
	}

	return &RedisContainer{endpoint: ep}, nil
}

// Addr is host:port.
func (c *RedisContainer) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// URL is the REDIS_URL form of the container address, database 0.
func (c *RedisContainer) URL() string {
	return "redis://" + c.Addr() + "/0"
}

// StartRedis starts a Redis container that lives until t ends. It skips t
// when container tests are disabled.
func StartRedis(t *testing.T) *RedisContainer {
	t.Helper()

	SkipUnlessEnabled(t)

	c, err := NewRedisContainer(context.Background())
	if err != nil {
		t.Fatalf("failed to start redis: %v", err)
	}

	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
	})

	return c
}
