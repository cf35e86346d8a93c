//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}
	return client, cleanup
}

func TestShared_Integration_Spacing(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	interval := 50 * time.Millisecond
	processes := multiLimiter{
		NewShared(Config{MinInterval: interval, Redis: client}),
		NewShared(Config{MinInterval: interval, Redis: client}),
		NewShared(Config{MinInterval: interval, Redis: client}),
	}

	grants := acquireConcurrently(t, processes, 8, 4)
	if len(grants) != 8 {
		t.Fatalf("expected 8 grants, got %d", len(grants))
	}
	assertSpacing(t, grants, interval)
}
