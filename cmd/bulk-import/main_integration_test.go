//go:build integration

package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/bulk-import-client/internal/testutil"
	"github.com/Sternrassler/bulk-import-client/pkg/importer"
	"github.com/Sternrassler/bulk-import-client/pkg/progress"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestRedis creates a Redis container for integration testing.
func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient, err := connectRedis(ctx, "redis://"+host+":"+port.Port()+"/0")
	if err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		redisClient.Close()
		redisC.Terminate(ctx)
	}

	return redisClient, cleanup
}

// TestTwoProcessesShareRedis runs two independently wired importers against
// one Redis: they must share the token and respect one request spacing.
func TestTwoProcessesShareRedis(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()

	mock := testutil.NewMockAPI()
	defer mock.Close()

	var mu sync.Mutex
	var arrivals []time.Time
	mock.SetImportHandler(func(w http.ResponseWriter, r *http.Request, body []byte) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	const interval = 100 * time.Millisecond
	ctx := context.Background()

	var apps []*app
	var files []string
	for _, name := range []string{"a", "b"} {
		dir := filepath.Join(t.TempDir(), name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		cfg := testConfig(t, dir, mock)
		cfg.Import.MinIntervalMs = int(interval / time.Millisecond)
		cfg.Redis.SharedToken = true

		a, err := build(ctx, cfg, "run-"+name, rdb, nil)
		if err != nil {
			t.Fatalf("build(%s) error = %v", name, err)
		}
		apps = append(apps, a)
		files = append(files, writeRecords(t, dir, 6))
	}

	// Warm the shared token so both runs read it from Redis.
	if _, err := apps[0].provider.AuthHeaders(ctx); err != nil {
		t.Fatalf("AuthHeaders() error = %v", err)
	}

	var wg sync.WaitGroup
	sums := make([]*importer.Summary, len(apps))
	for i, a := range apps {
		wg.Add(1)
		go func(i int, a *app) {
			defer wg.Done()
			sum, err := a.coord.Run(ctx, []string{files[i]})
			if err != nil {
				t.Errorf("Run(%d) error = %v", i, err)
			}
			sums[i] = sum
		}(i, a)
	}
	wg.Wait()

	for i, sum := range sums {
		if sum == nil || sum.SuccessfulBatches != 3 {
			t.Errorf("run %d summary = %+v, want 3 successful batches", i, sum)
		}
	}

	if got := mock.TokenCount(); got != 1 {
		t.Errorf("token exchanges = %d, want 1 (shared)", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(arrivals) != 6 {
		t.Fatalf("import requests = %d, want 6", len(arrivals))
	}
	sort.Slice(arrivals, func(i, j int) bool { return arrivals[i].Before(arrivals[j]) })
	for i := 1; i < len(arrivals); i++ {
		// Allow scheduling jitter between grant and arrival.
		if gap := arrivals[i].Sub(arrivals[i-1]); gap < interval-20*time.Millisecond {
			t.Errorf("gap %d = %v, want >= %v", i, gap, interval)
		}
	}
}

func TestProgressStateInRedis(t *testing.T) {
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()

	mock := testutil.NewMockAPI()
	defer mock.Close()

	dir := t.TempDir()
	cfg := testConfig(t, dir, mock)
	ctx := context.Background()

	a, err := build(ctx, cfg, "run-progress", rdb, nil)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	if _, err := a.coord.Run(ctx, []string{writeRecords(t, dir, 3)}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	redisCfg := progress.DefaultRedisConfig(rdb)
	redisCfg.Prefix = cfg.Redis.ProgressPrefix
	reporter, err := progress.NewRedisReporter(redisCfg, "run-progress")
	if err != nil {
		t.Fatalf("NewRedisReporter() error = %v", err)
	}

	state, err := reporter.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if state == nil || state.State != string(importer.StateCompleted) || state.Completed != 2 {
		t.Errorf("Latest() = %+v, want completed with 2 batches", state)
	}

	n, err := rdb.LLen(ctx, reporter.EventsKey()).Result()
	if err != nil {
		t.Fatalf("LLen() error = %v", err)
	}
	if n == 0 {
		t.Error("no progress events published")
	}
}
