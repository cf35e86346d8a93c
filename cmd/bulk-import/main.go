// Command bulk-import uploads customer or household records from JSON files
// to the import API.
//
// Usage:
//
//	bulk-import [-config config.yaml] file1.json [file2.json ...]
//	bulk-import [-config config.yaml] -resume remaining_batches_stopped.json
//	bulk-import [-config config.yaml] -auth-test
//
// The summary is printed to stdout as JSON. Logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/bulk-import-client/internal/config"
	"github.com/Sternrassler/bulk-import-client/internal/control"
	"github.com/Sternrassler/bulk-import-client/pkg/artifacts"
	"github.com/Sternrassler/bulk-import-client/pkg/auth"
	"github.com/Sternrassler/bulk-import-client/pkg/classify"
	"github.com/Sternrassler/bulk-import-client/pkg/dispatch"
	"github.com/Sternrassler/bulk-import-client/pkg/importer"
	"github.com/Sternrassler/bulk-import-client/pkg/logging"
	"github.com/Sternrassler/bulk-import-client/pkg/progress"
	"github.com/Sternrassler/bulk-import-client/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitFailures = 2
	exitStopped  = 3
)

type options struct {
	configPath string
	resumePath string
	authTest   bool
	files      []string
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("bulk-import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to YAML configuration")
	fs.StringVar(&opts.resumePath, "resume", "", "remaining_batches file to resume")
	fs.BoolVar(&opts.authTest, "auth-test", false, "test the token exchange and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		opts.files = fs.Args()
	}

	switch {
	case opts.authTest:
	case opts.resumePath != "" && len(opts.files) > 0:
		return opts, errors.New("-resume cannot be combined with source files")
	case opts.resumePath == "" && len(opts.files) == 0:
		return opts, errors.New("no source files given")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "bulk-import: %v\n", err)
		return exitError
	}

	cfg, err := config.LoadFromEnv(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "bulk-import: %v\n", err)
		return exitError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "bulk-import: invalid configuration:\n%v\n", err)
		return exitError
	}

	runID := uuid.NewString()
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: stderr,
		RunID:  runID,
	})

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect to Redis")
			return exitError
		}
		defer rdb.Close()
		logger.Info().Str("addr", rdb.Options().Addr).Msg("Connected to Redis")
	}

	a, err := build(ctx, cfg, runID, rdb, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to set up import")
		return exitError
	}

	if opts.authTest {
		return authTest(ctx, a.provider, stdout)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer handleSignals(ctx, a.coord, cancel, &logger)()

	if cfg.Control.Listen != "" {
		srv := control.NewServer(a.coord, control.Config{Addr: cfg.Control.Listen, Logger: &logger})
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("Control server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Control server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sum, err := execute(ctx, a.coord, opts, cfg.Import.DataKey)
	if err != nil {
		logger.Error().Err(err).Msg("Import failed")
	}
	if sum != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(sum); encErr != nil {
			logger.Error().Err(encErr).Msg("Failed to write summary")
		}
	}
	return exitCode(sum, err)
}

// app holds the wired components of one run.
type app struct {
	provider *auth.Provider
	coord    *importer.Coordinator
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts := &redis.Options{Addr: url}
	if strings.Contains(url, "://") {
		var err error
		opts, err = redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// build wires the import pipeline from cfg. rdb is optional; with it the
// rate limit, progress and optionally the token are shared across processes.
func build(ctx context.Context, cfg *config.Config, runID string, rdb *redis.Client, logger *zerolog.Logger) (*app, error) {
	authCfg := auth.Config{
		Mode:           auth.Mode(cfg.Auth.Mode),
		TokenURL:       cfg.Auth.TokenURL,
		Username:       cfg.Auth.Username,
		Password:       cfg.Auth.Password,
		BasicAuth:      cfg.Auth.BasicAuth,
		ClientID:       cfg.Auth.ClientID,
		TenantHeader:   cfg.Auth.TenantHeader,
		TenantValue:    cfg.Auth.TenantValue,
		RefreshBuffer:  cfg.Auth.RefreshBuffer(),
		DefaultExpiry:  cfg.Auth.DefaultExpiry(),
		RequestTimeout: cfg.Auth.RequestTimeout(),
		Logger:         logger,
	}
	if rdb != nil && cfg.Redis.SharedToken {
		authCfg.Store = auth.NewRedisStore(rdb)
	}
	provider, err := auth.New(authCfg)
	if err != nil {
		return nil, fmt.Errorf("auth provider: %w", err)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		MinInterval: cfg.Import.MinInterval(),
		Redis:       rdb,
		Key:         cfg.Redis.RateLimitKey,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	classifyCfg := classify.DefaultConfig()
	if len(cfg.Import.SuccessTokens) > 0 {
		classifyCfg.SuccessTokens = cfg.Import.SuccessTokens
	}

	store, err := artifacts.New(artifacts.Config{
		BaseDir: cfg.Artifacts.BaseDir,
		Items:   cfg.Import.Items,
		DataKey: cfg.Import.DataKey,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	cb := progressLogger(logger)
	if rdb != nil {
		redisCfg := progress.DefaultRedisConfig(rdb)
		redisCfg.Prefix = cfg.Redis.ProgressPrefix
		redisCfg.TTL = cfg.Redis.ProgressTTL()
		redisCfg.Logger = logger
		reporter, err := progress.NewRedisReporter(redisCfg, runID)
		if err != nil {
			return nil, fmt.Errorf("progress reporter: %w", err)
		}
		cb = progress.Multi(cb, reporter.Callback())
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Endpoint: cfg.Import.Endpoint,
		DataKey:  cfg.Import.DataKey,
		Retry: dispatch.RetryConfig{
			MaxAttempts: cfg.Import.MaxRetries,
			BackoffBase: cfg.Import.BackoffBase(),
			MaxBackoff:  cfg.Import.MaxBackoff(),
		},
		Auth:       provider,
		Limiter:    limiter,
		Classifier: classify.New(classifyCfg),
		Artifacts:  store,
		Progress:   cb,
		RunID:      runID,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	coordCfg := importer.Config{
		DataKey:                cfg.Import.DataKey,
		BatchSize:              cfg.Import.BatchSize,
		Workers:                cfg.Import.Workers,
		GCEvery:                cfg.Import.GCEvery,
		AuthDownPauseThreshold: cfg.Import.AuthDownPauseThreshold,
		MirrorTimeout:          importer.DefaultConfig().MirrorTimeout,
		Sender:                 dispatcher,
		Artifacts:              store,
		Progress:               cb,
		RunID:                  runID,
		Logger:                 logger,
	}
	if s3cfg := cfg.Artifacts.S3; s3cfg.Bucket != "" {
		mirror, err := artifacts.NewS3Mirror(ctx, s3cfg.Bucket, s3cfg.Prefix, s3cfg.Region, s3cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("s3 mirror: %w", err)
		}
		coordCfg.Mirror = mirror
	}
	coord, err := importer.New(coordCfg)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	return &app{provider: provider, coord: coord}, nil
}

// progressLogger renders progress events as log lines.
func progressLogger(logger *zerolog.Logger) progress.Callback {
	l := logging.Component(logger, "progress")
	return func(ev progress.Event) {
		switch ev.Type {
		case progress.TypeBatchSuccess:
			l.Debug().
				Int("batch_id", ev.BatchID).
				Int("records", ev.RecordCount).
				Int("failures", ev.FailureCount).
				Msg("Batch imported")
		case progress.TypeBatchError:
			l.Warn().
				Int("batch_id", ev.BatchID).
				Int("status_code", ev.StatusCode).
				Str("error_kind", ev.ErrorKind).
				Str("summary", ev.Summary).
				Str("response_file", ev.ResponseFile).
				Msg("Batch failed")
		default:
			l.Info().Str("type", string(ev.Type)).Str("summary", ev.Summary).Msg("Progress")
		}
	}
}

func execute(ctx context.Context, coord *importer.Coordinator, opts options, dataKey string) (*importer.Summary, error) {
	if opts.resumePath == "" {
		return coord.Run(ctx, opts.files)
	}

	work, err := artifacts.LoadRemaining(opts.resumePath)
	if err != nil {
		return nil, err
	}
	if work.DataKey != "" && work.DataKey != dataKey {
		return nil, fmt.Errorf("remaining work was planned with data key %q, configured %q", work.DataKey, dataKey)
	}
	return coord.RunDescriptors(ctx, work.Descriptors)
}

// authTest runs a fresh token exchange and prints the result.
func authTest(ctx context.Context, provider *auth.Provider, stdout io.Writer) int {
	res := provider.Test(ctx)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if !res.Success {
		return exitError
	}
	return exitOK
}

// handleSignals stops the run gracefully on the first SIGINT/SIGTERM and
// cancels in-flight requests on the second. The returned func releases the
// signal handler.
func handleSignals(ctx context.Context, coord *importer.Coordinator, cancel context.CancelFunc, logger *zerolog.Logger) func() {
	l := logging.Component(logger, "signals")
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		graceful := true
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if graceful {
					graceful = false
					l.Warn().Str("signal", sig.String()).Msg("Stopping after in-flight batches, signal again to abort")
					coord.Stop("signal")
					continue
				}
				l.Warn().Str("signal", sig.String()).Msg("Aborting in-flight batches")
				cancel()
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func exitCode(sum *importer.Summary, err error) int {
	if sum == nil {
		if err != nil {
			return exitError
		}
		return exitOK
	}
	switch {
	case sum.Status == importer.StatusError:
		return exitError
	case sum.Status == importer.StatusStopped:
		return exitStopped
	case sum.FailedBatches > 0 || sum.RecordFailures > 0:
		return exitFailures
	case err != nil:
		return exitError
	}
	return exitOK
}
