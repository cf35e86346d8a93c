package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds RedisReporter configuration.
type RedisConfig struct {
	Client *redis.Client

	// Prefix namespaces keys: <prefix>:<runID>:events and <prefix>:<runID>:state.
	Prefix string

	// MaxEvents caps the event list.
	MaxEvents int64

	// TTL applies to both keys after every write.
	TTL time.Duration

	// WriteTimeout bounds a single publish from Callback.
	WriteTimeout time.Duration

	Logger *zerolog.Logger
}

// DefaultRedisConfig returns defaults for a reporter.
func DefaultRedisConfig(client *redis.Client) RedisConfig {
	return RedisConfig{
		Client:       client,
		Prefix:       "bulkimport:run",
		MaxEvents:    1000,
		TTL:          24 * time.Hour,
		WriteTimeout: 2 * time.Second,
	}
}

// RedisReporter mirrors events into Redis so dashboards can follow a run
// from another process.
type RedisReporter struct {
	cfg    RedisConfig
	runID  string
	logger zerolog.Logger
}

// NewRedisReporter creates a reporter for one run.
func NewRedisReporter(cfg RedisConfig, runID string) (*RedisReporter, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	def := DefaultRedisConfig(cfg.Client)
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &RedisReporter{cfg: cfg, runID: runID, logger: logging.Component(cfg.Logger, "progress")}, nil
}

// EventsKey is the list holding the newest events first.
func (r *RedisReporter) EventsKey() string {
	return fmt.Sprintf("%s:%s:events", r.cfg.Prefix, r.runID)
}

// StateKey holds the latest session_state event.
func (r *RedisReporter) StateKey() string {
	return fmt.Sprintf("%s:%s:state", r.cfg.Prefix, r.runID)
}

// Publish writes one event.
func (r *RedisReporter) Publish(ctx context.Context, ev Event) error {
	if ev.RunID == "" {
		ev.RunID = r.runID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := r.cfg.Client.TxPipeline()
	pipe.LPush(ctx, r.EventsKey(), data)
	pipe.LTrim(ctx, r.EventsKey(), 0, r.cfg.MaxEvents-1)
	pipe.Expire(ctx, r.EventsKey(), r.cfg.TTL)
	if ev.Type == TypeSessionState {
		pipe.Set(ctx, r.StateKey(), data, r.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Callback adapts the reporter to a progress Callback. Failures are logged
// and never reach the import.
func (r *RedisReporter) Callback() Callback {
	return func(ev Event) {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()
		if err := r.Publish(ctx, ev); err != nil {
			r.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to publish progress event")
		}
	}
}

// Latest returns the most recent session state, or nil when none exists.
func (r *RedisReporter) Latest(ctx context.Context) (*Event, error) {
	data, err := r.cfg.Client.Get(ctx, r.StateKey()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &ev, nil
}
