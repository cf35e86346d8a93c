// Package ratelimit spaces outgoing import requests.
//
// Every request to the import API, from any worker, first acquires a grant.
// Grants are separated by at least MinInterval. Local limits one process;
// Shared coordinates several importer processes through Redis so they share
// one spacing budget against the same API.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/bulk-import-client/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limiter grants permission to send one request.
type Limiter interface {
	// Acquire blocks until a grant is available or ctx is done.
	Acquire(ctx context.Context) error
}

// DefaultKey is the Redis key used by Shared when none is configured.
const DefaultKey = "bulkimport:ratelimit:next_slot"

// Config holds limiter configuration.
type Config struct {
	// MinInterval between consecutive grants. Zero disables spacing.
	MinInterval time.Duration

	// Redis enables the shared limiter when set.
	Redis *redis.Client

	// Key scopes the shared budget (default: DefaultKey).
	Key string

	Logger *zerolog.Logger
}

// DefaultConfig returns the default spacing of 500ms.
func DefaultConfig() Config {
	return Config{
		MinInterval: 500 * time.Millisecond,
		Key:         DefaultKey,
	}
}

// New returns a Shared limiter when a Redis client is configured, otherwise
// a Local one.
func New(cfg Config) (Limiter, error) {
	if cfg.MinInterval < 0 {
		return nil, fmt.Errorf("min interval must not be negative")
	}
	if cfg.Redis != nil {
		return NewShared(cfg), nil
	}
	return NewLocal(cfg.MinInterval), nil
}

// Local is an in-process limiter.
type Local struct {
	limiter *rate.Limiter
}

// NewLocal creates a limiter that grants at most one request per interval.
func NewLocal(interval time.Duration) *Local {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Local{limiter: rate.NewLimiter(limit, 1)}
}

// Acquire implements Limiter.
func (l *Local) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rate limit wait: %w", err)
	}
	observeGrant("local", time.Since(start))
	return nil
}

func componentLogger(cfg Config) zerolog.Logger {
	return logging.Component(cfg.Logger, "ratelimit")
}
