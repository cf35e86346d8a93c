package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// reserveScript atomically reserves the next slot. The key holds the unix
// millisecond time of the last grant; the reply is how long the caller must
// wait for its slot.
var reserveScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local slot = now
if last + interval > now then
	slot = last + interval
end
redis.call('SET', KEYS[1], slot, 'PX', interval * 10 + 1000)
return slot - now
`)

// Shared is a limiter whose spacing is enforced across processes through
// Redis. A slot is consumed when reserved, even if the caller gives up
// while waiting for it.
type Shared struct {
	redis    *redis.Client
	key      string
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewShared creates a Redis-backed limiter.
func NewShared(cfg Config) *Shared {
	if cfg.Redis == nil {
		panic("redis client cannot be nil")
	}
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	return &Shared{
		redis:    cfg.Redis,
		key:      key,
		interval: cfg.MinInterval,
		logger:   componentLogger(cfg),
		now:      time.Now,
	}
}

// Acquire implements Limiter.
func (s *Shared) Acquire(ctx context.Context) error {
	if s.interval <= 0 {
		observeGrant("shared", 0)
		return nil
	}

	waitMs, err := reserveScript.Run(ctx, s.redis, []string{s.key},
		s.now().UnixMilli(), s.interval.Milliseconds()).Int64()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ReservationErrors.Inc()
		return fmt.Errorf("reserve rate limit slot: %w", err)
	}

	wait := time.Duration(waitMs) * time.Millisecond
	if wait > 0 {
		s.logger.Debug().Dur("wait", wait).Msg("Waiting for shared rate limit slot")
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	observeGrant("shared", wait)
	return nil
}
