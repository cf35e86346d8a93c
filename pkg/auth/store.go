package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken indicates a stored token entry is corrupted.
var ErrInvalidToken = errors.New("invalid stored token")

// Store shares token state between importer processes.
type Store interface {
	// Load returns ErrTokenMiss when no unexpired token exists.
	Load(ctx context.Context, key string) (*TokenState, error)
	Save(ctx context.Context, key string, st *TokenState) error
	Delete(ctx context.Context, key string) error
}

// RedisStore is a Store backed by Redis. Entries expire with the token.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisStore creates a Redis-backed token store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient, now: time.Now}
}

// Load retrieves a token.
func (s *RedisStore) Load(ctx context.Context, key string) (*TokenState, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenMiss
		}
		StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var st TokenState
	if err := json.Unmarshal(data, &st); err != nil {
		StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !st.ExpiresAt.After(s.now()) {
		_ = s.Delete(ctx, key)
		return nil, ErrTokenMiss
	}
	return &st, nil
}

// Save stores a token with a TTL matching its remaining lifetime.
func (s *RedisStore) Save(ctx context.Context, key string, st *TokenState) error {
	if st == nil {
		return fmt.Errorf("token state cannot be nil")
	}

	ttl := st.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(st)
	if err != nil {
		StoreErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal token: %w", err)
	}

	if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		StoreErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a token.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
