package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/Sternrassler/bulk-import-client/internal/testutil"
)

func TestNewShared_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewShared should panic with nil redis client")
		}
	}()
	NewShared(Config{MinInterval: time.Second})
}

func TestShared_Spacing(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	interval := 30 * time.Millisecond

	// Two limiters on one key behave like two processes.
	a := NewShared(Config{MinInterval: interval, Redis: client})
	b := NewShared(Config{MinInterval: interval, Redis: client})

	grants := acquireConcurrently(t, multiLimiter{a, b}, 6, 4)
	if len(grants) != 6 {
		t.Fatalf("expected 6 grants, got %d", len(grants))
	}
	assertSpacing(t, grants, interval)
}

func TestShared_StoresNextSlot(t *testing.T) {
	mr, client := testutil.NewMiniRedis(t)
	s := NewShared(Config{MinInterval: time.Second, Redis: client, Key: "test:slot"})
	fixed := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return fixed }

	// First reservation is immediate and records "now".
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	got, err := mr.Get("test:slot")
	if err != nil {
		t.Fatalf("slot key missing: %v", err)
	}
	if got != strconv.FormatInt(fixed.UnixMilli(), 10) {
		t.Errorf("slot = %s, want %d", got, fixed.UnixMilli())
	}
	if ttl := mr.TTL("test:slot"); ttl <= 0 {
		t.Error("slot key should expire")
	}

	// A second caller at the same instant must wait a full interval; cancel
	// instead of sleeping and check the reservation moved forward.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want deadline exceeded", err)
	}
	got, _ = mr.Get("test:slot")
	if got != strconv.FormatInt(fixed.Add(time.Second).UnixMilli(), 10) {
		t.Errorf("slot after second reservation = %s", got)
	}
}

func TestShared_RedisDown(t *testing.T) {
	mr, client := testutil.NewMiniRedis(t)
	s := NewShared(Config{MinInterval: time.Second, Redis: client})
	mr.Close()

	if err := s.Acquire(context.Background()); err == nil {
		t.Error("expected error when redis is unavailable")
	}
}

// multiLimiter alternates between limiters, simulating requests from
// different processes.
type multiLimiter []Limiter

func (m multiLimiter) Acquire(ctx context.Context) error {
	return m[time.Now().UnixNano()%int64(len(m))].Acquire(ctx)
}
