package dispatch

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig holds the backoff configuration.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per batch.
	MaxAttempts int

	// BackoffBase is the delay after the first failed attempt. The delay
	// after attempt n (0-based) is BackoffBase * 2^n.
	BackoffBase time.Duration

	// MaxBackoff caps a single delay. Zero means no cap.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns 3 attempts with 1s, 2s delays.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BackoffBase: time.Second,
	}
}

// Backoff returns the delay before the attempt following failed attempt n
// (0-based). A larger Retry-After from the server wins.
func (c RetryConfig) Backoff(n int, retryAfter time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	d := c.BackoffBase * time.Duration(1<<uint(n))
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
