// Package counter provides windowed atomic counters over a kv.Store and a
// fixed-window rate limiter built on them.
//
// A window starts with the first increment of a key: that increment attaches
// the TTL in the same atomic store step, later increments never touch it. The
// window therefore cannot be extended by repeated traffic and ends exactly when
// the backend expires the key. A key found without a TTL gets the window on
// its next increment.
package counter

import (
	"context"
	"strconv"
	"time"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
	"github.com/mirkobrombin/go-sentinel/v1/kv"
)

// Counter is a windowed counter backed by a Store.
type Counter struct {
	store kv.Store
}

// New returns a Counter over store.
func New(store kv.Store) *Counter {
	return &Counter{store: store}
}

// Increment adds one to key. See IncrementBy.
func (c *Counter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.IncrementBy(ctx, key, 1, window)
}

// IncrementBy atomically adds delta to key and returns the new value. The
// window TTL is attached by the same store call whenever the key has none.
func (c *Counter) IncrementBy(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	if key == "" {
		return 0, sentinelerrors.Invalid("key", "must not be empty")
	}
	if delta <= 0 {
		return 0, sentinelerrors.Invalid("delta", "must be positive")
	}
	if window <= 0 {
		return 0, sentinelerrors.Invalid("window", "must be positive")
	}
	n, err := c.store.IncrWindow(ctx, key, delta, window)
	if err != nil {
		return 0, sentinelerrors.Backend("counter increment", err)
	}
	return n, nil
}

// Value returns the current count of key; an absent or expired key counts zero.
func (c *Counter) Value(ctx context.Context, key string) (int64, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return 0, sentinelerrors.Backend("counter get", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, sentinelerrors.Backend("counter parse", err)
	}
	return n, nil
}

// Remaining returns how long the current window of key still lasts, zero
// when no window is open.
func (c *Counter) Remaining(ctx context.Context, key string) (time.Duration, error) {
	d, ok, err := c.store.TTL(ctx, key)
	if err != nil {
		return 0, sentinelerrors.Backend("counter ttl", err)
	}
	if !ok {
		return 0, nil
	}
	return d, nil
}

// Reset closes the window of key.
func (c *Counter) Reset(ctx context.Context, key string) error {
	if err := c.store.Del(ctx, key); err != nil {
		return sentinelerrors.Backend("counter reset", err)
	}
	return nil
}
