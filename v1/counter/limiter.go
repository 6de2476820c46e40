package counter

import (
	"context"
	"time"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

// Decision is the outcome of a Limiter check.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int64
	RetryAfter time.Duration
}

// Limiter admits at most Limit events per key within a fixed Window.
type Limiter struct {
	counter *Counter
	prefix  string
	limit   int64
	window  time.Duration
}

// NewLimiter returns a fixed-window limiter. Keys are stored under prefix.
func NewLimiter(c *Counter, prefix string, limit int64, window time.Duration) *Limiter {
	return &Limiter{counter: c, prefix: prefix, limit: limit, window: window}
}

func (l *Limiter) key(k string) string {
	if l.prefix == "" {
		return k
	}
	return l.prefix + ":" + k
}

// Allow records one event for key. Events past the limit are still counted,
// so a burst keeps the key blocked until the window closes.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{}, sentinelerrors.Invalid("limit", "must be positive")
	}
	n, err := l.counter.Increment(ctx, l.key(key), l.window)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: n <= l.limit, Count: n, Limit: l.limit}
	if !d.Allowed {
		remaining, err := l.counter.Remaining(ctx, l.key(key))
		if err != nil {
			return Decision{}, err
		}
		d.RetryAfter = remaining
	}
	return d, nil
}

// Check returns the current decision for key without recording an event.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	n, err := l.counter.Value(ctx, l.key(key))
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: n < l.limit, Count: n, Limit: l.limit}
	if !d.Allowed {
		remaining, err := l.counter.Remaining(ctx, l.key(key))
		if err != nil {
			return Decision{}, err
		}
		d.RetryAfter = remaining
	}
	return d, nil
}

// Reset clears the window of key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.counter.Reset(ctx, l.key(key))
}
