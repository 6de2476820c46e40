package kv

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Store with circuit breaker logic. After threshold
// consecutive backend failures it opens and rejects every call with an error
// matching both ErrBackendUnavailable and ErrCircuitOpen, so callers keep
// failing closed. Once cooldown has elapsed a single probe is let through.
type Breaker struct {
	inner     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
	probing   bool
}

// NewBreaker returns a new Breaker around inner.
func NewBreaker(inner Store, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		inner:     inner,
		threshold: threshold,
		cooldown:  cooldown,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a probe.
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return time.Since(b.lastFail) > b.cooldown
	}
	return true
}

// allow handles the transition from Open to Half-Open based on cooldown.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFail) > b.cooldown {
			b.state = stateHalfOpen
			b.probing = true
			return true
		}
		return false
	case stateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// record updates the circuit with the outcome of a call made under ctx. A
// failure seen after the caller's own context ended says nothing about the
// backend and is not counted.
func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
		b.probing = false
		return
	}
	if err == nil || !errors.Is(err, sentinelerrors.ErrBackendUnavailable) {
		b.state = stateClosed
		b.failures = 0
		b.probing = false
		return
	}
	b.lastFail = time.Now()
	b.failures++
	b.probing = false
	if b.state == stateHalfOpen || (b.state == stateClosed && b.failures >= b.threshold) {
		if b.state == stateClosed {
			slog.Warn("sentinel: kv circuit opened", "failures", b.failures, "error", err)
		}
		b.state = stateOpen
	}
}

func (b *Breaker) reject(op string) error {
	return sentinelerrors.Backend(op, sentinelerrors.ErrCircuitOpen)
}

// Get implements Store.Get.
func (b *Breaker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !b.allow() {
		return nil, false, b.reject("get")
	}
	v, ok, err := b.inner.Get(ctx, key)
	b.record(ctx, err)
	return v, ok, err
}

// Set implements Store.Set.
func (b *Breaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !b.allow() {
		return b.reject("set")
	}
	err := b.inner.Set(ctx, key, value, ttl)
	b.record(ctx, err)
	return err
}

// SetNX implements Store.SetNX.
func (b *Breaker) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if !b.allow() {
		return false, b.reject("setnx")
	}
	ok, err := b.inner.SetNX(ctx, key, value, ttl)
	b.record(ctx, err)
	return ok, err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (b *Breaker) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if !b.allow() {
		return false, b.reject("compare-and-delete")
	}
	ok, err := b.inner.CompareAndDelete(ctx, key, expected)
	b.record(ctx, err)
	return ok, err
}

// CompareAndExpire implements Store.CompareAndExpire.
func (b *Breaker) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	if !b.allow() {
		return false, b.reject("compare-and-expire")
	}
	ok, err := b.inner.CompareAndExpire(ctx, key, expected, ttl)
	b.record(ctx, err)
	return ok, err
}

// Incr implements Store.Incr.
func (b *Breaker) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if !b.allow() {
		return 0, b.reject("incr")
	}
	n, err := b.inner.Incr(ctx, key, delta)
	b.record(ctx, err)
	return n, err
}

// IncrWindow implements Store.IncrWindow.
func (b *Breaker) IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if !b.allow() {
		return 0, b.reject("incr-window")
	}
	n, err := b.inner.IncrWindow(ctx, key, delta, ttl)
	b.record(ctx, err)
	return n, err
}

// Expire implements Store.Expire.
func (b *Breaker) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !b.allow() {
		return false, b.reject("expire")
	}
	ok, err := b.inner.Expire(ctx, key, ttl)
	b.record(ctx, err)
	return ok, err
}

// TTL implements Store.TTL.
func (b *Breaker) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if !b.allow() {
		return 0, false, b.reject("ttl")
	}
	d, ok, err := b.inner.TTL(ctx, key)
	b.record(ctx, err)
	return d, ok, err
}

// Del implements Store.Del.
func (b *Breaker) Del(ctx context.Context, key string) error {
	if !b.allow() {
		return b.reject("del")
	}
	err := b.inner.Del(ctx, key)
	b.record(ctx, err)
	return err
}
