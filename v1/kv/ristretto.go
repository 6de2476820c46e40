package kv

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

var (
	errWriteRejected = errors.New("ristretto rejected the write")
	errEvicted       = errors.New("ristretto evicted a live key")
)

// ristrettoItem keeps its own deadline so TTL reads are exact; the TTL
// handed to ristretto only drives reclamation.
type ristrettoItem struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// RistrettoStore implements Store on top of dgraph-io/ristretto. The compound
// operations are serialized by a mutex. A write the admission policy drops is
// reported as a backend failure instead of being silently lost.
//
// Keys the cost policy evicts before their deadline are remembered until that
// deadline, and every operation touching one fails with ErrBackendUnavailable
// rather than reporting it as absent. Set and Del forget the eviction.
type RistrettoStore struct {
	mu  sync.Mutex
	c   *ristretto.Cache
	now func() time.Time

	// lostMu is separate from mu: OnEvict runs on ristretto's own goroutine
	// while mu is held across Wait.
	lostMu sync.Mutex
	lost   map[string]time.Time
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistrettoStore returns a Store backed by ristretto.
func NewRistrettoStore(opts ...RistrettoOption) (*RistrettoStore, error) {
	cfg := &ristretto.Config{
		NumCounters: 1e5,     // number of keys to track frequency of (100k).
		MaxCost:     1 << 26, // 64MB of values.
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	r := &RistrettoStore{now: time.Now, lost: make(map[string]time.Time)}
	userEvict := cfg.OnEvict
	cfg.OnEvict = func(item *ristretto.Item) {
		r.onEvict(item)
		if userEvict != nil {
			userEvict(item)
		}
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	r.c = rc
	return r, nil
}

// onEvict records items dropped while still live. Expiry cleanup also lands
// here and is ignored.
func (r *RistrettoStore) onEvict(item *ristretto.Item) {
	if item == nil {
		return
	}
	it, ok := item.Value.(ristrettoItem)
	if !ok || it.key == "" {
		return
	}
	now := r.now()
	if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
		return
	}
	r.lostMu.Lock()
	defer r.lostMu.Unlock()
	for k, until := range r.lost {
		if !until.IsZero() && !now.Before(until) {
			delete(r.lost, k)
		}
	}
	r.lost[it.key] = it.expiresAt
}

func (r *RistrettoStore) evicted(key string) bool {
	r.lostMu.Lock()
	defer r.lostMu.Unlock()
	until, ok := r.lost[key]
	if !ok {
		return false
	}
	if !until.IsZero() && !r.now().Before(until) {
		delete(r.lost, key)
		return false
	}
	return true
}

func (r *RistrettoStore) forget(key string) {
	r.lostMu.Lock()
	delete(r.lost, key)
	r.lostMu.Unlock()
}

func (r *RistrettoStore) load(op, key string) (ristrettoItem, bool, error) {
	v, ok := r.c.Get(key)
	if !ok {
		if r.evicted(key) {
			return ristrettoItem{}, false, sentinelerrors.Backend(op, errEvicted)
		}
		return ristrettoItem{}, false, nil
	}
	it, ok := v.(ristrettoItem)
	if !ok {
		r.c.Del(key)
		return ristrettoItem{}, false, nil
	}
	if !it.expiresAt.IsZero() && !r.now().Before(it.expiresAt) {
		r.c.Del(key)
		return ristrettoItem{}, false, nil
	}
	return it, true, nil
}

func (r *RistrettoStore) store(op, key string, it ristrettoItem) error {
	var ttl time.Duration
	if !it.expiresAt.IsZero() {
		ttl = it.expiresAt.Sub(r.now())
		if ttl <= 0 {
			r.c.Del(key)
			r.c.Wait()
			return nil
		}
	}
	it.key = key
	cost := int64(len(it.value) + len(key) + 32)
	if !r.c.SetWithTTL(key, it, cost, ttl) {
		return sentinelerrors.Backend(op, errWriteRejected)
	}
	r.c.Wait()
	if _, ok := r.c.Get(key); !ok {
		return sentinelerrors.Backend(op, errWriteRejected)
	}
	return nil
}

func (r *RistrettoStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(ttl)
}

// Get implements Store.Get.
func (r *RistrettoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctxErr(ctx, "get"); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok, err := r.load("get", key)
	if err != nil || !ok {
		return nil, false, err
	}
	return append([]byte(nil), it.value...), true, nil
}

// Set implements Store.Set.
func (r *RistrettoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctxErr(ctx, "set"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forget(key)
	return r.store("set", key, ristrettoItem{value: append([]byte(nil), value...), expiresAt: r.deadline(ttl)})
}

// SetNX implements Store.SetNX.
func (r *RistrettoStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctxErr(ctx, "setnx"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok, err := r.load("setnx", key); err != nil || ok {
		return false, err
	}
	if err := r.store("setnx", key, ristrettoItem{value: append([]byte(nil), value...), expiresAt: r.deadline(ttl)}); err != nil {
		return false, err
	}
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (r *RistrettoStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := ctxErr(ctx, "compare-and-delete"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok, err := r.load("compare-and-delete", key)
	if err != nil || !ok || !bytes.Equal(it.value, expected) {
		return false, err
	}
	r.c.Del(key)
	r.c.Wait()
	return true, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (r *RistrettoStore) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, sentinelerrors.Invalid("ttl", "must be positive")
	}
	if err := ctxErr(ctx, "compare-and-expire"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok, err := r.load("compare-and-expire", key)
	if err != nil || !ok || !bytes.Equal(it.value, expected) {
		return false, err
	}
	it.expiresAt = r.deadline(ttl)
	if err := r.store("compare-and-expire", key, it); err != nil {
		return false, err
	}
	return true, nil
}

// Incr implements Store.Incr.
func (r *RistrettoStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctxErr(ctx, "incr"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incr("incr", key, delta, 0)
}

// IncrWindow implements Store.IncrWindow.
func (r *RistrettoStore) IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, sentinelerrors.Invalid("ttl", "must be positive")
	}
	if err := ctxErr(ctx, "incr-window"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incr("incr-window", key, delta, ttl)
}

func (r *RistrettoStore) incr(op, key string, delta int64, window time.Duration) (int64, error) {
	it, ok, err := r.load(op, key)
	if err != nil {
		return 0, err
	}
	var cur int64
	if ok {
		n, err := strconv.ParseInt(string(it.value), 10, 64)
		if err != nil {
			return 0, sentinelerrors.Backend(op, errNotInteger)
		}
		cur = n
	}
	cur += delta
	it.value = []byte(strconv.FormatInt(cur, 10))
	if it.expiresAt.IsZero() && window > 0 {
		it.expiresAt = r.deadline(window)
	}
	if err := r.store(op, key, it); err != nil {
		return 0, err
	}
	return cur, nil
}

// Expire implements Store.Expire.
func (r *RistrettoStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, sentinelerrors.Invalid("ttl", "must be positive")
	}
	if err := ctxErr(ctx, "expire"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok, err := r.load("expire", key)
	if err != nil || !ok {
		return false, err
	}
	it.expiresAt = r.deadline(ttl)
	if err := r.store("expire", key, it); err != nil {
		return false, err
	}
	return true, nil
}

// TTL implements Store.TTL.
func (r *RistrettoStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctxErr(ctx, "ttl"); err != nil {
		return 0, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok, err := r.load("ttl", key)
	if err != nil || !ok {
		return 0, false, err
	}
	if it.expiresAt.IsZero() {
		return 0, true, nil
	}
	return it.expiresAt.Sub(r.now()), true, nil
}

// Del implements Store.Del.
func (r *RistrettoStore) Del(ctx context.Context, key string) error {
	if err := ctxErr(ctx, "del"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forget(key)
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Close releases resources held by the cache.
func (r *RistrettoStore) Close() {
	r.c.Close()
}
