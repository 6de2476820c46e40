package kv

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

var (
	errNotInteger = errors.New("value is not an integer or out of range")
	errStoreFull  = errors.New("memory store is full")
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Expired keys are reclaimed lazily when
// they are next touched, or all at once when the store runs out of room.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]*entry
	maxEntries int
	now        func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxEntries bounds the number of live keys. Live keys are never
// evicted: once the bound is reached, writes that would create a key fail
// with ErrBackendUnavailable until keys expire or are deleted. A
// non-positive value means unbounded.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxEntries = n
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]*entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for key, dropping it if expired. Callers hold s.mu.
func (s *MemoryStore) lookup(key string) (*entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if s.expired(e) {
		delete(s.items, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// put stores value under key. Creating a key in a full store reclaims
// expired keys first and fails if none could be reclaimed. Callers hold s.mu.
func (s *MemoryStore) put(op, key string, value []byte, expiresAt time.Time) error {
	v := append([]byte(nil), value...)
	if e, ok := s.items[key]; ok {
		e.value = v
		e.expiresAt = expiresAt
		return nil
	}
	if s.maxEntries > 0 && len(s.items) >= s.maxEntries {
		for k, e := range s.items {
			if s.expired(e) {
				delete(s.items, k)
			}
		}
		if len(s.items) >= s.maxEntries {
			return sentinelerrors.Backend(op, errStoreFull)
		}
	}
	s.items[key] = &entry{value: v, expiresAt: expiresAt}
	return nil
}

func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return wrap(op, err)
	}
	return nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctxErr(ctx, "get"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set implements Store.Set.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctxErr(ctx, "set"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put("set", key, value, s.deadline(ttl))
}

// SetNX implements Store.SetNX.
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctxErr(ctx, "setnx"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	if err := s.put("setnx", key, value, s.deadline(ttl)); err != nil {
		return false, err
	}
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := ctxErr(ctx, "compare-and-delete"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (s *MemoryStore) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, sentinelerrors.Invalid("ttl", "must be positive")
	}
	if err := ctxErr(ctx, "compare-and-expire"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	e.expiresAt = s.deadline(ttl)
	return true, nil
}

// Incr implements Store.Incr.
func (s *MemoryStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctxErr(ctx, "incr"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incr("incr", key, delta, 0)
}

// IncrWindow implements Store.IncrWindow.
func (s *MemoryStore) IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, sentinelerrors.Invalid("ttl", "must be positive")
	}
	if err := ctxErr(ctx, "incr-window"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incr("incr-window", key, delta, ttl)
}

// incr adds delta to key, attaching window when positive and the key has no
// expiry. Callers hold s.mu.
func (s *MemoryStore) incr(op, key string, delta int64, window time.Duration) (int64, error) {
	var cur int64
	var expiresAt time.Time
	if e, ok := s.lookup(key); ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, sentinelerrors.Backend(op, errNotInteger)
		}
		cur = n
		expiresAt = e.expiresAt
	}
	if expiresAt.IsZero() && window > 0 {
		expiresAt = s.deadline(window)
	}
	cur += delta
	if err := s.put(op, key, []byte(strconv.FormatInt(cur, 10)), expiresAt); err != nil {
		return 0, err
	}
	return cur, nil
}

// Expire implements Store.Expire.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, sentinelerrors.Invalid("ttl", "must be positive")
	}
	if err := ctxErr(ctx, "expire"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = s.deadline(ttl)
	return true, nil
}

// TTL implements Store.TTL.
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctxErr(ctx, "ttl"); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return 0, true, nil
	}
	return e.expiresAt.Sub(s.now()), true, nil
}

// Del implements Store.Del.
func (s *MemoryStore) Del(ctx context.Context, key string) error {
	if err := ctxErr(ctx, "del"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len returns the number of stored keys, including expired keys that have
// not been touched since they expired.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
