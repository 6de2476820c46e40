package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
	"github.com/mirkobrombin/go-sentinel/v1/events"
	"github.com/mirkobrombin/go-sentinel/v1/kv"
	"github.com/mirkobrombin/go-sentinel/v1/metrics"
)

const defaultPrefix = "lock"

// Handle proves ownership of an acquired lock. Ownership is established by
// Token alone, never by process identity.
type Handle struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
}

// ExpiresAt returns the instant the lock lapses unless refreshed.
func (h *Handle) ExpiresAt() time.Time {
	return h.AcquiredAt.Add(h.TTL)
}

// Manager hands out TTL-bound exclusive locks.
type Manager struct {
	store  kv.Store
	prefix string
	bus    events.Bus
	logger *slog.Logger
	token  func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix sets the key namespace of the locks. Defaults to "lock".
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithBus publishes "lock:<key>" after each acquisition and "unlock:<key>"
// after each successful release.
func WithBus(bus events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager returns a Manager storing locks in store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		prefix: defaultPrefix,
		logger: slog.Default(),
		token:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) key(k string) string {
	return kv.Join(m.prefix, k)
}

// Acquire tries to take the lock for key once. It returns (nil, nil) when
// another holder owns the key; it never waits or retries.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if key == "" {
		return nil, sentinelerrors.Invalid("key", "must not be empty")
	}
	if ttl <= 0 {
		return nil, sentinelerrors.Invalid("ttl", "must be positive")
	}
	h := &Handle{Key: key, Token: m.token(), TTL: ttl, AcquiredAt: time.Now()}
	ok, err := m.store.SetNX(ctx, m.key(key), []byte(h.Token), ttl)
	if err != nil {
		m.logger.Warn("sentinel: lock acquire failed", "key", key, "error", err)
		return nil, sentinelerrors.Backend("lock acquire", err)
	}
	if !ok {
		metrics.LockContendedCounter.Inc()
		return nil, nil
	}
	metrics.LockAcquiredCounter.Inc()
	m.publish(ctx, "lock:"+key)
	return h, nil
}

// Release frees the lock if h still owns it. A false result with a nil
// error means the lock already expired, possibly re-acquired by someone else,
// and was left untouched.
func (m *Manager) Release(ctx context.Context, h *Handle) (bool, error) {
	if h == nil || h.Key == "" || h.Token == "" {
		return false, sentinelerrors.Invalid("handle", "must carry a key and token")
	}
	ok, err := m.store.CompareAndDelete(ctx, m.key(h.Key), []byte(h.Token))
	if err != nil {
		m.logger.Warn("sentinel: lock release failed", "key", h.Key, "error", err)
		return false, sentinelerrors.Backend("lock release", err)
	}
	if !ok {
		metrics.LockReleaseMismatchCounter.Inc()
		m.logger.Debug("sentinel: lock no longer owned on release", "key", h.Key)
		return false, nil
	}
	metrics.LockReleasedCounter.Inc()
	m.publish(ctx, "unlock:"+h.Key)
	return true, nil
}

// Refresh extends the lock to ttl from now, only if h still owns it.
func (m *Manager) Refresh(ctx context.Context, h *Handle, ttl time.Duration) (bool, error) {
	if h == nil || h.Key == "" || h.Token == "" {
		return false, sentinelerrors.Invalid("handle", "must carry a key and token")
	}
	if ttl <= 0 {
		return false, sentinelerrors.Invalid("ttl", "must be positive")
	}
	ok, err := m.store.CompareAndExpire(ctx, m.key(h.Key), []byte(h.Token), ttl)
	if err != nil {
		return false, sentinelerrors.Backend("lock refresh", err)
	}
	if ok {
		h.TTL = ttl
		h.AcquiredAt = time.Now()
	}
	return ok, nil
}

// Holder returns the token currently owning key.
func (m *Manager) Holder(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := m.store.Get(ctx, m.key(key))
	if err != nil {
		return "", false, sentinelerrors.Backend("lock holder", err)
	}
	return string(v), ok, nil
}

// Do runs fn while holding the lock for key and releases it afterwards. It
// reports false without calling fn when the lock is held elsewhere. fn
// receives a context cancelled when the TTL lapses.
func (m *Manager) Do(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	h, err := m.Acquire(ctx, key, ttl)
	if err != nil || h == nil {
		return false, err
	}
	fctx, cancel := context.WithDeadline(ctx, h.ExpiresAt())
	defer cancel()
	fnErr := fn(fctx)
	if _, err := m.Release(context.WithoutCancel(ctx), h); err != nil && fnErr == nil {
		return true, err
	}
	return true, fnErr
}

// Released returns a channel signalled whenever key is released through a
// Manager sharing the same bus. It requires WithBus.
func (m *Manager) Released(ctx context.Context, key string) (chan struct{}, error) {
	if m.bus == nil {
		return nil, sentinelerrors.Invalid("bus", "lock manager has no event bus")
	}
	return m.bus.Subscribe(ctx, "unlock:"+key)
}

func (m *Manager) publish(ctx context.Context, topic string) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, topic); err != nil {
		m.logger.Warn("sentinel: lock event publish failed", "topic", topic, "error", err)
	}
}
