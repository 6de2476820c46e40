package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/mirkobrombin/go-sentinel/v1/counter"
	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
	"github.com/mirkobrombin/go-sentinel/v1/kv"
	"github.com/mirkobrombin/go-sentinel/v1/metrics"
)

const minIdentifierLength = 3

// Outcome is the result of checking a submitted code.
type Outcome int

const (
	// NotFoundOrExpired means no pending code exists; natural expiry and a
	// code that was never issued are indistinguishable.
	NotFoundOrExpired Outcome = iota
	// Mismatch means a pending code exists but differs from the submission.
	Mismatch
	// Verified means the submission matched and the code was consumed.
	Verified
)

func (o Outcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case Mismatch:
		return "mismatch"
	default:
		return "not_found_or_expired"
	}
}

// Config holds the tunables of a Manager.
type Config struct {
	// Prefix namespaces every key. Defaults to "vcode".
	Prefix string
	// MaxRetries is the number of failed verifications tolerated per
	// identifier and type within one validity window.
	MaxRetries int
	// MinSendInterval is the minimum time between two Generate calls for the
	// same identifier and type. Zero disables the gate.
	MinSendInterval time.Duration
	// MaxGenerateAttempts bounds the redraws needed to satisfy RequireMixed.
	MaxGenerateAttempts int
	// Policies is the per-type policy table. Nil means DefaultPolicies.
	Policies map[CodeType]Policy
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:              "vcode",
		MaxRetries:          5,
		MinSendInterval:     time.Minute,
		MaxGenerateAttempts: 10,
		Policies:            DefaultPolicies(),
	}
}

// Manager issues and checks one-time verification codes. At most one code is
// pending per identifier and type; issuing a new one replaces the previous one.
type Manager struct {
	store    kv.Store
	counter  *counter.Counter
	cfg      Config
	policies atomic.Pointer[map[CodeType]Policy]
	random   io.Reader
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRandom replaces crypto/rand as the source of codes.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.random = r
		}
	}
}

// WithClock replaces time.Now for the IssuedAt stamp of codes.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager storing codes and retry ledgers in store.
// Zero fields of cfg take their DefaultConfig value.
func NewManager(store kv.Store, cfg Config, opts ...Option) (*Manager, error) {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxGenerateAttempts == 0 {
		cfg.MaxGenerateAttempts = def.MaxGenerateAttempts
	}
	if cfg.Policies == nil {
		cfg.Policies = def.Policies
	}
	switch {
	case cfg.MaxRetries < 0:
		return nil, sentinelerrors.Invalid("max retries", "must be positive")
	case cfg.MaxGenerateAttempts < 0:
		return nil, sentinelerrors.Invalid("max generate attempts", "must be positive")
	case cfg.MinSendInterval < 0:
		return nil, sentinelerrors.Invalid("min send interval", "must not be negative")
	}
	m := &Manager{
		store:   store,
		counter: counter.New(store),
		cfg:     cfg,
		random:  rand.Reader,
		logger:  slog.Default(),
		now:     time.Now,
	}
	if err := m.SetPolicies(cfg.Policies); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Policies returns a copy of the active policy table.
func (m *Manager) Policies() map[CodeType]Policy {
	return maps.Clone(*m.policies.Load())
}

// SetPolicies atomically replaces the policy table. In-flight codes keep the
// TTL they were stored with.
func (m *Manager) SetPolicies(policies map[CodeType]Policy) error {
	if len(policies) == 0 {
		return sentinelerrors.Invalid("policies", "must not be empty")
	}
	for t, p := range policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", t, err)
		}
	}
	table := maps.Clone(policies)
	m.policies.Store(&table)
	return nil
}

// SetPolicy adds or replaces the policy of a single type.
func (m *Manager) SetPolicy(t CodeType, p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("policy %q: %w", t, err)
	}
	for {
		cur := m.policies.Load()
		next := maps.Clone(*cur)
		next[t] = p
		if m.policies.CompareAndSwap(cur, &next) {
			return nil
		}
	}
}

func (m *Manager) policy(t CodeType) (Policy, error) {
	p, ok := (*m.policies.Load())[t]
	if !ok {
		return Policy{}, sentinelerrors.Invalid("code type", fmt.Sprintf("unknown type %q", t))
	}
	return p, nil
}

func (m *Manager) codeKey(identifier string, t CodeType) string {
	return kv.Join(m.cfg.Prefix, "code", string(t), identifier)
}

func (m *Manager) retryKey(identifier string, t CodeType) string {
	return kv.Join(m.cfg.Prefix, "retry", string(t), identifier)
}

func validateIdentifier(identifier string) error {
	if identifier == "" {
		return sentinelerrors.Invalid("identifier", "must not be empty")
	}
	if utf8.RuneCountInString(identifier) < minIdentifierLength {
		return sentinelerrors.Invalid("identifier", fmt.Sprintf("must be at least %d characters", minIdentifierLength))
	}
	return nil
}

func (m *Manager) prepare(identifier string, t CodeType) (Policy, error) {
	if err := validateIdentifier(identifier); err != nil {
		return Policy{}, err
	}
	return m.policy(t)
}

// reject counts a refusal. Types outside the policy table share one label so
// callers cannot grow the metric's cardinality.
func (m *Manager) reject(t CodeType, reason string) {
	label := string(t)
	if _, ok := (*m.policies.Load())[t]; !ok {
		label = "unknown"
	}
	metrics.CodesRejectedCounter.WithLabelValues(label, reason).Inc()
}

func (m *Manager) unavailable(op string, t CodeType, err error) error {
	m.reject(t, metrics.ReasonUnavailable)
	m.logger.Warn("sentinel: verification backend failure", "op", op, "type", t, "error", err)
	return sentinelerrors.Backend(op, err)
}

// sendGate returns how long the caller must wait before a new code may be
// sent, zero when sending is allowed.
func (m *Manager) sendGate(ctx context.Context, identifier string, t CodeType, p Policy, interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		return 0, nil
	}
	remaining, exists, err := m.store.TTL(ctx, m.codeKey(identifier, t))
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	elapsed := p.Validity - remaining
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= interval {
		return 0, nil
	}
	return interval - elapsed, nil
}

// newCode draws a code satisfying p, redrawing at most MaxGenerateAttempts
// times when the complexity rule rejects a draw.
func (m *Manager) newCode(p Policy) (string, error) {
	alphabet := p.Charset.Alphabet()
	for i := 0; i < m.cfg.MaxGenerateAttempts; i++ {
		code, err := draw(m.random, alphabet, p.Length)
		if err != nil {
			return "", fmt.Errorf("%w: random source: %v", sentinelerrors.ErrInternal, err)
		}
		if !p.RequireMixed || mixed(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: no compliant code after %d attempts", sentinelerrors.ErrInternal, m.cfg.MaxGenerateAttempts)
}

// Generate issues a new code for identifier and returns it in plaintext.
// Delivering it is up to the caller. A pending code younger than
// MinSendInterval makes Generate fail with a RateLimitedError; an older one
// is silently replaced.
func (m *Manager) Generate(ctx context.Context, identifier string, t CodeType) (string, error) {
	p, err := m.prepare(identifier, t)
	if err != nil {
		m.reject(t, metrics.ReasonInvalid)
		return "", err
	}
	wait, err := m.sendGate(ctx, identifier, t, p, m.cfg.MinSendInterval)
	if err != nil {
		return "", m.unavailable("generate", t, err)
	}
	if wait > 0 {
		m.reject(t, metrics.ReasonRateLimited)
		m.logger.Info("sentinel: verification code send rate limited", "type", t, "retry_after", wait)
		return "", &sentinelerrors.RateLimitedError{RetryAfter: wait}
	}
	value, err := m.newCode(p)
	if err != nil {
		m.reject(t, metrics.ReasonGenerateLimit)
		m.logger.Error("sentinel: verification code generation failed", "type", t, "error", err)
		return "", err
	}
	data, err := encodeCode(Code{
		Identifier: identifier,
		Type:       t,
		Value:      value,
		IssuedAt:   m.now(),
		TTL:        p.Validity,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode code: %v", sentinelerrors.ErrInternal, err)
	}
	if err := m.store.Set(ctx, m.codeKey(identifier, t), data, p.Validity); err != nil {
		return "", m.unavailable("generate", t, err)
	}
	metrics.CodesIssuedCounter.WithLabelValues(string(t)).Inc()
	return value, nil
}

// Verify reports whether code is the pending code for identifier. See Check.
func (m *Manager) Verify(ctx context.Context, identifier, code string, t CodeType) (bool, error) {
	out, err := m.Check(ctx, identifier, code, t)
	if err != nil {
		return false, err
	}
	return out == Verified, nil
}

// Check compares code against the pending code of identifier. A match
// consumes the code and clears the retry ledger. Every miss, including a
// missing or expired code, counts against the ledger; once the ledger reaches
// MaxRetries, Check fails with a RetryLimitExceededError without looking at
// the stored code. Malformed submissions are rejected before the ledger is
// consulted and are not counted.
func (m *Manager) Check(ctx context.Context, identifier, code string, t CodeType) (Outcome, error) {
	p, err := m.prepare(identifier, t)
	if err != nil {
		m.reject(t, metrics.ReasonInvalid)
		return NotFoundOrExpired, err
	}
	if !wellFormed(p, code) {
		m.reject(t, metrics.ReasonInvalid)
		return NotFoundOrExpired, sentinelerrors.Invalid("code", fmt.Sprintf("must be %d %s characters", p.Length, p.Charset))
	}

	retryKey := m.retryKey(identifier, t)
	attempts, err := m.counter.Value(ctx, retryKey)
	if err != nil {
		return NotFoundOrExpired, m.unavailable("verify", t, err)
	}
	if attempts >= int64(m.cfg.MaxRetries) {
		wait, err := m.counter.Remaining(ctx, retryKey)
		if err != nil {
			return NotFoundOrExpired, m.unavailable("verify", t, err)
		}
		m.reject(t, metrics.ReasonLockedOut)
		m.logger.Info("sentinel: verification locked out", "type", t, "attempts", attempts, "retry_after", wait)
		return NotFoundOrExpired, &sentinelerrors.RetryLimitExceededError{RetryAfter: wait}
	}

	codeKey := m.codeKey(identifier, t)
	raw, ok, err := m.store.Get(ctx, codeKey)
	if err != nil {
		return NotFoundOrExpired, m.unavailable("verify", t, err)
	}
	if !ok {
		return m.fail(ctx, retryKey, t, p, NotFoundOrExpired)
	}
	stored, err := decodeCode(raw)
	if err != nil {
		return NotFoundOrExpired, fmt.Errorf("%w: decode code: %v", sentinelerrors.ErrInternal, err)
	}
	if !equalFold(stored.Value, code) {
		return m.fail(ctx, retryKey, t, p, Mismatch)
	}

	// Consume only the exact record read above: a concurrent Verify that got
	// there first, or a Generate that replaced it, makes this a miss.
	consumed, err := m.store.CompareAndDelete(ctx, codeKey, raw)
	if err != nil {
		return NotFoundOrExpired, m.unavailable("verify", t, err)
	}
	if !consumed {
		return m.fail(ctx, retryKey, t, p, NotFoundOrExpired)
	}
	if err := m.counter.Reset(ctx, retryKey); err != nil {
		m.logger.Warn("sentinel: retry ledger not cleared after verification", "type", t, "error", err)
	}
	metrics.CodesVerifiedCounter.WithLabelValues(string(t)).Inc()
	return Verified, nil
}

func (m *Manager) fail(ctx context.Context, retryKey string, t CodeType, p Policy, out Outcome) (Outcome, error) {
	if _, err := m.counter.Increment(ctx, retryKey, p.Validity); err != nil {
		return out, m.unavailable("verify", t, err)
	}
	if out == Mismatch {
		m.reject(t, metrics.ReasonMismatch)
	} else {
		m.reject(t, metrics.ReasonNotFound)
	}
	return out, nil
}

// Exists reports whether a code is pending for identifier.
func (m *Manager) Exists(ctx context.Context, identifier string, t CodeType) (bool, error) {
	if _, err := m.prepare(identifier, t); err != nil {
		return false, err
	}
	_, ok, err := m.store.TTL(ctx, m.codeKey(identifier, t))
	if err != nil {
		return false, sentinelerrors.Backend("exists", err)
	}
	return ok, nil
}

// RemainingTTL returns the lifetime left of the pending code, zero if none.
func (m *Manager) RemainingTTL(ctx context.Context, identifier string, t CodeType) (time.Duration, error) {
	if _, err := m.prepare(identifier, t); err != nil {
		return 0, err
	}
	d, ok, err := m.store.TTL(ctx, m.codeKey(identifier, t))
	if err != nil {
		return 0, sentinelerrors.Backend("remaining ttl", err)
	}
	if !ok {
		return 0, nil
	}
	return d, nil
}

// CanSend reports whether a new code may be sent given minInterval, and
// otherwise how long to wait. It does not consume anything.
func (m *Manager) CanSend(ctx context.Context, identifier string, t CodeType, minInterval time.Duration) (bool, time.Duration, error) {
	p, err := m.prepare(identifier, t)
	if err != nil {
		return false, 0, err
	}
	wait, err := m.sendGate(ctx, identifier, t, p, minInterval)
	if err != nil {
		return false, 0, sentinelerrors.Backend("can send", err)
	}
	return wait == 0, wait, nil
}

// Attempts returns the failed verifications counted in the current window.
func (m *Manager) Attempts(ctx context.Context, identifier string, t CodeType) (int64, error) {
	if _, err := m.prepare(identifier, t); err != nil {
		return 0, err
	}
	return m.counter.Value(ctx, m.retryKey(identifier, t))
}

// Delete invalidates the pending code and clears the retry ledger.
func (m *Manager) Delete(ctx context.Context, identifier string, t CodeType) error {
	if _, err := m.prepare(identifier, t); err != nil {
		return err
	}
	codeErr := m.store.Del(ctx, m.codeKey(identifier, t))
	ledgerErr := m.counter.Reset(ctx, m.retryKey(identifier, t))
	if err := errors.Join(codeErr, ledgerErr); err != nil {
		return sentinelerrors.Backend("delete", err)
	}
	return nil
}
