package kv

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// Script is a named, versioned server-side operation. The body is sent with
// EVALSHA and falls back to EVAL when the server has not cached it yet.
type Script struct {
	Name    string
	Version int
	body    *redis.Script
}

// NewScript compiles a Lua script under the given name and version.
func NewScript(name string, version int, src string) *Script {
	return &Script{Name: name, Version: version, body: redis.NewScript(src)}
}

// ID returns the script identifier, e.g. "compare-and-delete/v1".
func (s *Script) ID() string { return s.Name + "/v" + strconv.Itoa(s.Version) }

// Run executes the script against client.
func (s *Script) Run(ctx context.Context, client redis.Scripter, keys []string, args ...any) *redis.Cmd {
	return s.body.Run(ctx, client, keys, args...)
}

var (
	// CompareAndDeleteScript deletes KEYS[1] only when it holds ARGV[1].
	CompareAndDeleteScript = NewScript("compare-and-delete", 1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)
	// CompareAndExpireScript sets a millisecond TTL (ARGV[2]) on KEYS[1] only
	// when it holds ARGV[1].
	CompareAndExpireScript = NewScript("compare-and-expire", 1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)
	// IncrWindowScript adds ARGV[1] to KEYS[1] and sets a millisecond TTL
	// (ARGV[2]) when the key is left without expiry.
	IncrWindowScript = NewScript("incr-window", 1, `
local n = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) == -1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return n
`)
)

// RedisStore implements Store using a Redis backend.
type RedisStore struct {
	client    redis.UniversalClient
	timeout   time.Duration
	namespace string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithNamespace prefixes every key with ns followed by a colon.
func WithNamespace(ns string) RedisOption {
	return func(s *RedisStore) {
		s.namespace = ns
	}
}

// NewRedisStore returns a new RedisStore using the provided client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

func (s *RedisStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// wrap maps a client error onto the sentinel taxonomy.
func wrap(op string, err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %v", sentinelerrors.ErrTimeout, err)
	case stdErrors.Is(err, redis.ErrClosed):
		err = fmt.Errorf("%w: %v", sentinelerrors.ErrConnectionClosed, err)
	}
	return sentinelerrors.Backend(op, err)
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	data, err := s.client.Get(cctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("get", err)
	}
	return data, true, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	if err := s.client.Set(cctx, s.key(key), value, clampTTL(ttl)).Err(); err != nil {
		return wrap("set", err)
	}
	return nil
}

// SetNX implements Store.SetNX with a single SET NX PX round trip.
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	ok, err := s.client.SetNX(cctx, s.key(key), value, clampTTL(ttl)).Result()
	if err != nil {
		return false, wrap("setnx", err)
	}
	return ok, nil
}

// CompareAndDelete implements Store.CompareAndDelete with CompareAndDeleteScript.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	n, err := CompareAndDeleteScript.Run(cctx, s.client, []string{s.key(key)}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, wrap(CompareAndDeleteScript.ID(), err)
	}
	return n == 1, nil
}

// CompareAndExpire implements Store.CompareAndExpire with CompareAndExpireScript.
func (s *RedisStore) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, sentinelerrors.Invalid("ttl", "must be positive")
	}
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	n, err := CompareAndExpireScript.Run(cctx, s.client, []string{s.key(key)}, expected, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, wrap(CompareAndExpireScript.ID(), err)
	}
	return n == 1, nil
}

// Incr implements Store.Incr.
func (s *RedisStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	n, err := s.client.IncrBy(cctx, s.key(key), delta).Result()
	if err != nil {
		return 0, wrap("incr", err)
	}
	return n, nil
}

// IncrWindow implements Store.IncrWindow with IncrWindowScript.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, sentinelerrors.Invalid("ttl", "must be positive")
	}
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	n, err := IncrWindowScript.Run(cctx, s.client, []string{s.key(key)}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, wrap(IncrWindowScript.ID(), err)
	}
	return n, nil
}

// Expire implements Store.Expire.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, sentinelerrors.Invalid("ttl", "must be positive")
	}
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	ok, err := s.client.PExpire(cctx, s.key(key), ttl).Result()
	if err != nil {
		return false, wrap("expire", err)
	}
	return ok, nil
}

// TTL implements Store.TTL using PTTL.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	d, err := s.client.PTTL(cctx, s.key(key)).Result()
	if err != nil {
		return 0, false, wrap("ttl", err)
	}
	// PTTL answers -2 for a missing key and -1 for a key without expiry.
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return 0, true, nil
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Del implements Store.Del.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	if err := s.client.Del(cctx, s.key(key)).Err(); err != nil {
		return wrap("del", err)
	}
	return nil
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
