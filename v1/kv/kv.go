package kv

import (
	"context"
	"time"
)

// Store is the shared key-value backend consumed by the lock and
// verification managers. Implementations must be safe for concurrent use and
// must execute SetNX, CompareAndDelete, CompareAndExpire, Incr and IncrWindow atomically
// with respect to every other operation on the same key.
//
// A ttl <= 0 passed to Set or SetNX stores the key without expiry. Every
// failure of the backend itself is returned wrapped so that
// errors.Is(err, errors.ErrBackendUnavailable) holds.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value and TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// CompareAndExpire resets the TTL of key only if its current value equals expected.
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)
	// Incr adds delta to the integer stored at key, creating it at zero
	// first. An existing TTL is preserved.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	// IncrWindow adds delta like Incr and, in the same atomic step, attaches
	// ttl whenever the key has no expiry afterwards. A running window is
	// never extended; a key that lost its TTL gets one back.
	IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Expire sets the TTL of an existing key. It reports false when the key
	// does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key. exists is false when the key
	// is absent; a present key without expiry reports (0, true, nil).
	TTL(ctx context.Context, key string) (remaining time.Duration, exists bool, err error)
	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
}

// Join builds a namespaced key.
func Join(prefix string, parts ...string) string {
	n := len(prefix)
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	b = append(b, prefix...)
	for _, p := range parts {
		if len(b) > 0 {
			b = append(b, ':')
		}
		b = append(b, p...)
	}
	return string(b)
}
