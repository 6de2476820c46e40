package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
	"github.com/mirkobrombin/go-sentinel/v1/events"
	"github.com/mirkobrombin/go-sentinel/v1/kv"
	"github.com/mirkobrombin/go-sentinel/v1/metrics"
)

func newRedisManager(t *testing.T, opts ...Option) (*Manager, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewManager(kv.NewRedisStore(client), opts...), mr, client
}

func TestAcquireReleaseReacquire(t *testing.T) {
	m, mr, _ := newRedisManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "orders", time.Second)
	if err != nil || h == nil {
		t.Fatalf("acquire: %v handle %v", err, h)
	}
	if got, _ := mr.Get("lock:orders"); got != h.Token {
		t.Fatalf("expected token stored under lock:orders, got %q", got)
	}
	if h2, err := m.Acquire(ctx, "orders", time.Second); err != nil || h2 != nil {
		t.Fatalf("expected lock held, got handle %v err %v", h2, err)
	}
	ok, err := m.Release(ctx, h)
	if err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	if ok, err := m.Release(ctx, h); err != nil || ok {
		t.Fatalf("double release must report false, ok %v err %v", ok, err)
	}
	if h3, err := m.Acquire(ctx, "orders", time.Second); err != nil || h3 == nil {
		t.Fatalf("expected lock re-acquired, handle %v err %v", h3, err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m, _, _ := newRedisManager(t)
	ctx := context.Background()

	const n = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Handle
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := m.Acquire(ctx, "leader", time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if h != nil {
				winners = append(winners, h)
			} else {
				losers++
			}
		}()
	}
	close(start)
	wg.Wait()
	if len(winners) != 1 || losers != n-1 {
		t.Fatalf("expected 1 winner and %d losers, got %d and %d", n-1, len(winners), losers)
	}
}

func TestReleaseAfterExpiryDoesNotStealNewHolder(t *testing.T) {
	m, mr, _ := newRedisManager(t)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "job", time.Second)
	if err != nil || stale == nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	fresh, err := m.Acquire(ctx, "job", time.Minute)
	if err != nil || fresh == nil {
		t.Fatalf("expected expired lock to be re-acquirable, err %v", err)
	}
	before := testutil.ToFloat64(metrics.LockReleaseMismatchCounter)
	ok, err := m.Release(ctx, stale)
	if err != nil || ok {
		t.Fatalf("stale release must report false, ok %v err %v", ok, err)
	}
	if got := testutil.ToFloat64(metrics.LockReleaseMismatchCounter); got != before+1 {
		t.Fatalf("expected mismatch counted, got %v want %v", got, before+1)
	}
	token, held, err := m.Holder(ctx, "job")
	if err != nil || !held || token != fresh.Token {
		t.Fatalf("new holder's lock was touched: token %q held %v err %v", token, held, err)
	}
}

func TestRefreshOnlyByOwner(t *testing.T) {
	m, mr, _ := newRedisManager(t)
	ctx := context.Background()

	h, _ := m.Acquire(ctx, "k", 2*time.Second)
	if ok, err := m.Refresh(ctx, h, time.Minute); err != nil || !ok {
		t.Fatalf("refresh: ok %v err %v", ok, err)
	}
	mr.FastForward(10 * time.Second)
	if _, held, _ := m.Holder(ctx, "k"); !held {
		t.Fatal("refreshed lock expired early")
	}
	intruder := &Handle{Key: "k", Token: "not-the-owner", TTL: time.Minute}
	if ok, err := m.Refresh(ctx, intruder, time.Hour); err != nil || ok {
		t.Fatalf("foreign refresh must fail, ok %v err %v", ok, err)
	}
	if h.ExpiresAt().Before(time.Now()) {
		t.Fatal("expected handle expiry to move forward")
	}
}

func TestLockFailsClosed(t *testing.T) {
	m, mr, client := newRedisManager(t)
	ctx := context.Background()
	h, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil || h == nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.Close()
	_ = client.Close()

	if h2, err := m.Acquire(ctx, "other", time.Minute); h2 != nil || !errors.Is(err, sentinelerrors.ErrBackendUnavailable) {
		t.Fatalf("acquire must fail closed, handle %v err %v", h2, err)
	}
	if ok, err := m.Release(ctx, h); ok || !errors.Is(err, sentinelerrors.ErrBackendUnavailable) {
		t.Fatalf("release must fail closed, ok %v err %v", ok, err)
	}
}

func TestAcquireValidation(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "", time.Second); !errors.Is(err, sentinelerrors.ErrValidation) {
		t.Fatalf("expected validation error for empty key, got %v", err)
	}
	if _, err := m.Acquire(ctx, "k", 0); !errors.Is(err, sentinelerrors.ErrValidation) {
		t.Fatalf("expected validation error for zero ttl, got %v", err)
	}
	if _, err := m.Release(ctx, nil); !errors.Is(err, sentinelerrors.ErrValidation) {
		t.Fatalf("expected validation error for nil handle, got %v", err)
	}
}

func TestMemoryStoreLockTTLExpires(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewManager(kv.NewMemoryStore(kv.WithClock(clock)), WithPrefix("jobs"))
	ctx := context.Background()

	if h, err := m.Acquire(ctx, "k", 10*time.Millisecond); err != nil || h == nil {
		t.Fatalf("acquire: %v", err)
	}
	mu.Lock()
	now = now.Add(20 * time.Millisecond)
	mu.Unlock()
	if h, err := m.Acquire(ctx, "k", time.Second); err != nil || h == nil {
		t.Fatalf("lock should expire, handle %v err %v", h, err)
	}
}

func TestDoRunsWhileHoldingAndReleases(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()

	ran := false
	ok, err := m.Do(ctx, "k", time.Minute, func(ctx context.Context) error {
		ran = true
		if _, held, _ := m.Holder(ctx, "k"); !held {
			t.Error("expected lock held inside Do")
		}
		inner, err := m.Do(ctx, "k", time.Minute, func(context.Context) error {
			t.Error("nested Do must not run while held")
			return nil
		})
		if err != nil || inner {
			t.Errorf("nested Do: ok %v err %v", inner, err)
		}
		return nil
	})
	if err != nil || !ok || !ran {
		t.Fatalf("do: ok %v ran %v err %v", ok, ran, err)
	}
	if _, held, _ := m.Holder(ctx, "k"); held {
		t.Fatal("expected lock released after Do")
	}

	boom := errors.New("boom")
	if _, err := m.Do(ctx, "k", time.Minute, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error returned, got %v", err)
	}
}

func TestLockEventsPublishedOnBus(t *testing.T) {
	bus := events.NewInMemoryBus()
	store := kv.NewMemoryStore()
	node1 := NewManager(store, WithBus(bus))
	node2 := NewManager(store, WithBus(bus))
	ctx := context.Background()

	lockCh, err := bus.Subscribe(ctx, "lock:leader")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	released, err := node2.Released(ctx, "leader")
	if err != nil {
		t.Fatalf("released: %v", err)
	}

	h, _ := node1.Acquire(ctx, "leader", time.Minute)
	select {
	case <-lockCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for lock publish")
	}
	if h2, _ := node2.Acquire(ctx, "leader", time.Minute); h2 != nil {
		t.Fatal("node2 must not acquire a held lock")
	}
	if ok, _ := node1.Release(ctx, h); !ok {
		t.Fatal("release failed")
	}
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unlock publish")
	}
	if h2, _ := node2.Acquire(ctx, "leader", time.Minute); h2 == nil {
		t.Fatal("node2 should acquire after release signal")
	}

	if _, err := NewManager(store).Released(ctx, "leader"); !errors.Is(err, sentinelerrors.ErrValidation) {
		t.Fatalf("expected error without bus, got %v", err)
	}
}

func TestRistrettoCostPressureNeverAdmitsSecondHolder(t *testing.T) {
	store, err := kv.NewRistrettoStore(kv.WithRistretto(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     2000,
		BufferItems: 64,
	}))
	if err != nil {
		t.Fatalf("ristretto: %v", err)
	}
	t.Cleanup(store.Close)
	m := NewManager(store)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "job", time.Minute)
	if err != nil || h == nil {
		t.Fatalf("acquire: %v handle %v", err, h)
	}
	for i := 0; i < 200; i++ {
		// Rejections under pressure are expected here.
		_, _ = m.Acquire(ctx, fmt.Sprintf("other-%d", i), time.Minute)
	}
	if h2, err := m.Acquire(ctx, "job", time.Minute); h2 != nil {
		t.Fatalf("second holder admitted under cost pressure (err %v)", err)
	}
}

func TestMemoryStoreFullNeverAdmitsSecondHolder(t *testing.T) {
	m := NewManager(kv.NewMemoryStore(kv.WithMaxEntries(3)))
	ctx := context.Background()

	h, err := m.Acquire(ctx, "job", time.Minute)
	if err != nil || h == nil {
		t.Fatalf("acquire: %v handle %v", err, h)
	}
	for i := 0; i < 10; i++ {
		_, _ = m.Acquire(ctx, fmt.Sprintf("other-%d", i), time.Minute)
	}
	if h2, err := m.Acquire(ctx, "job", time.Minute); err != nil || h2 != nil {
		t.Fatalf("expected lock still held, handle %v err %v", h2, err)
	}
	if _, err := m.Acquire(ctx, "fresh", time.Minute); !errors.Is(err, sentinelerrors.ErrBackendUnavailable) {
		t.Fatalf("expected full store to fail closed, got %v", err)
	}
}
