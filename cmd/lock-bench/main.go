package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-sentinel/v1/lock"
	"github.com/mirkobrombin/go-sentinel/v1/presets"
)

var (
	backend     = flag.String("backend", "memory", "Store backend: memory, ristretto or redis")
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address for the redis backend")
	concurrency = flag.Int("c", 32, "Concurrent acquirers per round")
	rounds      = flag.Int("n", 1000, "Number of contended rounds")
	ttl         = flag.Duration("ttl", 5*time.Second, "Lock TTL")
)

func newStack(cfg presets.Config) (*presets.Stack, error) {
	switch *backend {
	case "memory":
		return presets.NewInMemory(cfg)
	case "ristretto":
		return presets.NewRistretto(cfg)
	case "redis":
		cfg.Redis.Addr = *redisAddr
		return presets.NewRedis(cfg)
	}
	return nil, fmt.Errorf("unknown backend %q", *backend)
}

func main() {
	flag.Parse()

	cfg := presets.DefaultConfig()
	cfg.Lock.Prefix = "bench"
	stack, err := newStack(cfg)
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer stack.Close()

	log.Printf("Starting lock benchmark: backend %s, %d rounds, %d acquirers", *backend, *rounds, *concurrency)

	ctx := context.Background()
	var acquired, contended, violations int64
	start := time.Now()

	for r := 0; r < *rounds; r++ {
		key := fmt.Sprintf("round-%d", r)
		var (
			winners int64
			winner  atomic.Pointer[lock.Handle]
		)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < *concurrency; i++ {
			g.Go(func() error {
				h, err := stack.Locks.Acquire(gctx, key, *ttl)
				if err != nil {
					return err
				}
				if h == nil {
					atomic.AddInt64(&contended, 1)
					return nil
				}
				atomic.AddInt64(&winners, 1)
				winner.Store(h)
				atomic.AddInt64(&acquired, 1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.Fatalf("Round %d failed: %v", r, err)
		}
		// Each round has its own key, so a lock left behind here expires on its own.
		if winners != 1 {
			violations++
			continue
		}
		if ok, err := stack.Locks.Release(ctx, winner.Load()); err != nil || !ok {
			log.Fatalf("Round %d: release failed: ok %v err %v", r, ok, err)
		}
	}

	elapsed := time.Since(start)
	attempts := acquired + contended
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f acquire/s", float64(attempts)/elapsed.Seconds())
	log.Printf("Acquired: %d, contended: %d", acquired, contended)
	if violations > 0 {
		log.Fatalf("Mutual exclusion violated in %d rounds", violations)
	}
}
