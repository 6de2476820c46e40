package presets

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-sentinel/v1/counter"
	"github.com/mirkobrombin/go-sentinel/v1/events"
	"github.com/mirkobrombin/go-sentinel/v1/kv"
	"github.com/mirkobrombin/go-sentinel/v1/lock"
	"github.com/mirkobrombin/go-sentinel/v1/verify"
)

const defaultBreakerCooldown = 10 * time.Second

// Stack bundles the primitives built over one shared store.
type Stack struct {
	Store   kv.Store
	Bus     events.Bus
	Locks   *lock.Manager
	Codes   *verify.Manager
	Counter *counter.Counter

	closers []func() error
}

// Close releases the connections opened by the preset.
func (s *Stack) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type options struct {
	reg    prometheus.Registerer
	tp     trace.TracerProvider
	bus    events.Bus
	logger *slog.Logger
}

// Option customizes a preset.
type Option func(*options)

// WithMetrics records store metrics into reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithTracerProvider traces store operations with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// WithBus overrides the lock event bus, for example with a NATS bus.
func WithBus(bus events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithLogger sets the logger of the managers.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewRedis builds a stack over Redis, using Redis pub/sub for lock events.
func NewRedis(cfg Config, opts ...Option) (*Stack, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	var storeOpts []kv.RedisOption
	if cfg.Redis.Timeout > 0 {
		storeOpts = append(storeOpts, kv.WithTimeout(cfg.Redis.Timeout))
	}
	bus := events.NewRedisBus(events.RedisBusOptions{Client: client})
	s, err := build(cfg, kv.NewRedisStore(client, storeOpts...), bus, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.closers = append(s.closers, client.Close)
	return s, nil
}

// NewInMemory builds a process-local stack with no external dependencies.
func NewInMemory(cfg Config, opts ...Option) (*Stack, error) {
	return build(cfg, kv.NewMemoryStore(), events.NewInMemoryBus(), opts)
}

// NewRistretto builds a process-local stack over a ristretto cache.
func NewRistretto(cfg Config, opts ...Option) (*Stack, error) {
	store, err := kv.NewRistrettoStore()
	if err != nil {
		return nil, err
	}
	s, err := build(cfg, store, events.NewInMemoryBus(), opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	s.closers = append(s.closers, func() error {
		store.Close()
		return nil
	})
	return s, nil
}

func build(cfg Config, store kv.Store, bus events.Bus, opts []Option) (*Stack, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus != nil {
		bus = o.bus
	}
	var inst []kv.InstrumentOption
	if o.reg != nil {
		inst = append(inst, kv.WithMetrics(o.reg))
	}
	if o.tp != nil {
		inst = append(inst, kv.WithTracerProvider(o.tp))
	}
	if len(inst) > 0 {
		store = kv.Instrument(store, inst...)
	}
	if cfg.Breaker.Threshold > 0 {
		cooldown := cfg.Breaker.Cooldown
		if cooldown <= 0 {
			cooldown = defaultBreakerCooldown
		}
		store = kv.NewBreaker(store, cfg.Breaker.Threshold, cooldown)
	}

	vcfg, err := cfg.verifyConfig()
	if err != nil {
		return nil, err
	}
	codes, err := verify.NewManager(store, vcfg, verify.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	lockOpts := []lock.Option{lock.WithBus(bus), lock.WithLogger(o.logger)}
	if cfg.Lock.Prefix != "" {
		lockOpts = append(lockOpts, lock.WithPrefix(cfg.Lock.Prefix))
	}
	return &Stack{
		Store:   store,
		Bus:     bus,
		Locks:   lock.NewManager(store, lockOpts...),
		Codes:   codes,
		Counter: counter.New(store),
	}, nil
}
