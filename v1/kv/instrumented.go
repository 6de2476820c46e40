package kv

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-sentinel/v1/kv")

// InstrumentedStore decorates a Store with Prometheus metrics and
// OpenTelemetry spans. Both are disabled until enabled through options.
type InstrumentedStore struct {
	inner Store

	opsCounter   *prometheus.CounterVec
	latencyHist  *prometheus.HistogramVec
	traceEnabled bool
	tracer       trace.Tracer
}

// InstrumentOption configures an InstrumentedStore.
type InstrumentOption func(*InstrumentedStore)

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) InstrumentOption {
	return func(s *InstrumentedStore) {
		s.opsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_kv_operations_total",
			Help: "Total number of key-value operations by result",
		}, []string{"op", "result"})
		s.latencyHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_kv_latency_seconds",
			Help:    "Latency of key-value operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"})
		reg.MustRegister(s.opsCounter, s.latencyHist)
	}
}

// WithTracing enables OpenTelemetry tracing for store operations.
func WithTracing() InstrumentOption {
	return func(s *InstrumentedStore) {
		s.traceEnabled = true
	}
}

// WithTracerProvider enables tracing with spans taken from tp instead of the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) InstrumentOption {
	return func(s *InstrumentedStore) {
		s.traceEnabled = true
		s.tracer = tp.Tracer("github.com/mirkobrombin/go-sentinel/v1/kv")
	}
}

// Instrument wraps inner.
func Instrument(inner Store, opts ...InstrumentOption) *InstrumentedStore {
	s := &InstrumentedStore{inner: inner, tracer: tracer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// observe starts a span for op and returns the function that records the outcome.
func (s *InstrumentedStore) observe(ctx context.Context, op, key string) (context.Context, func(err error, attrs ...attribute.KeyValue)) {
	var span trace.Span
	if s.traceEnabled {
		ctx, span = s.tracer.Start(ctx, "Store."+op, trace.WithAttributes(attribute.String("sentinel.kv.key", key)))
	}
	start := time.Now()
	return ctx, func(err error, attrs ...attribute.KeyValue) {
		latency := time.Since(start)
		result := "ok"
		switch {
		case errors.Is(err, sentinelerrors.ErrBackendUnavailable):
			result = "unavailable"
		case err != nil:
			result = "error"
		}
		if s.opsCounter != nil {
			s.opsCounter.WithLabelValues(op, result).Inc()
			s.latencyHist.WithLabelValues(op).Observe(latency.Seconds())
		}
		if span != nil {
			span.SetAttributes(attrs...)
			span.SetAttributes(attribute.Int64("sentinel.kv.latency_ms", latency.Milliseconds()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}
}

// Get implements Store.Get.
func (s *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, done := s.observe(ctx, "get", key)
	v, ok, err := s.inner.Get(ctx, key)
	done(err, attribute.Bool("sentinel.kv.hit", ok))
	return v, ok, err
}

// Set implements Store.Set.
func (s *InstrumentedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, done := s.observe(ctx, "set", key)
	err := s.inner.Set(ctx, key, value, ttl)
	done(err)
	return err
}

// SetNX implements Store.SetNX.
func (s *InstrumentedStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, done := s.observe(ctx, "setnx", key)
	ok, err := s.inner.SetNX(ctx, key, value, ttl)
	done(err, attribute.Bool("sentinel.kv.applied", ok))
	return ok, err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InstrumentedStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	ctx, done := s.observe(ctx, "compare_and_delete", key)
	ok, err := s.inner.CompareAndDelete(ctx, key, expected)
	done(err, attribute.Bool("sentinel.kv.applied", ok))
	return ok, err
}

// CompareAndExpire implements Store.CompareAndExpire.
func (s *InstrumentedStore) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	ctx, done := s.observe(ctx, "compare_and_expire", key)
	ok, err := s.inner.CompareAndExpire(ctx, key, expected, ttl)
	done(err, attribute.Bool("sentinel.kv.applied", ok))
	return ok, err
}

// Incr implements Store.Incr.
func (s *InstrumentedStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, done := s.observe(ctx, "incr", key)
	n, err := s.inner.Incr(ctx, key, delta)
	done(err, attribute.Int64("sentinel.kv.value", n))
	return n, err
}

// IncrWindow implements Store.IncrWindow.
func (s *InstrumentedStore) IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, done := s.observe(ctx, "incr_window", key)
	n, err := s.inner.IncrWindow(ctx, key, delta, ttl)
	done(err, attribute.Int64("sentinel.kv.value", n))
	return n, err
}

// Expire implements Store.Expire.
func (s *InstrumentedStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, done := s.observe(ctx, "expire", key)
	ok, err := s.inner.Expire(ctx, key, ttl)
	done(err, attribute.Bool("sentinel.kv.applied", ok))
	return ok, err
}

// TTL implements Store.TTL.
func (s *InstrumentedStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, done := s.observe(ctx, "ttl", key)
	d, ok, err := s.inner.TTL(ctx, key)
	done(err, attribute.Bool("sentinel.kv.hit", ok))
	return d, ok, err
}

// Del implements Store.Del.
func (s *InstrumentedStore) Del(ctx context.Context, key string) error {
	ctx, done := s.observe(ctx, "del", key)
	err := s.inner.Del(ctx, key)
	done(err)
	return err
}
