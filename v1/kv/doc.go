// Package kv defines the Store abstraction over a TTL-capable key-value
// backend together with its implementations: Redis (the shared, cross-process
// backend), an in-memory map and a ristretto-backed store for single-process
// deployments and tests.
//
// Store decorators add Prometheus metrics and OpenTelemetry spans (Instrument)
// and a fail-closed circuit breaker (NewBreaker). Expiry is always left to the
// backend; no implementation runs a background sweeper.
package kv
