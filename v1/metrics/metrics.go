package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquiredCounter tracks successful lock acquisitions.
	LockAcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_lock_acquired_total",
		Help: "Total number of successful lock acquisitions",
	})
	// LockContendedCounter tracks acquisitions refused because the lock was held.
	LockContendedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_lock_contended_total",
		Help: "Total number of lock acquisitions refused because the key was held",
	})
	// LockReleasedCounter tracks releases that removed the caller's lock.
	LockReleasedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_lock_released_total",
		Help: "Total number of successful lock releases",
	})
	// LockReleaseMismatchCounter tracks releases whose token no longer owned the key.
	LockReleaseMismatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_lock_release_mismatch_total",
		Help: "Total number of releases rejected because the lock was no longer owned",
	})
	// CodesIssuedCounter tracks generated verification codes per type.
	CodesIssuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_codes_issued_total",
		Help: "Total number of verification codes issued",
	}, []string{"type"})
	// CodesVerifiedCounter tracks successful verifications per type.
	CodesVerifiedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_codes_verified_total",
		Help: "Total number of verification codes consumed successfully",
	}, []string{"type"})
	// CodesRejectedCounter tracks refused operations per type and reason.
	CodesRejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_codes_rejected_total",
		Help: "Total number of rejected generate or verify calls by reason",
	}, []string{"type", "reason"})
)

// Rejection reasons used with CodesRejectedCounter.
const (
	ReasonRateLimited   = "rate_limited"
	ReasonLockedOut     = "locked_out"
	ReasonMismatch      = "mismatch"
	ReasonNotFound      = "not_found"
	ReasonUnavailable   = "unavailable"
	ReasonInvalid       = "invalid"
	ReasonGenerateLimit = "generate_exhausted"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the sentinel collectors on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquiredCounter,
		LockContendedCounter,
		LockReleasedCounter,
		LockReleaseMismatchCounter,
		CodesIssuedCounter,
		CodesVerifiedCounter,
		CodesRejectedCounter,
	)
}
