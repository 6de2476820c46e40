// Package errors defines the error taxonomy shared by the sentinel packages.
//
// Callers match categories with errors.Is against the sentinel values and
// extract details (retry hints, failing field) with errors.As against the
// typed errors.
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrBackendUnavailable wraps every infrastructure failure of the
	// key-value backend. Operations fail closed when they see it.
	ErrBackendUnavailable = errors.New("sentinel: backend unavailable")
	// ErrCircuitOpen is returned while a breaker refuses calls to the backend.
	ErrCircuitOpen = errors.New("sentinel: circuit breaker is open")
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("sentinel: invalid input")
	// ErrRateLimited marks a send rejected by the frequency gate.
	ErrRateLimited = errors.New("sentinel: rate limited")
	// ErrRetryLimitExceeded marks a verification rejected by the retry ledger.
	ErrRetryLimitExceeded = errors.New("sentinel: retry limit exceeded")
	// ErrInternal marks a local failure that is neither input nor backend related.
	ErrInternal = errors.New("sentinel: internal error")
)

// ValidationError reports which input was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sentinel: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RateLimitedError is returned when a resource was issued too recently.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("sentinel: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// RetryLimitExceededError is returned once the retry ledger reached its cap.
// RetryAfter is the remaining lifetime of the ledger window.
type RetryLimitExceededError struct {
	RetryAfter time.Duration
}

func (e *RetryLimitExceededError) Error() string {
	return fmt.Sprintf("sentinel: retry limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RetryLimitExceededError) Is(target error) bool { return target == ErrRetryLimitExceeded }

// BackendError carries the failing operation and the backend cause. It
// matches ErrBackendUnavailable and unwraps to the cause, so timeouts still
// satisfy errors.Is(err, ErrTimeout).
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return "sentinel: backend unavailable during " + e.Op
	}
	return fmt.Sprintf("sentinel: backend unavailable during %s: %v", e.Op, e.Err)
}

func (e *BackendError) Is(target error) bool { return target == ErrBackendUnavailable }

func (e *BackendError) Unwrap() error { return e.Err }

// Backend wraps err as a BackendError for op. A nil err stays nil and an
// error that already is a BackendError is returned unchanged.
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

// RetryAfter extracts the retry hint from a policy rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var rx *RetryLimitExceededError
	if errors.As(err, &rx) {
		return rx.RetryAfter, true
	}
	return 0, false
}
