package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackendErrorMatchesSentinelAndCause(t *testing.T) {
	err := Backend("get", fmt.Errorf("dial: %w", ErrTimeout))
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if again := Backend("set", err); again != err {
		t.Fatal("expected backend error not to be wrapped twice")
	}
	if Backend("del", nil) != nil {
		t.Fatal("expected nil for nil cause")
	}
}

func TestPolicyErrorsCarryRetryAfter(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		want     time.Duration
	}{
		{&RateLimitedError{RetryAfter: 42 * time.Second}, ErrRateLimited, 42 * time.Second},
		{&RetryLimitExceededError{RetryAfter: time.Minute}, ErrRetryLimitExceeded, time.Minute},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("generate: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Fatalf("expected %v to match %v", wrapped, tc.sentinel)
		}
		got, ok := RetryAfter(wrapped)
		if !ok || got != tc.want {
			t.Fatalf("expected retry after %s, got %s ok %v", tc.want, got, ok)
		}
	}
	if _, ok := RetryAfter(context.Canceled); ok {
		t.Fatal("expected no retry hint for unrelated error")
	}
}

func TestValidationError(t *testing.T) {
	err := Invalid("identifier", "too short")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "identifier" {
		t.Fatalf("expected field identifier, got %+v", ve)
	}
}
