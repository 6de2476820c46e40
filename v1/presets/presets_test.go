package presets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
	"github.com/mirkobrombin/go-sentinel/v1/kv"
	"github.com/mirkobrombin/go-sentinel/v1/verify"
)

const sampleConfig = `
redis:
  addr: %s
  timeout: 2s
lock:
  prefix: jobs
breaker:
  threshold: 3
verification:
  prefix: otp
  max_retries: 3
  min_send_interval: 30s
  policies:
    email-login:
      length: 8
      charset: digits
      validity: 3m
`

func writeConfig(t *testing.T, addr string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	data := []byte(fmt.Sprintf(sampleConfig, addr))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "127.0.0.1:6380"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "127.0.0.1:6380" || cfg.Redis.Timeout != 2*time.Second {
		t.Fatalf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Verification.MaxRetries != 3 || cfg.Verification.MinSendInterval != 30*time.Second {
		t.Fatalf("unexpected verification config %+v", cfg.Verification)
	}
	if cfg.Verification.MaxGenerateAttempts != 10 {
		t.Fatalf("unset fields should keep defaults, got %d", cfg.Verification.MaxGenerateAttempts)
	}
}

func TestParseConfigRejectsBadInput(t *testing.T) {
	for name, src := range map[string]string{
		"unknown field": "redis:\n  host: x\n",
		"bad policy":    "verification:\n  policies:\n    captcha: {length: 0, charset: alnum, validity: 1m}\n",
	} {
		if _, err := ParseConfig([]byte(src)); !errors.Is(err, sentinelerrors.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNewRedisStack(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg, err := LoadConfig(writeConfig(t, mr.Addr()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	reg := prometheus.NewRegistry()
	s, err := NewRedis(cfg, WithMetrics(reg))
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer s.Close()
	if _, ok := s.Store.(*kv.Breaker); !ok {
		t.Fatalf("expected breaker on top of the store, got %T", s.Store)
	}
	ctx := context.Background()

	h, err := s.Locks.Acquire(ctx, "nightly", time.Minute)
	if err != nil || h == nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("jobs:nightly") {
		t.Fatal("expected lock under the configured prefix")
	}

	code, err := s.Codes.Generate(ctx, "a@b.com", verify.EmailLogin)
	if err != nil || len(code) != 8 {
		t.Fatalf("generate: code %q err %v", code, err)
	}
	if ttl := mr.TTL("otp:code:email-login:a@b.com"); ttl != 3*time.Minute {
		t.Fatalf("expected configured validity, got %v", ttl)
	}
	if _, err := s.Codes.Generate(ctx, "a@b.com", verify.PasswordReset); !errors.Is(err, sentinelerrors.ErrValidation) {
		t.Fatalf("configured policies replace the defaults, got %v", err)
	}
	if n, err := testutil.GatherAndCount(reg, "sentinel_kv_operations_total"); err != nil || n == 0 {
		t.Fatalf("expected store metrics, count %d err %v", n, err)
	}
}

func TestNewInMemoryStack(t *testing.T) {
	s, err := NewInMemory(DefaultConfig())
	if err != nil {
		t.Fatalf("new in memory: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	released, err := s.Locks.Released(ctx, "k")
	if err != nil {
		t.Fatalf("released: %v", err)
	}
	ok, err := s.Locks.Do(ctx, "k", time.Second, func(context.Context) error { return nil })
	if err != nil || !ok {
		t.Fatalf("do: ok %v err %v", ok, err)
	}
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("expected unlock event on the in-memory bus")
	}

	code, err := s.Codes.Generate(ctx, "session", verify.Captcha)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if ok, err := s.Codes.Verify(ctx, "session", code, verify.Captcha); err != nil || !ok {
		t.Fatalf("verify: ok %v err %v", ok, err)
	}
	if n, err := s.Counter.Increment(ctx, "hits", time.Minute); err != nil || n != 1 {
		t.Fatalf("counter: %d %v", n, err)
	}
}

func TestNewRistrettoStack(t *testing.T) {
	s, err := NewRistretto(DefaultConfig())
	if err != nil {
		t.Fatalf("new ristretto: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	code, err := s.Codes.Generate(ctx, "user-1", verify.TwoFactor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if ok, err := s.Codes.Verify(ctx, "user-1", code, verify.TwoFactor); err != nil || !ok {
		t.Fatalf("verify: ok %v err %v", ok, err)
	}
}
