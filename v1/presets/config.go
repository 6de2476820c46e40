package presets

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
	"github.com/mirkobrombin/go-sentinel/v1/verify"
)

// Config is the YAML configuration of a sentinel stack:
//
//	redis:
//	  addr: localhost:6379
//	  timeout: 2s
//	lock:
//	  prefix: lock
//	breaker:
//	  threshold: 5
//	  cooldown: 10s
//	verification:
//	  max_retries: 5
//	  min_send_interval: 1m
//	  policies:
//	    email-login: {length: 6, charset: digits, validity: 5m}
type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	Lock         LockConfig         `yaml:"lock"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Verification VerificationConfig `yaml:"verification"`
}

// RedisConfig configures the connection to Redis.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LockConfig configures the lock manager.
type LockConfig struct {
	Prefix string `yaml:"prefix"`
}

// BreakerConfig puts a circuit breaker in front of the store when Threshold
// is positive.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// VerificationConfig configures the verification code manager. Policies
// listed here replace the whole default table.
type VerificationConfig struct {
	Prefix              string                       `yaml:"prefix"`
	MaxRetries          int                          `yaml:"max_retries"`
	MinSendInterval     time.Duration                `yaml:"min_send_interval"`
	MaxGenerateAttempts int                          `yaml:"max_generate_attempts"`
	Policies            map[string]verify.PolicySpec `yaml:"policies"`
}

// DefaultConfig returns a configuration pointing at a local Redis.
func DefaultConfig() Config {
	def := verify.DefaultConfig()
	return Config{
		Redis: RedisConfig{Addr: "localhost:6379", Timeout: 5 * time.Second},
		Lock:  LockConfig{Prefix: "lock"},
		Verification: VerificationConfig{
			Prefix:              def.Prefix,
			MaxRetries:          def.MaxRetries,
			MinSendInterval:     def.MinSendInterval,
			MaxGenerateAttempts: def.MaxGenerateAttempts,
		},
	}
}

// ParseConfig decodes YAML over DefaultConfig. Unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, sentinelerrors.Invalid("config", err.Error())
	}
	if _, err := cfg.verifyConfig(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

func (c Config) verifyConfig() (verify.Config, error) {
	v := verify.Config{
		Prefix:              c.Verification.Prefix,
		MaxRetries:          c.Verification.MaxRetries,
		MinSendInterval:     c.Verification.MinSendInterval,
		MaxGenerateAttempts: c.Verification.MaxGenerateAttempts,
	}
	if len(c.Verification.Policies) > 0 {
		policies, err := verify.ParsePolicies(c.Verification.Policies)
		if err != nil {
			return verify.Config{}, err
		}
		v.Policies = policies
	}
	return v, nil
}
