package orchestrate

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ResilienceConfig is the environment-sourced tuning for retries, backoff,
// and circuit breaking. Values are validated strictly: out-of-range or
// inconsistent settings are rejected at load time rather than silently
// adjusted, so a bad deployment fails before it processes work.
type ResilienceConfig struct {
	RetryMaxAttempts int
	RetryTimeout     time.Duration
	BackoffPolicy    BackoffPolicy
	BackoffBaseDelay time.Duration
	BackoffMaxDelay  time.Duration
	BreakerFailures  int
	BreakerRecovery  time.Duration
	BreakerSuccesses int
	BreakerCallLimit time.Duration
}

// LoadResilienceConfig reads the SAGA_* environment variables. All are
// required except SAGA_RETRY_TIMEOUT and SAGA_BREAKER_CALL_TIMEOUT, which
// default to zero (no deadline).
func LoadResilienceConfig() (ResilienceConfig, error) {
	cfg := ResilienceConfig{}
	var err error

	if cfg.RetryMaxAttempts, err = parseRequiredInt("SAGA_RETRY_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	}
	if cfg.RetryTimeout, err = parseOptionalDuration("SAGA_RETRY_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.BackoffPolicy, err = parseRequiredPolicy("SAGA_BACKOFF_POLICY"); err != nil {
		return cfg, err
	}
	if cfg.BackoffBaseDelay, err = parseRequiredDuration("SAGA_BACKOFF_BASE_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.BackoffMaxDelay, err = parseRequiredDuration("SAGA_BACKOFF_MAX_DELAY"); err != nil {
		return cfg, err
	}
	if cfg.BreakerFailures, err = parseRequiredInt("SAGA_BREAKER_FAILURE_THRESHOLD"); err != nil {
		return cfg, err
	}
	if cfg.BreakerRecovery, err = parseRequiredDuration("SAGA_BREAKER_RECOVERY_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.BreakerSuccesses, err = parseRequiredInt("SAGA_BREAKER_SUCCESS_THRESHOLD"); err != nil {
		return cfg, err
	}
	if cfg.BreakerCallLimit, err = parseOptionalDuration("SAGA_BREAKER_CALL_TIMEOUT"); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c ResilienceConfig) Validate() error {
	if c.BreakerFailures < 1 {
		return Validation(errors.New("SAGA_BREAKER_FAILURE_THRESHOLD must be >= 1"))
	}
	if c.BreakerSuccesses < 1 {
		return Validation(errors.New("SAGA_BREAKER_SUCCESS_THRESHOLD must be >= 1"))
	}
	if c.BackoffBaseDelay <= 0 {
		return Validation(errors.New("SAGA_BACKOFF_BASE_DELAY must be > 0"))
	}
	if c.BackoffMaxDelay < c.BackoffBaseDelay {
		return Validation(errors.New("SAGA_BACKOFF_MAX_DELAY must be >= SAGA_BACKOFF_BASE_DELAY"))
	}
	return nil
}

// Backoff converts the loaded settings into a Backoff.
func (c ResilienceConfig) Backoff() Backoff {
	return Backoff{
		Policy:    c.BackoffPolicy,
		BaseDelay: c.BackoffBaseDelay,
		MaxDelay:  c.BackoffMaxDelay,
		Jitter:    true,
	}
}

// BreakerConfig converts the loaded settings into a BreakerConfig.
func (c ResilienceConfig) BreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: c.BreakerFailures,
		RecoveryTimeout:  c.BreakerRecovery,
		SuccessThreshold: c.BreakerSuccesses,
		CallTimeout:      c.BreakerCallLimit,
	}
}

func parseRequiredPolicy(name string) (BackoffPolicy, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return BackoffFixed, fmt.Errorf("%s is required", name)
	}
	policy, err := ParseBackoffPolicy(raw)
	if err != nil {
		return BackoffFixed, fmt.Errorf("%s: %w", name, err)
	}
	return policy, nil
}

func parseRequiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	return parseDuration(name, raw)
}

func parseOptionalDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	return parseDuration(name, raw)
}

func parseDuration(name, raw string) (time.Duration, error) {
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseRequiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
