package orchestrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setResilienceEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SAGA_RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("SAGA_RETRY_TIMEOUT", "2s")
	t.Setenv("SAGA_BACKOFF_POLICY", "exponential")
	t.Setenv("SAGA_BACKOFF_BASE_DELAY", "100ms")
	t.Setenv("SAGA_BACKOFF_MAX_DELAY", "30s")
	t.Setenv("SAGA_BREAKER_FAILURE_THRESHOLD", "5")
	t.Setenv("SAGA_BREAKER_RECOVERY_TIMEOUT", "1m")
	t.Setenv("SAGA_BREAKER_SUCCESS_THRESHOLD", "2")
	t.Setenv("SAGA_BREAKER_CALL_TIMEOUT", "5s")
}

func TestLoadResilienceConfig(t *testing.T) {
	setResilienceEnv(t)

	cfg, err := LoadResilienceConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.RetryMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryTimeout)
	assert.Equal(t, BackoffExponential, cfg.BackoffPolicy)
	assert.Equal(t, 100*time.Millisecond, cfg.BackoffBaseDelay)
	assert.Equal(t, 5, cfg.BreakerFailures)
	assert.Equal(t, time.Minute, cfg.BreakerRecovery)

	backoff := cfg.Backoff()
	assert.Equal(t, BackoffExponential, backoff.Policy)
	assert.True(t, backoff.Jitter)

	breaker := cfg.BreakerConfig()
	assert.Equal(t, 5, breaker.FailureThreshold)
	assert.Equal(t, 5*time.Second, breaker.CallTimeout)
}

func TestLoadResilienceConfigOptionalTimeouts(t *testing.T) {
	setResilienceEnv(t)
	t.Setenv("SAGA_RETRY_TIMEOUT", "")
	t.Setenv("SAGA_BREAKER_CALL_TIMEOUT", "")

	cfg, err := LoadResilienceConfig()
	require.NoError(t, err)
	assert.Zero(t, cfg.RetryTimeout)
	assert.Zero(t, cfg.BreakerCallLimit)
}

func TestLoadResilienceConfigMissingRequired(t *testing.T) {
	setResilienceEnv(t)
	t.Setenv("SAGA_RETRY_MAX_ATTEMPTS", "")

	_, err := LoadResilienceConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAGA_RETRY_MAX_ATTEMPTS")
}

func TestLoadResilienceConfigRejectsBadPolicy(t *testing.T) {
	setResilienceEnv(t)
	t.Setenv("SAGA_BACKOFF_POLICY", "random-walk")

	_, err := LoadResilienceConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAGA_BACKOFF_POLICY")
}

func TestLoadResilienceConfigRejectsNegative(t *testing.T) {
	setResilienceEnv(t)
	t.Setenv("SAGA_RETRY_MAX_ATTEMPTS", "-1")

	_, err := LoadResilienceConfig()
	require.Error(t, err)
}

func TestResilienceConfigValidateRejectsInconsistency(t *testing.T) {
	setResilienceEnv(t)

	// A ceiling below the base is rejected outright, never silently swapped
	// or clamped.
	t.Setenv("SAGA_BACKOFF_MAX_DELAY", "10ms")
	_, err := LoadResilienceConfig()
	require.Error(t, err)
	assert.Equal(t, ValidationFailure, KindOf(err))

	t.Setenv("SAGA_BACKOFF_MAX_DELAY", "30s")
	t.Setenv("SAGA_BREAKER_FAILURE_THRESHOLD", "0")
	_, err = LoadResilienceConfig()
	require.Error(t, err)
	assert.Equal(t, ValidationFailure, KindOf(err))
}
