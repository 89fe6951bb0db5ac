package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 120*time.Second, cfg.Layers.StrategicTTL)
	assert.Equal(t, 300*time.Second, cfg.Layers.DesignTTL)
	assert.Equal(t, 600*time.Second, cfg.Layers.ImplementationTTL)
	assert.Equal(t, BackendHybrid, cfg.Backend.Mode)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Backend.RetryJitterMax)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.CooldownMs)
	assert.Equal(t, 0.9, cfg.Cache.HighWatermark)
	assert.Equal(t, 7, cfg.Memory.ShortTermMaxAgeDays)
	assert.Equal(t, 1024, cfg.Memory.ConsolidationThreshold)
	assert.Equal(t, 0.1, cfg.Learning.Rate)
	assert.Equal(t, 3, cfg.Learning.MaxIterationsPerSession)
	assert.Equal(t, 0.7, cfg.Learning.EscalationMagnitude)
}

func TestConfig_EnvOverridesDefaults(t *testing.T) {
	os.Setenv("COGCORE_BACKEND_MODE", "mock")
	os.Setenv("COGCORE_BREAKER_FAILURE_THRESHOLD", "5")
	defer os.Unsetenv("COGCORE_BACKEND_MODE")
	defer os.Unsetenv("COGCORE_BREAKER_FAILURE_THRESHOLD")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendMode("mock"), cfg.Backend.Mode)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestConfig_OptionsOverrideEnv(t *testing.T) {
	os.Setenv("COGCORE_BACKEND_MODE", "mock")
	defer os.Unsetenv("COGCORE_BACKEND_MODE")

	cfg, err := NewConfig(WithBackendMode(BackendLive))
	require.NoError(t, err)
	assert.Equal(t, BackendLive, cfg.Backend.Mode)
}

func TestConfig_ValidateRejectsUnknownMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.Mode = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRequiresRedisURLForRedisBackends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Backend = "redis"
	assert.Error(t, cfg.Validate())

	cfg.Cache.RedisURL = "redis://localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestWithBudget_RejectsNegative(t *testing.T) {
	_, err := NewConfig(WithBudget(-1, 0))
	assert.Error(t, err)
}
