package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.LBFGS.Memory)
	assert.Equal(t, "diagonal", cfg.LBFGS.Scaling)
	assert.Equal(t, 1e-6, cfg.LBFGS.ValueTolerance)
	assert.Equal(t, 1e-8, cfg.LBFGS.GradientTolerance)
	assert.Equal(t, 0, cfg.LBFGS.MaxIterations)
	assert.False(t, cfg.LBFGS.Tracing)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LBFGS_MEMORY", "17")
	t.Setenv("LBFGS_SCALING", "scalar")
	t.Setenv("LBFGS_TERMINATE_VALUE_TOLERANCE", "1e-10")
	t.Setenv("LBFGS_TERMINATE_GRADIENT_TOLERANCE", "1e-12")
	t.Setenv("LBFGS_MAX_NUMBER_OF_ITERATIONS", "250")
	t.Setenv("SHOW_RUNNING_TRACING", "true")
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 17, cfg.LBFGS.Memory)
	assert.Equal(t, "scalar", cfg.LBFGS.Scaling)
	assert.Equal(t, 1e-10, cfg.LBFGS.ValueTolerance)
	assert.Equal(t, 1e-12, cfg.LBFGS.GradientTolerance)
	assert.Equal(t, 250, cfg.LBFGS.MaxIterations)
	assert.True(t, cfg.LBFGS.Tracing)
	assert.Equal(t, 9090, cfg.HTTP.Port)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("NUMIN_TEST_STR", "value")
	t.Setenv("NUMIN_TEST_INT", "42")
	t.Setenv("NUMIN_TEST_BOOL", "true")

	assert.Equal(t, "value", GetEnv("NUMIN_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetEnv("NUMIN_TEST_MISSING", "fallback"))
	assert.Equal(t, 42, GetEnvAsInt("NUMIN_TEST_INT", 7))
	assert.Equal(t, 7, GetEnvAsInt("NUMIN_TEST_MISSING", 7))
	assert.True(t, GetEnvAsBool("NUMIN_TEST_BOOL", false))
	assert.False(t, GetEnvAsBool("NUMIN_TEST_MISSING", false))
}
