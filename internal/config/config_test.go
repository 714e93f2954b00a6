package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "api", cfg.Mode)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.Equal(t, 3, cfg.TaskRetryCeiling)
	assert.Equal(t, 3, cfg.ProxyFailureThreshold)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}
