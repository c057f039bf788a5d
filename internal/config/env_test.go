package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvAPIBaseURL, "https://api.example.com")
	t.Setenv(EnvStoragePath, "/custom/creds.json")
	t.Setenv(EnvLogLevel, "debug")

	overrides, err := ReadEnvOverrides(testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "https://api.example.com", overrides.APIBaseURL)
	assert.Equal(t, "/custom/creds.json", overrides.StoragePath)
	assert.Equal(t, "debug", overrides.LogLevel)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvAPIBaseURL, "")
	t.Setenv(EnvStoragePath, "")
	t.Setenv(EnvLogLevel, "")

	overrides, err := ReadEnvOverrides(testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, EnvOverrides{}, overrides)
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "OPSDASH_CONFIG", EnvConfig)
	assert.Equal(t, "OPSDASH_API_BASE_URL", EnvAPIBaseURL)
	assert.Equal(t, "OPSDASH_STORAGE_PATH", EnvStoragePath)
	assert.Equal(t, "OPSDASH_LOG_LEVEL", EnvLogLevel)
}
