package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
)

// Environment variable names for overrides.
const (
	EnvConfig      = "OPSDASH_CONFIG"
	EnvAPIBaseURL  = "OPSDASH_API_BASE_URL"
	EnvStoragePath = "OPSDASH_STORAGE_PATH"
	EnvLogLevel    = "OPSDASH_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string `env:"OPSDASH_CONFIG"`
	APIBaseURL  string `env:"OPSDASH_API_BASE_URL"`
	StoragePath string `env:"OPSDASH_STORAGE_PATH"`
	LogLevel    string `env:"OPSDASH_LOG_LEVEL"`
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides(logger *slog.Logger) (EnvOverrides, error) {
	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return EnvOverrides{}, fmt.Errorf("config: reading environment: %w", err)
	}

	logger.Debug("environment overrides",
		slog.Bool("config_path", overrides.ConfigPath != ""),
		slog.String("api_base_url", overrides.APIBaseURL),
		slog.String("storage_path", overrides.StoragePath),
		slog.String("log_level", overrides.LogLevel),
	)

	return overrides, nil
}
