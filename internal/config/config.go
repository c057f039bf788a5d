// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for opsdash. Values follow a four-layer
// override chain: defaults -> config file -> environment -> CLI flags.
package config

import (
	"path/filepath"
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	APIBaseURL string        `toml:"api_base_url"`
	Auth       AuthConfig    `toml:"auth"`
	Stream     StreamConfig  `toml:"stream"`
	Storage    StorageConfig `toml:"storage"`
	Logging    LoggingConfig `toml:"logging"`
	Network    NetworkConfig `toml:"network"`
	Metrics    MetricsConfig `toml:"metrics"`
}

// AuthConfig locates the credential authority endpoints and controls
// proactive refresh.
type AuthConfig struct {
	LoginPath        string `toml:"login_path"`
	RefreshPath      string `toml:"refresh_path"`
	LogoutPath       string `toml:"logout_path"`
	RefreshLookahead string `toml:"refresh_lookahead"`
}

// StreamConfig controls live event subscriptions.
type StreamConfig struct {
	Transport       string `toml:"transport"`
	JobStreamPath   string `toml:"job_stream_path"`
	QueueEventsPath string `toml:"queue_events_path"`
	DefaultQueue    string `toml:"default_queue"`
	EventLogSize    int    `toml:"event_log_size"`
	FeedLogSize     int    `toml:"feed_log_size"`
}

// StorageConfig selects where credentials persist between runs. An empty
// path means the backend's default file in the data directory.
type StorageConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	BaseURL    *string // --base-url flag
}

// Lookahead returns the parsed refresh window. Validate guarantees it parses.
func (a AuthConfig) Lookahead() time.Duration {
	return mustDuration(a.RefreshLookahead)
}

// Connect returns the parsed connect timeout.
func (n NetworkConfig) Connect() time.Duration {
	return mustDuration(n.ConnectTimeout)
}

// Data returns the parsed response timeout for non-streaming requests.
func (n NetworkConfig) Data() time.Duration {
	return mustDuration(n.DataTimeout)
}

// ResolvedPath returns the storage location, defaulting to a file in the data
// directory named after the backend. The memory backend has no path.
func (s StorageConfig) ResolvedPath() string {
	if s.Backend == BackendMemory {
		return ""
	}

	if s.Path != "" {
		return expandTilde(s.Path)
	}

	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	if s.Backend == BackendSQLite {
		return filepath.Join(dir, sqliteFileName)
	}

	return filepath.Join(dir, credentialsFileName)
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
