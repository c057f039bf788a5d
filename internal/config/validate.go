package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Validation range constants.
const (
	minLookahead      = 1 * time.Second
	maxLookahead      = 1 * time.Hour
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 5 * time.Second
	maxLogSize        = 10_000
)

var (
	validTransports = []string{TransportAuto, TransportSSE, TransportWebSocket}
	validBackends   = []string{BackendFile, BackendSQLite, BackendMemory}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{LogFormatAuto, LogFormatText, LogFormatJSON}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateBaseURL(cfg.APIBaseURL)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateStream(&cfg.Stream)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)

	return errors.Join(errs...)
}

func validateBaseURL(raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("api_base_url: %w", err)}
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []error{fmt.Errorf("api_base_url: must be an absolute http(s) URL, got %q", raw)}
	}

	return nil
}

func validateAuth(a *AuthConfig) []error {
	var errs []error

	errs = append(errs, validatePath("auth.login_path", a.LoginPath)...)
	errs = append(errs, validatePath("auth.refresh_path", a.RefreshPath)...)
	errs = append(errs, validatePath("auth.logout_path", a.LogoutPath)...)
	errs = append(errs, validateDuration("auth.refresh_lookahead", a.RefreshLookahead, minLookahead, maxLookahead)...)

	return errs
}

func validateStream(s *StreamConfig) []error {
	var errs []error

	errs = append(errs, validateEnum("stream.transport", s.Transport, validTransports)...)
	errs = append(errs, validatePath("stream.job_stream_path", s.JobStreamPath)...)
	errs = append(errs, validatePath("stream.queue_events_path", s.QueueEventsPath)...)
	errs = append(errs, validateLogSize("stream.event_log_size", s.EventLogSize)...)
	errs = append(errs, validateLogSize("stream.feed_log_size", s.FeedLogSize)...)

	return errs
}

func validateStorage(s *StorageConfig) []error {
	return validateEnum("storage.backend", s.Backend, validBackends)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateEnum("logging.log_level", l.LogLevel, validLogLevels)...)
	errs = append(errs, validateEnum("logging.log_format", l.LogFormat, validLogFormats)...)

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("network.connect_timeout", n.ConnectTimeout, minConnectTimeout, 0)...)
	errs = append(errs, validateDuration("network.data_timeout", n.DataTimeout, minDataTimeout, 0)...)

	return errs
}

func validateMetrics(m *MetricsConfig) []error {
	if m.Listen == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return []error{fmt.Errorf("metrics.listen: must be host:port, got %q", m.Listen)}
	}

	return nil
}

func validatePath(name, p string) []error {
	if !strings.HasPrefix(p, "/") {
		return []error{fmt.Errorf("%s: must start with /, got %q", name, p)}
	}

	return nil
}

// validateDuration parses s and checks it against [lo, hi]. A zero hi means
// no upper bound.
func validateDuration(name, s string, lo, hi time.Duration) []error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q", name, s)}
	}

	if d < lo || (hi > 0 && d > hi) {
		if hi > 0 {
			return []error{fmt.Errorf("%s: must be between %s and %s, got %s", name, lo, hi, d)}
		}

		return []error{fmt.Errorf("%s: must be at least %s, got %s", name, lo, d)}
	}

	return nil
}

func validateEnum(name, v string, allowed []string) []error {
	if !slices.Contains(allowed, v) {
		return []error{fmt.Errorf("%s: must be one of %s, got %q", name, strings.Join(allowed, ", "), v)}
	}

	return nil
}

func validateLogSize(name string, n int) []error {
	if n < 1 || n > maxLogSize {
		return []error{fmt.Errorf("%s: must be between 1 and %d, got %d", name, maxLogSize, n)}
	}

	return nil
}
