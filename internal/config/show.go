package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. This powers "config show", giving visibility into the values in
// effect after all override layers have been applied.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)
	ew.printf("api_base_url = %q\n\n", cfg.APIBaseURL)

	ew.printf("[auth]\n")
	ew.printf("  login_path        = %q\n", cfg.Auth.LoginPath)
	ew.printf("  refresh_path      = %q\n", cfg.Auth.RefreshPath)
	ew.printf("  logout_path       = %q\n", cfg.Auth.LogoutPath)
	ew.printf("  refresh_lookahead = %q\n\n", cfg.Auth.RefreshLookahead)

	ew.printf("[stream]\n")
	ew.printf("  transport         = %q\n", cfg.Stream.Transport)
	ew.printf("  job_stream_path   = %q\n", cfg.Stream.JobStreamPath)
	ew.printf("  queue_events_path = %q\n", cfg.Stream.QueueEventsPath)
	ew.printf("  default_queue     = %q\n", cfg.Stream.DefaultQueue)
	ew.printf("  event_log_size    = %d\n", cfg.Stream.EventLogSize)
	ew.printf("  feed_log_size     = %d\n\n", cfg.Stream.FeedLogSize)

	ew.printf("[storage]\n")
	ew.printf("  backend = %q\n", cfg.Storage.Backend)
	ew.printf("  path    = %q\n\n", cfg.Storage.ResolvedPath())

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n\n", cfg.Logging.LogFormat)

	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", cfg.Network.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", cfg.Network.DataTimeout)

	if cfg.Network.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", cfg.Network.UserAgent)
	}

	if cfg.Metrics.Listen != "" {
		ew.printf("\n[metrics]\n")
		ew.printf("  listen = %q\n", cfg.Metrics.Listen)
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
