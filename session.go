package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/opsdash/internal/api"
	"github.com/tonimelisma/opsdash/internal/config"
	"github.com/tonimelisma/opsdash/internal/credstore"
	"github.com/tonimelisma/opsdash/internal/kvstore"
	"github.com/tonimelisma/opsdash/internal/metrics"
	"github.com/tonimelisma/opsdash/internal/stream"
)

// errNotLoggedIn is returned by commands that need a stored credential.
var errNotLoggedIn = errors.New("not logged in, run 'opsdash login' first")

// metricsShutdownTimeout bounds the /metrics server drain on exit.
const metricsShutdownTimeout = 2 * time.Second

// Session wires storage, credentials, the API client and the stream
// transport for one command invocation.
type Session struct {
	cc          *CLIContext
	kv          kvstore.Store
	Store       *credstore.Store
	Client      *api.Client
	Dialer      stream.Dialer
	Metrics     *metrics.Collector
	storagePath string
	metricsSrv  *http.Server
}

// openSession builds a Session from the resolved configuration. The caller
// must Close it.
func openSession(ctx context.Context, cc *CLIContext) (*Session, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	path := cfg.Storage.ResolvedPath()
	if cfg.Storage.Backend != config.BackendMemory && path == "" {
		return nil, errors.New("cannot determine credential storage location, set storage.path")
	}

	kv, err := kvstore.Open(ctx, cfg.Storage.Backend, path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening credential storage: %w", err)
	}

	jar, err := api.NewCookieJar()
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	m := metrics.NewCollector()
	store := credstore.Open(ctx, kv, logger)

	connect := cfg.Network.Connect()
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: connect}).DialContext,
		TLSHandshakeTimeout: connect,
		ForceAttemptHTTP2:   true,
	}

	apiHTTP := &http.Client{Transport: transport, Jar: jar, Timeout: cfg.Network.Data()}
	// Streams stay open indefinitely, so only the connect phase is bounded.
	streamHTTP := &http.Client{Transport: transport, Jar: jar}

	refresher := api.NewRefresher(
		strings.TrimRight(cfg.APIBaseURL, "/")+cfg.Auth.RefreshPath,
		apiHTTP, store, m, logger,
	)

	client := api.NewClient(store, refresher, api.Options{
		BaseURL:          cfg.APIBaseURL,
		HTTPClient:       apiHTTP,
		RefreshLookahead: cfg.Auth.Lookahead(),
		UserAgent:        userAgent(cfg),
		LoginPath:        cfg.Auth.LoginPath,
		LogoutPath:       cfg.Auth.LogoutPath,
		Metrics:          m,
		Logger:           logger,
	})

	s := &Session{
		cc:          cc,
		kv:          kv,
		Store:       store,
		Client:      client,
		Dialer:      newDialer(cfg, streamHTTP),
		Metrics:     m,
		storagePath: path,
	}

	if cfg.Metrics.Listen != "" {
		s.serveMetrics(cfg.Metrics.Listen)
	}

	return s, nil
}

func userAgent(cfg *config.Config) string {
	if cfg.Network.UserAgent != "" {
		return cfg.Network.UserAgent
	}

	return "opsdash/" + version
}

// newDialer picks the stream transport. "auto" routes by URL scheme, which
// for http(s) URLs means SSE.
func newDialer(cfg *config.Config, hc *http.Client) stream.Dialer {
	sse := &stream.SSEDialer{HTTPClient: hc, UserAgent: userAgent(cfg)}
	ws := &stream.WebSocketDialer{
		HTTPClient: hc,
		Header:     http.Header{"User-Agent": {userAgent(cfg)}},
	}

	switch cfg.Stream.Transport {
	case config.TransportSSE:
		return sse
	case config.TransportWebSocket:
		return ws
	default:
		return &stream.AutoDialer{SSE: sse, WebSocket: ws}
	}
}

// StreamURL returns the subscription URL for path, authenticated with the
// current token and rewritten for the configured transport.
func (s *Session) StreamURL(ctx context.Context, path string, params url.Values) string {
	u := s.Client.StreamURL(ctx, path, params)
	if s.cc.Cfg.Stream.Transport == config.TransportWebSocket {
		return stream.WebSocketURL(u)
	}

	return u
}

// JobStreamURL is StreamURL for one job's progress stream.
func (s *Session) JobStreamURL(ctx context.Context, jobID string) string {
	return s.StreamURL(ctx, s.cc.Cfg.Stream.JobStreamPath, url.Values{"jobId": {jobID}})
}

// RequireLogin fails fast when no credential is stored.
func (s *Session) RequireLogin() error {
	if s.Store.Get() == nil {
		return errNotLoggedIn
	}

	return nil
}

// UntilLogout returns a context canceled when the credential store reports
// Logout, either from this process or, via the storage file watcher, from
// another one. The returned stop function releases the subscription.
func (s *Session) UntilLogout(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)

	unsubscribe := s.Store.Subscribe(func(n credstore.Notification) {
		if n.Event == credstore.Logout {
			cancel(errNotLoggedIn)
		}
	})

	if s.storagePath != "" {
		if err := os.MkdirAll(filepath.Dir(s.storagePath), kvstore.DirPerms); err != nil {
			s.cc.Logger.Warn("cannot create storage directory, cross-process logout not observed",
				slog.String("error", err.Error()),
			)
		} else if err := credstore.WatchFile(ctx, s.Store, s.storagePath, s.cc.Logger); err != nil {
			s.cc.Logger.Warn("cross-process logout not observed",
				slog.String("error", err.Error()),
			)
		}
	}

	return ctx, func() {
		unsubscribe()
		cancel(context.Canceled)
	}
}

func (s *Session) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())

	s.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cc.Logger.Warn("metrics endpoint stopped", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()

	s.cc.Logger.Info("serving metrics", slog.String("addr", addr))
}

// Close releases storage and stops the metrics endpoint.
func (s *Session) Close() {
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.cc.Logger.Debug("metrics shutdown", slog.String("error", err.Error()))
		}
	}

	if err := s.kv.Close(); err != nil {
		s.cc.Logger.Warn("closing credential storage", slog.String("error", err.Error()))
	}
}
