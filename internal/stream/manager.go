// Package stream maintains server-push subscriptions. A Manager owns at most
// one live connection at a time and replaces it whenever its URL changes;
// transports are pluggable through Dialer (SSE and WebSocket are provided).
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tonimelisma/opsdash/internal/metrics"
)

// ErrStreamEnded is reported to the error handler when the server ends a
// stream cleanly.
var ErrStreamEnded = errors.New("stream: ended by server")

// Conn is one open push connection.
type Conn interface {
	// Next blocks until the next message payload arrives. It returns io.EOF
	// when the server ends the stream.
	Next(ctx context.Context) (string, error)
	// Close releases the connection without waiting for the peer.
	Close() error
}

// Dialer opens connections. Dial must return promptly once ctx is canceled.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Handler receives every event of a subscription along with the URL the
// subscription was opened for.
type Handler func(url string, ev Event)

// ErrorHandler is told when a subscription ends for any reason other than
// SetURL or Close.
type ErrorHandler func(url string, err error)

// Options configures a Manager. All fields are optional.
type Options struct {
	OnError ErrorHandler
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Manager binds a single subscription to a URL. Handlers run on the
// subscription goroutine and may call SetURL or Close; they must not call
// Wait.
type Manager struct {
	dialer  Dialer
	handler Handler
	onError ErrorHandler
	metrics *metrics.Collector
	logger  *slog.Logger

	mu     sync.Mutex
	cur    *session
	closed bool
	wg     sync.WaitGroup

	stats managerCounters
}

type managerCounters struct {
	dials    atomic.Int64
	messages atomic.Int64
	errors   atomic.Int64
}

// Stats is a snapshot of manager counters.
type Stats struct {
	Dials    int64
	Messages int64
	Errors   int64
}

// session is one subscription attempt. Sessions run strictly one after
// another: each waits for its predecessor's goroutine to exit before
// dialing.
type session struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    Conn
	stopped bool
	ended   bool
}

// NewManager creates an idle Manager delivering events to handler.
func NewManager(dialer Dialer, handler Handler, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		dialer:  dialer,
		handler: handler,
		onError: opts.OnError,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// SetURL points the subscription at url. A new URL closes the live
// connection before returning and opens the new one in the background. An
// empty URL closes without reopening. The same URL is a no-op while that
// subscription is still running, and reopens it after it ended. Calls after
// Close are ignored.
func (m *Manager) SetURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	prev := m.cur
	if prev != nil && url != "" && prev.url == url && prev.running() {
		return
	}

	if prev != nil {
		m.stop(prev)
	}

	if url == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		url:    url,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.cur = s

	m.wg.Add(1)

	go m.run(s, prev)
}

// Close closes the live connection before returning and disables the
// Manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true

	if m.cur != nil {
		m.stop(m.cur)
	}
}

// Wait blocks until every subscription goroutine has exited. Call it after
// Close, never from a handler.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// URL returns the URL of the current subscription, or "" when there is
// none or it has ended.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || !m.cur.running() {
		return ""
	}

	return m.cur.url
}

// Live reports whether a connection is currently open.
func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return false
	}

	m.cur.mu.Lock()
	defer m.cur.mu.Unlock()

	return m.cur.conn != nil
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Dials:    m.stats.dials.Load(),
		Messages: m.stats.messages.Load(),
		Errors:   m.stats.errors.Load(),
	}
}

// stop ends s and closes its connection synchronously. Never blocks on the
// session goroutine. Caller holds m.mu.
func (m *Manager) stop(s *session) {
	s.mu.Lock()
	s.stopped = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()

	if conn != nil {
		m.closeConn(s.url, conn)
	}
}

func (m *Manager) run(s *session, prev *session) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.cancel()

	if prev != nil {
		<-prev.done
	}

	if s.ctx.Err() != nil {
		s.finish()
		return
	}

	conn, err := m.dialer.Dial(s.ctx, s.url)
	if err != nil {
		if stopped := s.finish(); !stopped {
			m.report(s, err)
		}

		return
	}

	if !s.attach(conn) {
		_ = conn.Close()
		s.finish()

		return
	}

	m.stats.dials.Add(1)
	m.metrics.StreamOpened()
	m.logger.Debug("stream connected", slog.String("url", redact(s.url)))

	for {
		data, err := conn.Next(s.ctx)
		if err != nil {
			if detached := s.detach(); detached != nil {
				m.closeConn(s.url, detached)
			}

			if stopped := s.finish(); !stopped {
				if errors.Is(err, io.EOF) {
					err = ErrStreamEnded
				}

				m.report(s, err)
			}

			return
		}

		ev := ParseEvent(data)

		m.stats.messages.Add(1)
		m.metrics.RecordEvent(ev.Type)

		if s.ctx.Err() != nil {
			continue
		}

		m.handler(s.url, ev)
	}
}

func (m *Manager) closeConn(url string, conn Conn) {
	if err := conn.Close(); err != nil {
		m.logger.Debug("closing stream connection",
			slog.String("url", redact(url)),
			slog.String("error", err.Error()),
		)
	}

	m.metrics.StreamClosed()
	m.logger.Debug("stream disconnected", slog.String("url", redact(url)))
}

func (m *Manager) report(s *session, err error) {
	m.stats.errors.Add(1)
	m.metrics.RecordStreamError()

	m.logger.Warn("stream subscription ended",
		slog.String("url", redact(s.url)),
		slog.String("error", err.Error()),
	)

	if m.onError != nil {
		m.onError(s.url, err)
	}
}

// attach installs conn unless s was stopped while dialing.
func (s *session) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	s.conn = conn

	return true
}

// detach takes the connection back if stop has not already closed it.
func (s *session) detach() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	s.conn = nil

	return conn
}

// finish marks s as ended and reports whether it had been stopped.
func (s *session) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ended = true

	return s.stopped
}

func (s *session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.stopped && !s.ended
}
