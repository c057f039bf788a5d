package jobs

import (
	"log/slog"
	"sync"

	"github.com/tonimelisma/opsdash/internal/stream"
)

// Feed keeps the most recent events of a queue stream while listening.
type Feed struct {
	mgr     *stream.Manager
	urlFor  func() string
	logSize int
	logger  *slog.Logger

	mu        sync.Mutex
	events    []stream.Event
	listening bool
	url       string

	obsMu     sync.Mutex
	observers []func(stream.Event)
}

// NewFeed creates a stopped feed. urlFor builds the stream URL on each
// Listen, so a fresh credential is picked up.
func NewFeed(dialer stream.Dialer, urlFor func() string, opts Options) *Feed {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	size := opts.LogSize
	if size <= 0 {
		size = DefaultFeedLogSize
	}

	f := &Feed{
		urlFor:  urlFor,
		logSize: size,
		logger:  logger,
	}

	f.mgr = stream.NewManager(dialer, f.handle, stream.Options{
		OnError: opts.OnError,
		Metrics: opts.Metrics,
		Logger:  logger,
	})

	return f
}

// Listen opens the subscription. The log is kept.
func (f *Feed) Listen() {
	url := f.urlFor()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.listening = true
	f.url = url
	f.mgr.SetURL(url)
}

// Stop closes the subscription. The log is kept.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listening = false
	f.url = ""
	f.mgr.SetURL("")
}

// Listening reports whether Listen is in effect.
func (f *Feed) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.listening
}

// Clear empties the log.
func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = nil
}

// Events returns the log, most recent first.
func (f *Feed) Events() []stream.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]stream.Event(nil), f.events...)
}

// OnEvent registers fn to be called with each recorded event.
func (f *Feed) OnEvent(fn func(stream.Event)) {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()

	f.observers = append(f.observers, fn)
}

// Close closes the subscription for good.
func (f *Feed) Close() {
	f.mgr.Close()
}

// Wait blocks until the stream goroutines have exited. Call after Close.
func (f *Feed) Wait() {
	f.mgr.Wait()
}

func (f *Feed) handle(url string, ev stream.Event) {
	f.mu.Lock()
	if !f.listening || url != f.url {
		f.mu.Unlock()
		return
	}

	f.events = prepend(f.events, ev, f.logSize)
	f.mu.Unlock()

	f.obsMu.Lock()
	fns := append(([]func(stream.Event))(nil), f.observers...)
	f.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
