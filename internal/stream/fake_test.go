package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errConnClosed = errors.New("fake: connection closed")

// fakeDialer hands out in-memory connections and tracks how many are open
// at once.
type fakeDialer struct {
	delay   time.Duration
	dialErr error

	open    atomic.Int32
	maxOpen atomic.Int32
	dials   atomic.Int32

	mu    sync.Mutex
	conns []*fakeConn
	urls  []string

	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if d.dialErr != nil {
		return nil, d.dialErr
	}

	d.dials.Add(1)

	n := d.open.Add(1)
	for {
		peak := d.maxOpen.Load()
		if n <= peak || d.maxOpen.CompareAndSwap(peak, n) {
			break
		}
	}

	c := &fakeConn{
		dialer: d,
		url:    url,
		msgs:   make(chan string, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.urls = append(d.urls, url)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}

	return c, nil
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.urls...)
}

type fakeConn struct {
	dialer *fakeDialer
	url    string
	msgs   chan string
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Next(ctx context.Context) (string, error) {
	select {
	case m, ok := <-c.msgs:
		if !ok {
			return "", io.EOF
		}

		return m, nil
	case err := <-c.fail:
		return "", err
	case <-c.closed:
		return "", errConnClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.dialer.open.Add(-1)
		close(c.closed)
	})

	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// recorder collects handler deliveries and error reports.
type recorder struct {
	mu     sync.Mutex
	events []Event
	urls   []string
	errs   []error

	got    chan Event
	failed chan error
}

func newRecorder() *recorder {
	return &recorder{got: make(chan Event, 64), failed: make(chan error, 8)}
}

func (r *recorder) handle(url string, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.urls = append(r.urls, url)
	r.mu.Unlock()

	r.got <- ev
}

func (r *recorder) onError(_ string, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()

	r.failed <- err
}
