package jobs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tonimelisma/opsdash/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// pipeDialer gives tests the sending end of every connection it opens.
type pipeDialer struct {
	open   atomic.Int32
	dialed chan *pipeConn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{dialed: make(chan *pipeConn, 16)}
}

func (d *pipeDialer) Dial(_ context.Context, url string) (stream.Conn, error) {
	d.open.Add(1)

	c := &pipeConn{d: d, url: url, msgs: make(chan string, 256), closed: make(chan struct{})}
	d.dialed <- c

	return c, nil
}

func (d *pipeDialer) next(t *testing.T) *pipeConn {
	t.Helper()

	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type pipeConn struct {
	d      *pipeDialer
	url    string
	msgs   chan string
	closed chan struct{}
	once   sync.Once
}

func (c *pipeConn) Next(ctx context.Context) (string, error) {
	select {
	case m, ok := <-c.msgs:
		if !ok {
			return "", io.EOF
		}

		return m, nil
	case <-c.closed:
		return "", io.ErrClosedPipe
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() {
		c.d.open.Add(-1)
		close(c.closed)
	})

	return nil
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// states forwards OnChange snapshots to a channel.
func states(p *Projection) <-chan State {
	ch := make(chan State, 512)
	p.OnChange(func(s State) { ch <- s })

	return ch
}

// awaitState reads snapshots until one satisfies ok.
func awaitState(t *testing.T, ch <-chan State, ok func(State) bool) State {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		select {
		case s := <-ch:
			if ok(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for state")
			return State{}
		}
	}
}

func jobURL(id string) string {
	return "http://api.local/api/fetch/status/stream?jobId=" + id
}
