package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

// defaultReadLimit bounds a single WebSocket message.
const defaultReadLimit = 1 << 20

// WebSocketDialer opens subscriptions over WebSocket. Each text frame is one
// message; binary frames are skipped. http(s) URLs are accepted and
// upgraded.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	// ReadLimit caps a single message in bytes. Zero means 1 MiB.
	ReadLimit int64
}

// Dial performs the WebSocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &StatusError{StatusCode: resp.StatusCode}
		}

		return nil, fmt.Errorf("stream: websocket dial %s: %w", redact(url), err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	c.SetReadLimit(limit)

	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Next(ctx context.Context) (string, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return "", io.EOF
			}

			return "", fmt.Errorf("stream: websocket read: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		return string(data), nil
	}
}

// Close drops the connection without the closing handshake, so it never
// blocks on an unresponsive peer.
func (w *wsConn) Close() error {
	err := w.c.CloseNow()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// AutoDialer picks a transport by URL scheme: ws:// and wss:// use
// WebSocket, everything else SSE.
type AutoDialer struct {
	SSE       Dialer
	WebSocket Dialer
}

// Dial routes url to the matching transport.
func (a *AutoDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if isWebSocketURL(url) {
		return a.WebSocket.Dial(ctx, url)
	}

	return a.SSE.Dial(ctx, url)
}

func isWebSocketURL(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
}

// WebSocketURL rewrites an http(s) URL to the ws(s) scheme. Other URLs are
// returned unchanged.
func WebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
