package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxEventSize bounds a single line and the joined data of one event. A
// server sending more is treated as a broken stream.
const maxEventSize = 1 << 20

// ErrEventTooLarge is returned by Next when an event exceeds maxEventSize.
var ErrEventTooLarge = errors.New("stream: event exceeds size limit")

// SSEDialer opens text/event-stream subscriptions over HTTP GET.
type SSEDialer struct {
	// HTTPClient must not set an overall Timeout, or long-lived streams are
	// cut off. Nil means http.DefaultClient.
	HTTPClient *http.Client
	UserAgent  string
}

// Dial issues the GET and returns once the response headers arrive. Any
// non-2xx status is an error.
func (d *SSEDialer) Dial(ctx context.Context, url string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: creating request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	hc := d.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream: connecting to %s: %w", redact(url), err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	return newSSEConn(resp.Body), nil
}

// StatusError reports a stream endpoint refusing the subscription.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream: HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

type sseConn struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

func newSSEConn(body io.ReadCloser) *sseConn {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)

	return &sseConn{body: body, sc: sc}
}

// Next returns the data of the next dispatched event. Multi-line data is
// joined with "\n". Comments and the event, id and retry fields are
// skipped; an event without data lines is not dispatched.
func (c *sseConn) Next(ctx context.Context) (string, error) {
	var (
		data    strings.Builder
		hasData bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if !c.sc.Scan() {
			err := c.sc.Err()

			switch {
			case err == nil:
				// A trailing event without its blank line is discarded.
				return "", io.EOF
			case errors.Is(err, bufio.ErrTooLong):
				return "", ErrEventTooLarge
			default:
				return "", fmt.Errorf("stream: reading event stream: %w", err)
			}
		}

		line := c.sc.Text()

		if line == "" {
			if hasData {
				return data.String(), nil
			}

			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		if field != "data" {
			continue
		}

		if data.Len()+len(value)+1 > maxEventSize {
			return "", ErrEventTooLarge
		}

		if hasData {
			data.WriteByte('\n')
		}

		data.WriteString(value)
		hasData = true
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
