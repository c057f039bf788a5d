package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Response is an *http.Response whose body is read at most once from the
// network. Bytes, Text and JSON may be called any number of times, from any
// goroutine, and always see the same content.
type Response struct {
	*http.Response

	once sync.Once
	body []byte
	err  error
}

func newResponse(resp *http.Response) *Response {
	return &Response{Response: resp}
}

// Bytes returns the full response body. The first call reads and closes the
// network body; later calls return the cached bytes and error.
func (r *Response) Bytes() ([]byte, error) {
	r.once.Do(func() {
		if r.Response.Body == nil {
			return
		}

		r.body, r.err = io.ReadAll(r.Response.Body)
		r.Response.Body.Close()

		if r.err != nil {
			r.err = fmt.Errorf("api: reading response body: %w", r.err)
		}

		// Anyone reading Body directly after this sees the cached copy.
		r.Response.Body = io.NopCloser(bytes.NewReader(r.body))
	})

	return r.body, r.err
}

// Text returns the body as a string.
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// JSON decodes the body into v. Repeated calls decode the same cached bytes.
func (r *Response) JSON(v any) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("api: decoding response body: %w", err)
	}

	return nil
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// Close releases the body. Safe to call after Bytes and more than once.
func (r *Response) Close() error {
	_, err := r.Bytes()
	return err
}
