package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeResponse(status int, body string) *Response {
	req, _ := http.NewRequest(http.MethodGet, "http://api.local/x", nil)
	req.Header.Set(headerRequestID, "req-1")

	return newResponse(&http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
		Request:    req,
	})
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusOK, nil},
		{http.StatusNoContent, nil},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusBadGateway, ErrServerError},
		{http.StatusFound, ErrUnexpected},
		{http.StatusTeapot, ErrUnexpected},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyStatus(tt.code), "status %d", tt.code)
	}
}

func TestAsError(t *testing.T) {
	assert.NoError(t, AsError(fakeResponse(http.StatusOK, `{}`)))

	err := AsError(fakeResponse(http.StatusBadRequest, `{"message":"bad field"}`))
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad field", apiErr.Message)
	assert.Equal(t, "req-1", apiErr.RequestID)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, "api: HTTP 400 (request-id: req-1): bad field", err.Error())

	err = AsError(fakeResponse(http.StatusServiceUnavailable, "down for maintenance"))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "down for maintenance", apiErr.Message)

	err = AsError(fakeResponse(http.StatusNotFound, ""))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Not Found", apiErr.Message)
}

func TestAsError_BodyStillReadable(t *testing.T) {
	resp := fakeResponse(http.StatusConflict, `{"error":"taken"}`)

	require.Error(t, AsError(resp))

	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, `{"error":"taken"}`, text)
}

func TestResponse_ConcurrentReads(t *testing.T) {
	resp := fakeResponse(http.StatusOK, `{"a":1}`)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			var v map[string]int
			if assert.NoError(t, resp.JSON(&v)) {
				assert.Equal(t, 1, v["a"])
			}
		}()
	}

	wg.Wait()

	require.NoError(t, resp.Close())
	require.NoError(t, resp.Close())
	assert.True(t, resp.OK())
}

func TestResponse_InvalidJSON(t *testing.T) {
	resp := fakeResponse(http.StatusOK, `<html>`)

	var v map[string]any
	err := resp.JSON(&v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding response body")
}
