package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/fetch/start", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nightly", body["source"])

		_, _ = w.Write([]byte(`{"jobId":"J1"}`))
	}))
	defer srv.Close()

	c, _, _ := newTestClient(t, srv.URL, newStore(t, "good", ""))

	id, err := c.StartJob(context.Background(), "/api/fetch/start", map[string]string{"source": "nightly"})
	require.NoError(t, err)
	assert.Equal(t, "J1", id)
}

func TestStartJob_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusInternalServerError, `{"message":"boom"}`, ErrServerError},
		{"conflict", http.StatusConflict, `already running`, ErrConflict},
		{"missing id", http.StatusOK, `{}`, ErrNoJobID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _, _ := newTestClient(t, srv.URL, newStore(t, "good", ""))

			_, err := c.StartJob(context.Background(), "/api/fetch/start", nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJobStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs/J%201/status", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"status":"running","progress":40}`))
	}))
	defer srv.Close()

	c, _, _ := newTestClient(t, srv.URL, newStore(t, "good", ""))

	status, err := c.JobStatus(context.Background(), "J 1")
	require.NoError(t, err)
	assert.Equal(t, "running", status["status"])
	assert.InDelta(t, 40, status["progress"], 0)
}

func TestJobStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _, _ := newTestClient(t, srv.URL, newStore(t, "good", ""))

	_, err := c.JobStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.RequestID)
}

func TestStreamURL(t *testing.T) {
	c, _, _ := newTestClient(t, "http://api.local", newStore(t, "tok-1", ""))

	got := c.JobStreamURL(context.Background(), "", "J1")

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, DefaultJobStreamPath, u.Path)
	assert.Equal(t, "J1", u.Query().Get("jobId"))
	assert.Equal(t, "tok-1", u.Query().Get("token"))
}

func TestStreamURL_LoggedOut(t *testing.T) {
	c, _, _ := newTestClient(t, "http://api.local", newStore(t, "", ""))

	assert.Equal(t, "http://api.local/api/queue/events",
		c.StreamURL(context.Background(), DefaultQueueEventsPath, nil))
	assert.Equal(t, "http://api.local/api/queue/events?queue=importQueue",
		c.StreamURL(context.Background(), DefaultQueueEventsPath, url.Values{"queue": {"importQueue"}}))
}

func TestStreamURL_RefreshesExpiringToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultRefreshPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"token":"renewed"}`))
	}))
	defer srv.Close()

	c, _, _ := newTestClient(t, srv.URL, newStore(t, jwtExpiring(t, "ops", 10*time.Second), ""))

	u, err := url.Parse(c.JobStreamURL(context.Background(), "", "J1"))
	require.NoError(t, err)
	assert.Equal(t, "renewed", u.Query().Get("token"))
}
