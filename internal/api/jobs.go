package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
)

// Default job endpoints, relative to the API base URL.
const (
	DefaultJobStreamPath   = "/api/fetch/status/stream"
	DefaultQueueEventsPath = "/api/queue/events"
	jobStatusPathFmt       = "/api/jobs/%s/status"
)

type startJobResponse struct {
	JobID string `json:"jobId"`
}

// StartJob POSTs body to path and returns the job identifier the server
// assigned. Non-2xx statuses become an *APIError.
func (c *Client) StartJob(ctx context.Context, path string, body any) (string, error) {
	resp, err := c.PostJSON(ctx, path, body)
	if err != nil {
		return "", err
	}
	defer resp.Close()

	if apiErr := AsError(resp); apiErr != nil {
		return "", apiErr
	}

	var sr startJobResponse
	if err := resp.JSON(&sr); err != nil {
		return "", err
	}

	if sr.JobID == "" {
		return "", ErrNoJobID
	}

	c.logger.Info("job started", slog.String("path", path), slog.String("job_id", sr.JobID))

	return sr.JobID, nil
}

// JobStatus fetches the server's current record for a job as a generic
// JSON object.
func (c *Client) JobStatus(ctx context.Context, jobID string) (map[string]any, error) {
	resp, err := c.Get(ctx, fmt.Sprintf(jobStatusPathFmt, url.PathEscape(jobID)))
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	if apiErr := AsError(resp); apiErr != nil {
		return nil, apiErr
	}

	var status map[string]any
	if err := resp.JSON(&status); err != nil {
		return nil, err
	}

	return status, nil
}

// StreamURL builds the URL of an event stream at path with the given query
// parameters. Push transports cannot carry an Authorization header, so the
// current access token travels as the "token" query parameter; it is
// refreshed first if close to expiry. No token is added when logged out.
func (c *Client) StreamURL(ctx context.Context, path string, params url.Values) string {
	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}

	if tok := c.currentToken(ctx); tok != "" {
		q.Set("token", tok)
	}

	u := c.URL(path)
	if len(q) == 0 {
		return u
	}

	return u + "?" + q.Encode()
}

// JobStreamURL is StreamURL for one job's progress stream.
func (c *Client) JobStreamURL(ctx context.Context, path, jobID string) string {
	if path == "" {
		path = DefaultJobStreamPath
	}

	return c.StreamURL(ctx, path, url.Values{"jobId": {jobID}})
}
