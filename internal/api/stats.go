package api

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Dashboard statistics endpoints. The combined endpoint is preferred; the
// per-counter endpoints are tried when it is unavailable.
const (
	dashboardStatsPath = "/api/admin/dashboard"
	eventsStatsPath    = "/api/stats/events"
	uploadsStatsPath   = "/api/stats/uploads"
	filesStatsPath     = "/api/stats/files"
)

// Stats are the dashboard headline counters. A nil field means the server
// did not report that counter.
type Stats struct {
	LiveEvents *int64 `json:"liveEvents"`
	Uploads    *int64 `json:"uploads"`
	Files      *int64 `json:"files"`
}

// DashboardStats reads the headline counters. If the combined endpoint
// answers non-2xx, the three per-counter endpoints are queried concurrently
// and whatever they return is used; their individual failures are ignored.
// Only a transport failure on the combined endpoint is returned as an error.
func (c *Client) DashboardStats(ctx context.Context) (Stats, error) {
	resp, err := c.Get(ctx, dashboardStatsPath)
	if err != nil {
		return Stats{}, err
	}
	defer resp.Close()

	if resp.OK() {
		var raw map[string]any
		if err := resp.JSON(&raw); err != nil {
			return Stats{}, err
		}

		return Stats{
			LiveEvents: numberField(raw, "liveEvents"),
			Uploads:    numberField(raw, "uploads"),
			Files:      numberField(raw, "files"),
		}, nil
	}

	c.logger.Debug("combined stats endpoint unavailable, falling back",
		slog.Int("status", resp.StatusCode),
	)

	var stats Stats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { stats.LiveEvents = c.countAt(gctx, eventsStatsPath); return nil })
	g.Go(func() error { stats.Uploads = c.countAt(gctx, uploadsStatsPath); return nil })
	g.Go(func() error { stats.Files = c.countAt(gctx, filesStatsPath); return nil })

	_ = g.Wait()

	return stats, nil
}

// countAt reads {"count": n} from path, or nil on any failure.
func (c *Client) countAt(ctx context.Context, path string) *int64 {
	resp, err := c.Get(ctx, path)
	if err != nil {
		c.logger.Debug("stats endpoint failed", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	defer resp.Close()

	if !resp.OK() {
		return nil
	}

	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return nil
	}

	return numberField(raw, "count")
}

// numberField returns m[key] when it is a JSON number.
func numberField(m map[string]any, key string) *int64 {
	f, ok := m[key].(float64)
	if !ok {
		return nil
	}

	n := int64(f)

	return &n
}
