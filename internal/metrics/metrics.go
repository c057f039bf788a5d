// Package metrics exposes Prometheus instruments for the session layer:
// credential refreshes, reactive auth retries, live stream connections and
// received events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes used as the "result" label.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
)

// Collector groups the instruments. A nil *Collector is valid and records
// nothing, so library code can take one optionally.
type Collector struct {
	refreshes   *prometheus.CounterVec
	authRetries prometheus.Counter
	authCleared prometheus.Counter
	streamOpen  prometheus.Gauge
	streamDials prometheus.Counter
	streamErrs  prometheus.Counter
	events      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the instruments and registers them with a private
// registry, so several collectors can coexist in one process (tests).
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdash_credential_refreshes_total",
			Help: "Network refresh calls made against the credential authority, by result.",
		}, []string{"result"}),
		authRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsdash_auth_retries_total",
			Help: "Requests re-sent once after a 401 and a successful refresh.",
		}),
		authCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsdash_auth_cleared_total",
			Help: "Times the credential was cleared after an unrecoverable 401.",
		}),
		streamOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsdash_stream_connections_open",
			Help: "Live event stream connections.",
		}),
		streamDials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsdash_stream_dials_total",
			Help: "Event stream connections established.",
		}),
		streamErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsdash_stream_errors_total",
			Help: "Event stream subscriptions ended by a transport error.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdash_stream_events_total",
			Help: "Events received from live streams, by event type.",
		}, []string{"type"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.refreshes,
		c.authRetries,
		c.authCleared,
		c.streamOpen,
		c.streamDials,
		c.streamErrs,
		c.events,
	)

	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// RecordRefresh counts one network refresh with its outcome.
func (c *Collector) RecordRefresh(result string) {
	if c == nil {
		return
	}

	c.refreshes.WithLabelValues(result).Inc()
}

// RecordAuthRetry counts one retried request.
func (c *Collector) RecordAuthRetry() {
	if c == nil {
		return
	}

	c.authRetries.Inc()
}

// RecordAuthCleared counts one credential clear caused by a 401.
func (c *Collector) RecordAuthCleared() {
	if c == nil {
		return
	}

	c.authCleared.Inc()
}

// StreamOpened marks a connection as live.
func (c *Collector) StreamOpened() {
	if c == nil {
		return
	}

	c.streamDials.Inc()
	c.streamOpen.Inc()
}

// StreamClosed marks a live connection as closed.
func (c *Collector) StreamClosed() {
	if c == nil {
		return
	}

	c.streamOpen.Dec()
}

// RecordStreamError counts one transport failure.
func (c *Collector) RecordStreamError() {
	if c == nil {
		return
	}

	c.streamErrs.Inc()
}

// RecordEvent counts one received event.
func (c *Collector) RecordEvent(eventType string) {
	if c == nil {
		return
	}

	c.events.WithLabelValues(eventType).Inc()
}
