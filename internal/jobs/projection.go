// Package jobs turns live event streams into state: a Projection follows one
// background job from start to a terminal event, a Feed keeps a rolling
// window of queue events.
package jobs

import (
	"log/slog"
	"sync"

	"github.com/tonimelisma/opsdash/internal/metrics"
	"github.com/tonimelisma/opsdash/internal/stream"
)

// Log sizes used when Options.LogSize is zero.
const (
	DefaultEventLogSize = 200
	DefaultFeedLogSize  = 100
)

// Status is the lifecycle phase of a projected job.
type Status string

// Job statuses.
const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// State is a snapshot of a job. Events are most recent first.
type State struct {
	Status   Status         `json:"status"`
	Progress float64        `json:"progress"`
	Events   []stream.Event `json:"events"`
	JobID    string         `json:"jobId"`
}

// Terminal reports whether the job has finished, successfully or not.
func (s State) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusError
}

// Options configures a Projection or Feed. All fields are optional.
type Options struct {
	LogSize int
	OnError stream.ErrorHandler
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Projection follows one job at a time. While running it holds a
// subscription to the job's stream; leaving running closes it.
type Projection struct {
	mgr     *stream.Manager
	urlFor  func(jobID string) string
	logSize int
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	streamURL string

	obsMu     sync.Mutex
	observers map[int]func(State)
	nextObs   int
}

// NewProjection creates an idle projection. urlFor builds the stream URL for
// a job id and is called once per StartJob.
func NewProjection(dialer stream.Dialer, urlFor func(jobID string) string, opts Options) *Projection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	size := opts.LogSize
	if size <= 0 {
		size = DefaultEventLogSize
	}

	p := &Projection{
		urlFor:    urlFor,
		logSize:   size,
		logger:    logger,
		state:     State{Status: StatusIdle},
		observers: make(map[int]func(State)),
	}

	p.mgr = stream.NewManager(dialer, p.handle, stream.Options{
		OnError: opts.OnError,
		Metrics: opts.Metrics,
		Logger:  logger,
	})

	return p
}

// StartJob begins following jobID from any state: running, progress 0, an
// empty log. Any previous subscription is closed first.
func (p *Projection) StartJob(jobID string) {
	url := p.urlFor(jobID)

	p.mu.Lock()
	p.state = State{Status: StatusRunning, JobID: jobID}
	p.streamURL = url
	p.mgr.SetURL(url)
	snap := p.snapshot()
	p.mu.Unlock()

	p.logger.Info("following job", slog.String("job_id", jobID))
	p.notify(snap)
}

// Reset returns to idle from any state and closes the subscription.
func (p *Projection) Reset() {
	p.mu.Lock()
	p.state = State{Status: StatusIdle}
	p.streamURL = ""
	p.mgr.SetURL("")
	snap := p.snapshot()
	p.mu.Unlock()

	p.notify(snap)
}

// State returns a copy of the current state.
func (p *Projection) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snapshot()
}

// Live reports whether the job stream connection is open.
func (p *Projection) Live() bool {
	return p.mgr.Live()
}

// OnChange registers fn to receive every new state. fn runs on the stream
// goroutine or the caller of StartJob/Reset and must not call Wait.
func (p *Projection) OnChange(fn func(State)) (cancel func()) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()

	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn

	return func() {
		p.obsMu.Lock()
		defer p.obsMu.Unlock()

		delete(p.observers, id)
	}
}

// Close closes the subscription and stops further updates.
func (p *Projection) Close() {
	p.mgr.Close()
}

// Wait blocks until the stream goroutines have exited. Call after Close.
func (p *Projection) Wait() {
	p.mgr.Wait()
}

func (p *Projection) handle(url string, ev stream.Event) {
	p.mu.Lock()

	// Late deliveries from a replaced or finished subscription.
	if p.state.Status != StatusRunning || url != p.streamURL {
		p.mu.Unlock()
		return
	}

	p.state.Events = prepend(p.state.Events, ev, p.logSize)

	if ev.Progress != nil {
		p.state.Progress = *ev.Progress
	}

	switch ev.Type {
	case stream.TypeComplete:
		p.state.Progress = 100
		p.state.Status = StatusCompleted
	case stream.TypeError:
		p.state.Status = StatusError
	}

	if p.state.Status != StatusRunning {
		p.streamURL = ""
		p.mgr.SetURL("")

		p.logger.Info("job finished",
			slog.String("job_id", p.state.JobID),
			slog.String("status", string(p.state.Status)),
		)
	}

	snap := p.snapshot()
	p.mu.Unlock()

	p.notify(snap)
}

// snapshot copies the state. Caller holds p.mu.
func (p *Projection) snapshot() State {
	s := p.state
	s.Events = append([]stream.Event(nil), p.state.Events...)

	return s
}

func (p *Projection) notify(s State) {
	p.obsMu.Lock()
	fns := make([]func(State), 0, len(p.observers))

	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.obsMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// prepend puts ev in front of log and drops the oldest entries beyond size.
func prepend(log []stream.Event, ev stream.Event, size int) []stream.Event {
	n := min(len(log)+1, size)
	out := make([]stream.Event, n)
	out[0] = ev
	copy(out[1:], log)

	return out
}
