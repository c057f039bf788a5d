package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/opsdash/internal/jobs"
)

// errJobFailed is returned when a followed job ends with an error event.
var errJobFailed = errors.New("job failed")

// Run flags.
var flagRunData string

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run PATH",
		Short: "Start a background job and follow it to completion",
		Long: `Start a job by POSTing to PATH (e.g. /api/fetch/start) and follow its
progress stream until it completes or fails.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	cmd.Flags().StringVar(&flagRunData, "data", "", "JSON request body")

	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch JOBID",
		Short: "Follow a running job's progress stream",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
}

func newJobStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job-status JOBID",
		Short: "Fetch a job's current status once",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobStatus,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	body, err := parseJSONData(flagRunData)
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.RequireLogin(); err != nil {
		return err
	}

	jobID, err := s.Client.StartJob(cmd.Context(), args[0], body)
	if err != nil {
		return fmt.Errorf("starting job: %w", err)
	}

	cc.Statusf("Started job %s.\n", jobID)

	return followJob(cmd.Context(), cc, s, jobID)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	s, err := openSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.RequireLogin(); err != nil {
		return err
	}

	return followJob(cmd.Context(), cc, s, args[0])
}

// followJob subscribes to jobID's stream and renders progress until the job
// reaches a terminal state, the transport fails, the session is logged out
// or the user interrupts.
func followJob(parent context.Context, cc *CLIContext, s *Session, jobID string) error {
	ctx, release := shutdownContext(parent, cc.Logger)
	defer release()

	ctx, stop := s.UntilLogout(ctx)
	defer stop()

	transportErr := make(chan error, 1)
	done := make(chan struct{})

	p := jobs.NewProjection(s.Dialer, func(id string) string {
		return s.JobStreamURL(ctx, id)
	}, jobs.Options{
		LogSize: cc.Cfg.Stream.EventLogSize,
		OnError: func(_ string, err error) {
			select {
			case transportErr <- err:
			default:
			}
		},
		Metrics: s.Metrics,
		Logger:  cc.Logger,
	})

	r := newProgressRenderer(cc.Out, cc.Flags.JSON)

	var once sync.Once

	p.OnChange(func(st jobs.State) {
		r.render(st)

		if st.Terminal() {
			once.Do(func() { close(done) })
		}
	})

	p.StartJob(jobID)

	var waitErr error

	select {
	case <-done:
	case err := <-transportErr:
		waitErr = fmt.Errorf("event stream for job %s: %w", jobID, err)
	case <-ctx.Done():
		if cause := context.Cause(ctx); errors.Is(cause, errNotLoggedIn) {
			waitErr = cause
		}
	}

	p.Close()
	p.Wait()
	r.finish()

	final := p.State()
	cc.Logger.Debug("stopped following job",
		slog.String("job_id", jobID),
		slog.String("status", string(final.Status)),
	)

	if cc.Flags.JSON {
		if err := printJSON(cc.Out, final); err != nil {
			return err
		}
	}

	if waitErr != nil {
		return waitErr
	}

	switch final.Status {
	case jobs.StatusError:
		return fmt.Errorf("%w: %s", errJobFailed, lastError(final))
	case jobs.StatusCompleted:
		cc.Statusf("Job %s completed.\n", jobID)
	default:
		cc.Statusf("Stopped following job %s (%s).\n", jobID, final.Status)
	}

	return nil
}

func lastError(st jobs.State) string {
	if len(st.Events) == 0 || st.Events[0].Error == "" {
		return "no details"
	}

	return st.Events[0].Error
}

// progressRenderer draws job states. Every state change after StartJob
// carries exactly one new event, at the head of the log. On a terminal the
// event lines scroll above a redrawn progress line; otherwise only the
// event lines are written. In JSON mode nothing is drawn.
type progressRenderer struct {
	w      io.Writer
	tty    bool
	silent bool

	mu    sync.Mutex
	drawn bool
}

func newProgressRenderer(w io.Writer, jsonOut bool) *progressRenderer {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd())
	}

	return &progressRenderer{w: w, tty: tty, silent: jsonOut}
}

func (r *progressRenderer) render(st jobs.State) {
	if r.silent {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tty && r.drawn {
		fmt.Fprint(r.w, "\r\033[K")
	}

	if len(st.Events) > 0 {
		fmt.Fprintln(r.w, formatEvent(st.Events[0]))
	}

	if r.tty {
		fmt.Fprint(r.w, formatProgress(st))
		r.drawn = true
	}
}

func (r *progressRenderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tty && r.drawn {
		fmt.Fprintln(r.w)
		r.drawn = false
	}
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	s, err := openSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer s.Close()

	status, err := s.Client.JobStatus(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("job %s: %w", args[0], err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, status)
	}

	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, fmt.Sprint(status[k])})
	}

	printTable(cc.Out, []string{"FIELD", "VALUE"}, rows)

	return nil
}
