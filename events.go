package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/opsdash/internal/jobs"
	"github.com/tonimelisma/opsdash/internal/stream"
)

// Events flags.
var flagQueue string

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print a queue's live events until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runEvents,
	}

	cmd.Flags().StringVar(&flagQueue, "queue", "", "queue name (default from config stream.default_queue)")

	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	queue := flagQueue
	if queue == "" {
		queue = cc.Cfg.Stream.DefaultQueue
	}

	s, err := openSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.RequireLogin(); err != nil {
		return err
	}

	ctx, release := shutdownContext(cmd.Context(), cc.Logger)
	defer release()

	ctx, stop := s.UntilLogout(ctx)
	defer stop()

	transportErr := make(chan error, 1)

	f := jobs.NewFeed(s.Dialer, func() string {
		return s.StreamURL(ctx, cc.Cfg.Stream.QueueEventsPath, url.Values{"queue": {queue}})
	}, jobs.Options{
		LogSize: cc.Cfg.Stream.FeedLogSize,
		OnError: func(_ string, err error) {
			select {
			case transportErr <- err:
			default:
			}
		},
		Metrics: s.Metrics,
		Logger:  cc.Logger,
	})

	var received atomic.Int64

	f.OnEvent(func(ev stream.Event) {
		received.Add(1)

		if cc.Flags.JSON {
			if err := printJSON(cc.Out, ev); err != nil {
				cc.Logger.Warn("writing event", slog.String("error", err.Error()))
			}

			return
		}

		fmt.Fprintln(cc.Out, formatEvent(ev))
	})

	cc.Statusf("Listening to queue %s, press Ctrl-C to stop.\n", queue)
	f.Listen()

	var waitErr error

	select {
	case err := <-transportErr:
		if errors.Is(err, stream.ErrStreamEnded) {
			cc.Statusf("Server closed the %s event stream.\n", queue)
		} else {
			waitErr = fmt.Errorf("event stream for queue %s: %w", queue, err)
		}
	case <-ctx.Done():
		if cause := context.Cause(ctx); errors.Is(cause, errNotLoggedIn) {
			waitErr = cause
		}
	}

	f.Stop()
	f.Close()
	f.Wait()

	cc.Statusf("Received %s events.\n", printer.Sprintf("%d", received.Load()))

	return waitErr
}
