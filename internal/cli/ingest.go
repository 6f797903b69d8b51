package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/bus"
	"github.com/roach88/activitylog/internal/ingest"
	"github.com/roach88/activitylog/internal/processor"
	"github.com/roach88/activitylog/internal/queue"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <events.jsonl>",
		Short: "Push a file of events through the pipeline",
		Long: `Publish every event of a JSON Lines file on the bus and wait until the
queue has drained.

Each line is {"name": "<object_type>.<action>", "payload": {...}}. Use "-" to
read from stdin. The command exits 1 when any job was dropped.

Example:
  activitylog ingest ./events.jsonl
  cat events.jsonl | activitylog ingest - --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts.RootOptions, cmd)
			return out.Report(runIngest(cmd, opts, out, args[0]))
		},
	}

	return cmd
}

// IngestSummary is the result of an ingest run.
type IngestSummary struct {
	Events   int             `json:"events"`
	Appended int             `json:"appended"`
	Failed   []FailedJobView `json:"failed,omitempty"`
}

// FailedJobView describes one dropped job.
type FailedJobView struct {
	Key      string `json:"key"`
	Event    string `json:"event"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (s IngestSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Published %d events, appended %d records", s.Events, s.Appended)
	if len(s.Failed) > 0 {
		fmt.Fprintf(&b, ", %d jobs failed:", len(s.Failed))
		for _, f := range s.Failed {
			fmt.Fprintf(&b, "\n  %s (%s) after %d attempts: %s", f.Key, f.Event, f.Attempts, f.Error)
		}
	}
	return b.String()
}

func runIngest(cmd *cobra.Command, opts *IngestOptions, out *OutputFormatter, path string) error {
	events, err := readEvents(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}

	a, err := openApp(commandContext(cmd), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	reader, err := a.reader()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(commandContext(cmd), a.logger)
	defer cancel()

	b := bus.New()
	var appended atomic.Int64
	b.Subscribe(bus.SubscriberFunc(func(_ context.Context, ev bus.Event) error {
		if ev.Name == activity.CreatedEventName {
			appended.Add(1)
		}
		return nil
	}))

	proc := a.processor(reader, processor.WithEmitter(b))
	// Every dropped job is reported, so keep them all.
	q := a.jobQueue(proc, queue.WithFailureLimit[activity.Job](len(events)))
	b.Subscribe(ingest.New(a.registry(), q,
		ingest.WithPolicy(a.cfg.JobPolicy()),
		ingest.WithLogger(a.logger),
	))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error {
		defer q.Close()
		for _, ev := range events {
			if err := b.Publish(gctx, ev); err != nil {
				return fmt.Errorf("publish %s: %w", ev.Name, err)
			}
			out.VerboseLog("published %s", ev.Name)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "ingest interrupted", err)
	}

	summary := IngestSummary{Events: len(events), Appended: int(appended.Load())}
	for _, f := range q.Failed() {
		summary.Failed = append(summary.Failed, FailedJobView{
			Key:      f.Job.Key,
			Event:    f.Job.Data.EventName,
			Attempts: f.Job.Attempt,
			Error:    f.Err.Error(),
		})
	}
	if err := out.Success(summary); err != nil {
		return err
	}
	if len(summary.Failed) > 0 {
		return &ExitError{
			Code:    ExitFailure,
			ErrCode: ErrCodeJobs,
			Message: fmt.Sprintf("%d of %d jobs failed", len(summary.Failed), len(events)),
		}
	}
	return nil
}

// readEvents parses a JSON Lines file of bus events. Blank lines are skipped.
func readEvents(stdin io.Reader, path string) ([]bus.Event, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open events file", err)
		}
		defer f.Close()
		r = f
	}

	var events []bus.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid event on line %d", line), err)
		}
		if ev.Name == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid event on line %d: missing name", line))
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read events file", err)
	}
	return events, nil
}
