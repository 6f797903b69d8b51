package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/bus"
	"github.com/roach88/activitylog/internal/httpapi"
	"github.com/roach88/activitylog/internal/ingest"
	"github.com/roach88/activitylog/internal/processor"
	"github.com/roach88/activitylog/internal/queue"
	"github.com/roach88/activitylog/internal/telemetry"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline and the read API",
		Long: `Run the event bus, the job queue and the HTTP API in one process.

Events posted to /events are fanned out on the bus, turned into jobs, and
appended to the ledger by the processor. Reads are served from the same store.

Example:
  activitylog serve
  activitylog serve --addr :9090 --env-file ./prod.env`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts.RootOptions, cmd)
			return out.Report(runServe(cmd, opts))
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides HTTP_ADDR)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	a, err := openApp(commandContext(cmd), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(commandContext(cmd), a.logger)
	defer cancel()

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "activitylog",
		ServiceVersion: Version,
		Exporter:       a.cfg.TelemetryExporter,
		OTLPEndpoint:   a.cfg.OTLPEndpoint,
		Writer:         cmd.ErrOrStderr(),
	})
	if err != nil {
		return &ExitError{Code: ExitCommandError, ErrCode: ErrCodeConfig, Message: "failed to set up telemetry", Err: err}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("telemetry shutdown", "error", err)
		}
	}()

	reader, err := a.reader()
	if err != nil {
		return err
	}

	b := bus.New()
	proc := a.processor(reader, processor.WithEmitter(b))
	// Drops are logged as they happen; only the count is kept.
	q := a.jobQueue(proc, queue.WithFailureLimit[activity.Job](0))
	b.Subscribe(ingest.New(a.registry(), q,
		ingest.WithPolicy(a.cfg.JobPolicy()),
		ingest.WithLogger(a.logger),
	))
	hub := httpapi.NewHub(a.logger)
	b.Subscribe(hub)

	srv := httpapi.New(a.facade, b,
		httpapi.WithHub(hub),
		httpapi.WithMetrics(tel.MetricsHandler()),
		httpapi.WithCORSOrigins(a.cfg.CORSOriginList()),
		httpapi.WithLogger(a.logger),
	)

	addr := opts.Addr
	if addr == "" {
		addr = a.cfg.HTTPAddr
	}

	a.logger.Info("activitylog starting",
		"addr", addr,
		"driver", a.cfg.StoreDriver,
		"lanes", q.Lanes(),
		"tracked_types", len(a.registry().Types()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Queued jobs are drained after shutdown, so the queue outlives ctx.
		return q.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		defer q.Close()
		return srv.ListenAndServe(gctx, addr)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}

	if n := q.FailedCount(); n > 0 {
		a.logger.Warn("jobs dropped during run", "count", n)
	}
	a.logger.Info("activitylog stopped gracefully")
	return nil
}
