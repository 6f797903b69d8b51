package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/config"
	"github.com/roach88/activitylog/internal/processor"
	"github.com/roach88/activitylog/internal/query"
	"github.com/roach88/activitylog/internal/queue"
	"github.com/roach88/activitylog/internal/reconstruct"
	"github.com/roach88/activitylog/internal/source"
	"github.com/roach88/activitylog/internal/store"
	"github.com/roach88/activitylog/internal/store/postgres"
)

// app is the wiring shared by every command: configuration, the tracked
// type registry, the opened store and the read side built on it.
type app struct {
	cfg      *config.Config
	tracking *config.Tracking
	store    store.LogStore
	rebuild  *reconstruct.Reconstructor
	facade   *query.Facade
	logger   *slog.Logger
}

// openApp loads configuration and opens the configured store.
// Callers must call close.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	logger := newLogger(opts, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.EnvFile)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, ErrCode: ErrCodeConfig, Message: "failed to load config", Err: err}
	}
	tracking, err := config.LoadTracking(cfg.TrackedTypesFile)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, ErrCode: ErrCodeConfig, Message: "failed to load tracked types", Err: err}
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, ErrCode: ErrCodeStore, Message: "failed to open store", Err: err}
	}
	logger.Debug("store ready", "driver", cfg.StoreDriver)

	rebuild := reconstruct.New(st, reconstruct.WithWindow(cfg.ReconstructWindow))
	facade := query.New(tracking.Registry, st, rebuild,
		query.WithDateFormat(cfg.DateFormat),
		query.WithLocation(cfg.Location()),
	)

	return &app{
		cfg:      cfg,
		tracking: tracking,
		store:    st,
		rebuild:  rebuild,
		facade:   facade,
		logger:   logger,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.LogStore, error) {
	if cfg.StoreDriver == config.DriverPostgres {
		return postgres.Open(ctx, cfg.DatabaseURL)
	}
	return store.Open(cfg.SQLitePath)
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing store", "error", err)
	}
}

// registry returns the tracked type registry.
func (a *app) registry() *activity.Registry {
	return a.tracking.Registry
}

// reader builds the source router for snapshot-diff types.
func (a *app) reader() (source.Reader, error) {
	r, err := a.tracking.Router(a.cfg.SourceURLTemplate)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, ErrCode: ErrCodeConfig, Message: "failed to build source readers", Err: err}
	}
	return r, nil
}

// processor returns a processor writing to the app's store.
func (a *app) processor(reader source.Reader, opts ...processor.Option) *processor.Processor {
	opts = append([]processor.Option{
		processor.WithConfig(a.cfg.Processor()),
		processor.WithLogger(a.logger),
	}, opts...)
	return processor.New(a.registry(), a.store, a.rebuild, reader, opts...)
}

// jobQueue returns a queue delivering to p with the configured lanes.
func (a *app) jobQueue(p *processor.Processor, opts ...queue.Option[activity.Job]) *queue.Queue[activity.Job] {
	return queue.New(p.Handle, append([]queue.Option[activity.Job]{
		queue.WithLanes[activity.Job](a.cfg.QueueLanes),
		queue.WithLogger[activity.Job](a.logger),
	}, opts...)...)
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// commandContext returns cmd's context or Background.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
