package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/activitylog/internal/config"
	"github.com/roach88/activitylog/internal/store/postgres"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate <up|down>",
		Short: "Apply or roll back the Postgres schema",
		Long: `Run the embedded Postgres migrations against DATABASE_URL.

SQLite databases are migrated when they are opened and need no command.

Example:
  STORE_DRIVER=postgres DATABASE_URL=postgres://... activitylog migrate up`,
		Args:          cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs:     []string{"up", "down"},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts.RootOptions, cmd)
			return out.Report(runMigrate(cmd, opts, out, args[0]))
		},
	}

	return cmd
}

// MigrateResult reports a finished migration.
type MigrateResult struct {
	Direction string `json:"direction"`
}

func (r MigrateResult) String() string {
	return fmt.Sprintf("Migrations applied (%s).", r.Direction)
}

func runMigrate(cmd *cobra.Command, opts *MigrateOptions, out *OutputFormatter, direction string) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg, err := config.Load(opts.EnvFile)
	if err != nil {
		return &ExitError{Code: ExitCommandError, ErrCode: ErrCodeConfig, Message: "failed to load config", Err: err}
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return &ExitError{
			Code:    ExitCommandError,
			ErrCode: ErrCodeConfig,
			Message: fmt.Sprintf("migrate needs STORE_DRIVER=%s, got %s", config.DriverPostgres, cfg.StoreDriver),
		}
	}

	logger.Info("running migrations", "direction", direction)
	if err := postgres.Migrate(cfg.DatabaseURL, direction); err != nil {
		return &ExitError{Code: ExitFailure, ErrCode: ErrCodeStore, Message: "migration failed", Err: err}
	}
	return out.Success(MigrateResult{Direction: direction})
}
