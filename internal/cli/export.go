package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/query"
)

// ExportSheet is the worksheet the export writes.
const ExportSheet = "activity_logs"

var exportHeader = []any{
	"id", "object_type", "object_id", "version", "action",
	"actor_type", "actor_id", "note", "checkpoint", "changes", "created_at",
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	filterFlags
	Out string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export ledger records to an Excel workbook",
		Long: `Write every record matching the list filters to an .xlsx workbook, one row
per record, oldest first.

Example:
  activitylog export --from 2024-05-01 --to 2024-05-31 --out may.xlsx
  activitylog export --from 2024-05-01 --to 2024-05-31 --object-type booking --out bookings.xlsx`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts.RootOptions, cmd)
			return out.Report(runExport(cmd, opts, out))
		},
	}

	opts.filterFlags.bind(cmd.Flags())
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "activity_logs.xlsx", "output workbook path")

	return cmd
}

// ExportResult reports a written workbook.
type ExportResult struct {
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

func (r ExportResult) String() string {
	return fmt.Sprintf("Exported %d records to %s", r.Rows, r.Path)
}

func runExport(cmd *cobra.Command, opts *ExportOptions, out *OutputFormatter) error {
	a, err := openApp(commandContext(cmd), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	rows, err := writeWorkbook(commandContext(cmd), a.facade, opts.params(0, query.MaxPerPage), opts.Out)
	if err != nil {
		return err
	}
	return out.Success(ExportResult{Path: opts.Out, Rows: rows})
}

// lister is the part of the query facade export pages through.
type lister interface {
	List(ctx context.Context, p query.ListParams) (activity.Page, error)
}

// writeWorkbook pages through every match of p and streams it to path.
func writeWorkbook(ctx context.Context, l lister, p query.ListParams, path string) (int, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ExportSheet); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	sw, err := f.NewStreamWriter(ExportSheet)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	if err := sw.SetRow("A1", exportHeader); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}

	rows := 0
	for page := 1; ; page++ {
		p.Page = page
		res, err := l.List(ctx, p)
		if err != nil {
			return 0, classify("export failed", err)
		}
		for _, r := range res.Data {
			var actorID any
			if r.ActorID != nil {
				actorID = *r.ActorID
			}
			cell, err := excelize.CoordinatesToCellName(1, rows+2)
			if err != nil {
				return 0, fmt.Errorf("export: %w", err)
			}
			row := []any{
				r.ID, r.ObjectType, r.ObjectID, r.Version, r.Action,
				r.ActorType, actorID, r.Note, r.IsCheckpoint(), string(r.Changes),
				r.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := sw.SetRow(cell, row); err != nil {
				return 0, fmt.Errorf("export: %w", err)
			}
			rows++
		}
		if len(res.Data) == 0 || int64(rows) >= res.Total {
			break
		}
	}

	if err := sw.Flush(); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to write workbook", err)
	}
	return rows, nil
}
