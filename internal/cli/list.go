package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/query"
)

// filterFlags are the listing filters shared by list and export.
type filterFlags struct {
	From       string
	To         string
	Action     string
	ObjectType string
	ObjectID   int64
	ActorID    int64
	ActorType  string
}

func (f *filterFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.From, "from", "", "start of the created_at range (required)")
	fs.StringVar(&f.To, "to", "", "end of the created_at range (required)")
	fs.StringVar(&f.Action, "action", "", "filter by action")
	fs.StringVar(&f.ObjectType, "object-type", "", "filter by object type")
	fs.Int64Var(&f.ObjectID, "object-id", 0, "filter by object id")
	fs.Int64Var(&f.ActorID, "actor-id", 0, "filter by actor id")
	fs.StringVar(&f.ActorType, "actor-type", "", "filter by actor type (admin|host|user|system)")
}

// params converts the flags. Zero ids are treated as unset.
func (f *filterFlags) params(page, perPage int) query.ListParams {
	p := query.ListParams{
		Action:     f.Action,
		ObjectType: f.ObjectType,
		ActorType:  f.ActorType,
		From:       f.From,
		To:         f.To,
		Page:       page,
		PerPage:    perPage,
	}
	if f.ObjectID != 0 {
		id := f.ObjectID
		p.ObjectID = &id
	}
	if f.ActorID != 0 {
		id := f.ActorID
		p.ActorID = &id
	}
	return p
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	filterFlags
	Page    int
	PerPage int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger records in a created_at range",
		Long: `List activity log records, oldest first, filtered by created_at range and
optional attributes.

The range bounds use DATE_FORMAT in TIMEZONE and are inclusive.

Example:
  activitylog list --from 2024-05-01 --to 2024-05-31
  activitylog list --from 2024-05-01 --to 2024-05-31 --object-type property --object-id 7 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts.RootOptions, cmd)
			return out.Report(runList(cmd, opts, out))
		},
	}

	opts.filterFlags.bind(cmd.Flags())
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&opts.PerPage, "per-page", query.DefaultPerPage, "records per page")

	return cmd
}

func runList(cmd *cobra.Command, opts *ListOptions, out *OutputFormatter) error {
	a, err := openApp(commandContext(cmd), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	page, err := a.facade.List(commandContext(cmd), opts.params(opts.Page, opts.PerPage))
	if err != nil {
		return classify("list failed", err)
	}
	return out.Success(pageView(page))
}

// pageView renders a page as a table in text mode.
type pageView activity.Page

func (p pageView) MarshalJSON() ([]byte, error) {
	return activity.MarshalCanonical(activity.Page(p))
}

func (p pageView) String() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOBJECT\tVERSION\tACTION\tACTOR\tCREATED")
	for _, r := range p.Data {
		actor := r.ActorType
		if r.ActorID != nil {
			actor = fmt.Sprintf("%s:%d", r.ActorType, *r.ActorID)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Key(), r.Version, r.Action, actor, r.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
	fmt.Fprintf(&b, "page %d, %d per page, %d total", p.Page, p.PerPage, p.Total)
	return b.String()
}
