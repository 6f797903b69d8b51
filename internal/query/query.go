// Package query is the read side of the ledger: filtered, paginated listing
// and batch resolution of the latest reconstructed state per aggregate.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/reconstruct"
)

const (
	// DefaultDateFormat is the layout of the from/to bounds.
	DefaultDateFormat = "2006-01-02"

	// DefaultTimezone is the zone the from/to bounds are read in.
	DefaultTimezone = "Asia/Ho_Chi_Minh"

	// DefaultPerPage is the page size when none is given.
	DefaultPerPage = 10

	// MaxPerPage bounds the page size.
	MaxPerPage = 100

	// MaxLatestIDs bounds one ShowLatest call.
	MaxLatestIDs = 20
)

// Store is the subset of the LogStore the facade reads.
type Store interface {
	Query(ctx context.Context, f activity.Filter, page, perPage int) (activity.Page, error)
	LatestByKey(ctx context.Context, key activity.Key) (activity.LogRecord, bool, error)
}

// Reconstructor rebuilds current state.
type Reconstructor interface {
	Reconstruct(ctx context.Context, key activity.Key) (reconstruct.Result, error)
}

// ListParams are the inputs of List. Zero Page and PerPage mean 1 and
// DefaultPerPage.
type ListParams struct {
	Action     string `form:"action" json:"action,omitempty"`
	ObjectType string `form:"object_type" json:"object_type,omitempty"`
	ObjectID   *int64 `form:"object_id" json:"object_id,omitempty" validate:"omitempty,gt=0"`
	ActorID    *int64 `form:"actor_id" json:"actor_id,omitempty" validate:"omitempty,gt=0"`
	ActorType  string `form:"actor_type" json:"actor_type,omitempty" validate:"omitempty,actortype"`
	From       string `form:"from" json:"from" validate:"required"`
	To         string `form:"to" json:"to" validate:"required"`
	Page       int    `form:"page" json:"page,omitempty" validate:"gte=0"`
	PerPage    int    `form:"per_page" json:"per_page,omitempty" validate:"gte=0,lte=100"`
}

// Latest is the reconstructed state of one aggregate with its identity.
type Latest struct {
	ObjectID int64           `json:"object_id"`
	Version  int64           `json:"version"`
	State    json.RawMessage `json:"state"`
}

// Facade answers read requests. Construct with New.
type Facade struct {
	registry    *activity.Registry
	store       Store
	rebuild     Reconstructor
	dateFormat  string
	loc         *time.Location
	concurrency int
}

// Option configures a Facade.
type Option func(*Facade)

// WithDateFormat sets the from/to layout.
func WithDateFormat(layout string) Option {
	return func(f *Facade) { f.dateFormat = layout }
}

// WithLocation sets the zone from/to are read in.
func WithLocation(loc *time.Location) Option {
	return func(f *Facade) { f.loc = loc }
}

// WithConcurrency bounds parallel reconstructions in ShowLatest.
func WithConcurrency(n int) Option {
	return func(f *Facade) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// New returns a Facade. The default zone is DefaultTimezone, falling back
// to UTC when the zone database is unavailable.
func New(reg *activity.Registry, st Store, rebuild Reconstructor, opts ...Option) *Facade {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	f := &Facade{
		registry:    reg,
		store:       st,
		rebuild:     rebuild,
		dateFormat:  DefaultDateFormat,
		loc:         loc,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// List returns the page of records matching p with created_at in [from, to].
// Parameters are validated before the store is touched.
func (f *Facade) List(ctx context.Context, p ListParams) (activity.Page, error) {
	filter, page, perPage, err := f.listFilter(p)
	if err != nil {
		return activity.Page{}, err
	}
	return f.store.Query(ctx, filter, page, perPage)
}

func (f *Facade) listFilter(p ListParams) (activity.Filter, int, int, error) {
	if err := activity.ValidateStruct(p); err != nil {
		return activity.Filter{}, 0, 0, activity.Validationf("list", "%v", err)
	}
	from, err := time.ParseInLocation(f.dateFormat, p.From, f.loc)
	if err != nil {
		return activity.Filter{}, 0, 0, activity.Validationf("list", "invalid-date: from %q", p.From)
	}
	to, err := time.ParseInLocation(f.dateFormat, p.To, f.loc)
	if err != nil {
		return activity.Filter{}, 0, 0, activity.Validationf("list", "invalid-date: to %q", p.To)
	}
	if !from.Before(to) {
		return activity.Filter{}, 0, 0, activity.Validationf("list", "invalid-date: from must be before to")
	}

	page := p.Page
	if page == 0 {
		page = 1
	}
	perPage := p.PerPage
	if perPage == 0 {
		perPage = DefaultPerPage
	}
	return activity.Filter{
		Action:      p.Action,
		ObjectType:  p.ObjectType,
		ObjectID:    p.ObjectID,
		ActorID:     p.ActorID,
		ActorType:   p.ActorType,
		CreatedFrom: from,
		CreatedTo:   to,
	}, page, perPage, nil
}

// ShowLatest returns the reconstructed current state of each distinct id, in
// input order, whose latest record was created after lastModifiedAt. A nil
// cursor selects every id with history. Ids without history are omitted.
// Only snapshot-diff types have a reconstructable state.
func (f *Facade) ShowLatest(ctx context.Context, objectType string, ids []int64, lastModifiedAt *time.Time) ([]json.RawMessage, error) {
	latest, err := f.ShowLatestDetailed(ctx, objectType, ids, lastModifiedAt)
	if err != nil {
		return nil, err
	}
	states := make([]json.RawMessage, len(latest))
	for i, l := range latest {
		states[i] = l.State
	}
	return states, nil
}

// ShowLatestDetailed is ShowLatest with the object id and version of each
// state.
func (f *Facade) ShowLatestDetailed(ctx context.Context, objectType string, ids []int64, lastModifiedAt *time.Time) ([]Latest, error) {
	if objectType == "" {
		return nil, activity.Validationf("show_latest", "object_type is required")
	}
	tt, err := f.registry.Lookup(objectType)
	if err != nil {
		return nil, activity.Validationf("show_latest", "%v", err)
	}
	if tt.Mode != activity.ModeSnapshotDiff {
		return nil, activity.Validationf("show_latest", "%s has no reconstructable state", objectType)
	}
	if err := activity.ValidateVar(ids, fmt.Sprintf("min=1,max=%d,dive,gt=0", MaxLatestIDs)); err != nil {
		return nil, activity.Validationf("show_latest", "object_ids: %v", err)
	}

	seen := make(map[int64]bool, len(ids))
	distinct := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			distinct = append(distinct, id)
		}
	}

	found := make([]*Latest, len(distinct))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, id := range distinct {
		g.Go(func() error {
			key := activity.Key{ObjectType: objectType, ObjectID: id}
			rec, ok, err := f.store.LatestByKey(gctx, key)
			if err != nil {
				return fmt.Errorf("latest %s: %w", key, err)
			}
			if !ok || (lastModifiedAt != nil && !rec.CreatedAt.After(*lastModifiedAt)) {
				return nil
			}
			res, err := f.rebuild.Reconstruct(gctx, key)
			if err != nil {
				return err
			}
			found[i] = &Latest{ObjectID: id, Version: res.LastVersion, State: res.State}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Latest, 0, len(found))
	for _, l := range found {
		if l != nil {
			out = append(out, *l)
		}
	}
	return out, nil
}

// ParseCursor reads a last_modified_at value: RFC 3339, else the date
// layout in the facade's zone. An empty string is no cursor.
func (f *Facade) ParseCursor(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(f.dateFormat, s, f.loc)
	if err != nil {
		return nil, activity.Validationf("show_latest", "invalid last_modified_at %q", s)
	}
	return &t, nil
}
