// Package ingest turns bus events into queued ingestion jobs.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/bus"
	"github.com/roach88/activitylog/internal/queue"
)

// ErrMalformed marks an event of a tracked type whose payload cannot be
// turned into a job.
var ErrMalformed = errors.New("malformed event payload")

// Enqueuer is where jobs go. *queue.Queue[activity.Job] implements it.
type Enqueuer interface {
	Enqueue(key string, data activity.Job, policy queue.Policy) (queue.Job[activity.Job], error)
}

// Ingestor is a bus subscriber feeding the job queue.
type Ingestor struct {
	registry *activity.Registry
	queue    Enqueuer
	policy   queue.Policy
	logger   *slog.Logger
}

var _ bus.Subscriber = (*Ingestor)(nil)

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithPolicy overrides queue.DefaultPolicy for enqueued jobs.
func WithPolicy(p queue.Policy) Option {
	return func(i *Ingestor) { i.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) { i.logger = l }
}

// New returns an Ingestor enqueuing onto q.
func New(reg *activity.Registry, q Enqueuer, opts ...Option) *Ingestor {
	i := &Ingestor{
		registry: reg,
		queue:    q,
		policy:   queue.DefaultPolicy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// HandleEvent enqueues a job for ev. Events of untracked types are ignored
// and malformed payloads are logged and skipped; only a refused enqueue is
// returned.
func (i *Ingestor) HandleEvent(ctx context.Context, ev bus.Event) error {
	job, ok, err := i.Job(ev)
	if err != nil {
		i.logger.WarnContext(ctx, "skipping malformed event", "event", ev.Name, "error", err)
		return nil
	}
	if !ok {
		i.logger.DebugContext(ctx, "ignoring untracked event", "event", ev.Name)
		return nil
	}

	queued, err := i.queue.Enqueue(job.Key().String(), job, i.policy)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.Name, err)
	}
	i.logger.DebugContext(ctx, "event enqueued",
		"event", ev.Name,
		"job_id", queued.ID,
		"object_type", job.ObjectType,
		"object_id", job.ObjectID,
	)
	return nil
}

// Job builds the ingestion job for ev. ok is false for events whose object
// type is not tracked. Errors wrap ErrMalformed.
func (i *Ingestor) Job(ev bus.Event) (activity.Job, bool, error) {
	objectType, action, ok := ev.Split()
	if !ok {
		return activity.Job{}, false, nil
	}
	tt, err := i.registry.Lookup(objectType)
	if err != nil {
		return activity.Job{}, false, nil
	}

	var pl activity.Payload
	if err := json.Unmarshal(ev.Payload, &pl); err != nil {
		return activity.Job{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := activity.ValidateStruct(pl); err != nil {
		return activity.Job{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id, err := ObjectID(tt, pl)
	if err != nil {
		return activity.Job{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if tt.Mode == activity.ModeOpaquePayload && !carriesChange(pl) {
		return activity.Job{}, false, fmt.Errorf("%w: no changes, before/after or object", ErrMalformed)
	}

	return activity.Job{
		EventName:  ev.Name,
		ObjectType: objectType,
		ObjectID:   id,
		Action:     action,
		Mode:       tt.Mode,
		Payload:    pl,
	}, true, nil
}

// ObjectID resolves the aggregate id of an event: payload.object_id, else
// object[tt.ObjectIDField], else object.id.
func ObjectID(tt activity.TrackedType, pl activity.Payload) (int64, error) {
	if pl.ObjectID > 0 {
		return pl.ObjectID, nil
	}
	if len(pl.Object) == 0 {
		return 0, fmt.Errorf("object id missing")
	}

	dec := json.NewDecoder(bytes.NewReader(pl.Object))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return 0, fmt.Errorf("object: %v", err)
	}

	fields := []string{tt.ObjectIDField}
	if tt.ObjectIDField != "id" {
		fields = append(fields, "id")
	}
	for _, f := range fields {
		v, ok := obj[f]
		if !ok || v == nil {
			continue
		}
		id, err := parseID(v)
		if err != nil {
			return 0, fmt.Errorf("object.%s: %v", f, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("object id missing")
}

func parseID(v any) (int64, error) {
	var (
		id  int64
		err error
	)
	switch t := v.(type) {
	case json.Number:
		id, err = t.Int64()
	case string:
		id, err = strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported id %v", v)
	}
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive, got %d", id)
	}
	return id, nil
}

func carriesChange(pl activity.Payload) bool {
	for _, raw := range []json.RawMessage{pl.Changes, pl.Before, pl.After, pl.Object} {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && string(trimmed) != "null" {
			return true
		}
	}
	return false
}
