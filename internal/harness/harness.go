package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/bus"
	"github.com/roach88/activitylog/internal/ingest"
	"github.com/roach88/activitylog/internal/processor"
	"github.com/roach88/activitylog/internal/queue"
	"github.com/roach88/activitylog/internal/reconstruct"
	"github.com/roach88/activitylog/internal/store"
	"github.com/roach88/activitylog/internal/testutil"
)

// ErrSourceDown is what the source returns during source_down steps.
var ErrSourceDown = errors.New("source down")

// Harness holds the wiring of one scenario run.
type Harness struct {
	registry *activity.Registry
	store    *store.Store
	rebuild  *reconstruct.Reconstructor
	reader   *testutil.MapReader
	clock    *testutil.Clock
	bus      *bus.Bus
	jobs     *inlineQueue
	created  []activity.Created
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Step expectations and
// assertions that fail are reported in Result.Errors; an error return means
// the scenario could not be executed at all.
func Run(scenario *Scenario) (*Result, error) {
	reg, err := scenario.Registry()
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clock := testutil.NewClock(start)

	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		registry: reg,
		store:    st,
		rebuild:  reconstruct.New(st),
		reader:   testutil.NewMapReader(),
		clock:    clock,
		bus:      bus.New(),
		logger:   testutil.DiscardLogger(),
	}

	proc := processor.New(reg, st, h.rebuild, h.reader,
		processor.WithEmitter(h.bus),
		processor.WithVersionClock(processor.NewVersionClock(clock.Now)),
		processor.WithLogger(h.logger),
		processor.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	h.jobs = &inlineQueue{handler: proc.Handle}

	h.bus.Subscribe(bus.SubscriberFunc(h.recordCreated))
	h.bus.Subscribe(ingest.New(reg, h.jobs, ingest.WithLogger(h.logger)))

	ctx := context.Background()
	h.jobs.ctx = ctx

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	trace, err := h.buildTrace(ctx)
	if err != nil {
		return nil, fmt.Errorf("build trace: %w", err)
	}
	result.Trace = trace

	actx := &AssertionContext{Ctx: ctx, History: st, Rebuild: h.rebuild}
	for _, errMsg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func (h *Harness) recordCreated(_ context.Context, ev bus.Event) error {
	if ev.Name != activity.CreatedEventName {
		return nil
	}
	var c activity.Created
	if err := json.Unmarshal(ev.Payload, &c); err != nil {
		return err
	}
	h.created = append(h.created, c)
	return nil
}

func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	switch {
	case step.Source != nil:
		raw, err := json.Marshal(step.Source.State)
		if err != nil {
			return fmt.Errorf("source state: %w", err)
		}
		h.reader.Set(step.Source.ObjectType, step.Source.ObjectID, string(raw))
	case step.SourceDown > 0:
		h.reader.FailNext(step.SourceDown, ErrSourceDown)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
	case step.Event != "":
		return h.publish(ctx, index, step, result)
	}
	return nil
}

func (h *Harness) publish(ctx context.Context, index int, step Step, result *Result) error {
	payload, err := json.Marshal(step.Payload)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	h.jobs.reset()
	before := len(h.created)
	if err := h.bus.Publish(ctx, bus.Event{Name: step.Event, Payload: payload}); err != nil {
		return fmt.Errorf("publish %s: %w", step.Event, err)
	}
	appended := len(h.created) > before

	if step.Expect == nil {
		return nil
	}
	exp := step.Expect
	prefix := fmt.Sprintf("steps[%d] %s", index, step.Event)

	if exp.Appended != nil && *exp.Appended != appended {
		result.AddError(fmt.Sprintf("%s: expected appended=%t, got %t (job error: %v)", prefix, *exp.Appended, appended, h.jobs.last))
	}
	if exp.Version != 0 {
		switch {
		case !appended:
			result.AddError(fmt.Sprintf("%s: expected version %d, nothing appended (job error: %v)", prefix, exp.Version, h.jobs.last))
		case h.created[len(h.created)-1].Version != exp.Version:
			result.AddError(fmt.Sprintf("%s: expected version %d, got %d", prefix, exp.Version, h.created[len(h.created)-1].Version))
		}
	}
	if exp.Error != "" && !hasKind(h.jobs.last, activity.ErrorKind(exp.Error)) {
		result.AddError(fmt.Sprintf("%s: expected %s error, got %v", prefix, exp.Error, h.jobs.last))
	}
	return nil
}

func hasKind(err error, kind activity.ErrorKind) bool {
	var e *activity.Error
	return errors.As(err, &e) && e.Kind == kind
}

// buildTrace renders every created record in append order.
func (h *Harness) buildTrace(ctx context.Context) ([]TraceEvent, error) {
	trace := make([]TraceEvent, 0, len(h.created))
	for _, c := range h.created {
		key := activity.Key{ObjectType: c.ObjectType, ObjectID: c.ObjectID}
		records, err := h.store.ListThrough(ctx, key, c.Version)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 || records[len(records)-1].Version != c.Version {
			return nil, fmt.Errorf("%s v%d not found", key, c.Version)
		}
		rec := records[len(records)-1]

		ev := TraceEvent{
			Seq:        rec.ID,
			ObjectType: rec.ObjectType,
			ObjectID:   rec.ObjectID,
			Version:    rec.Version,
			Action:     rec.Action,
			ActorType:  rec.ActorType,
			ActorID:    rec.ActorID,
			Checkpoint: rec.IsCheckpoint(),
		}
		tt, err := h.registry.Lookup(rec.ObjectType)
		if err != nil {
			return nil, err
		}
		if tt.Mode == activity.ModeSnapshotDiff {
			res, err := reconstruct.Replay(key, records)
			if err != nil {
				return nil, err
			}
			ev.State = res.State
		} else {
			ev.Changes = rec.Changes
		}
		trace = append(trace, ev)
	}
	return trace, nil
}

// inlineQueue runs each job as soon as it is enqueued, retrying per its
// policy without waiting out the backoff.
type inlineQueue struct {
	ctx     context.Context
	handler queue.Handler[activity.Job]
	seq     int
	last    error
}

var _ ingest.Enqueuer = (*inlineQueue)(nil)

func (q *inlineQueue) reset() {
	q.last = nil
}

func (q *inlineQueue) Enqueue(key string, data activity.Job, policy queue.Policy) (queue.Job[activity.Job], error) {
	q.seq++
	job := queue.Job[activity.Job]{
		ID:     fmt.Sprintf("job-%d", q.seq),
		Key:    key,
		Data:   data,
		Policy: policy,
	}
	attempts := max(policy.Attempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		job.Attempt = attempt
		q.last = q.handler(q.ctx, job)
		if q.last == nil || queue.IsPermanent(q.last) {
			break
		}
	}
	return job, nil
}

// ledger returns every record of key.
func ledger(ctx context.Context, h History, key activity.Key) ([]activity.LogRecord, error) {
	return h.ListAll(ctx, key)
}
