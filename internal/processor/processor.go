// Package processor turns ingestion jobs into appended activity log records.
//
// Snapshot-diff types read the authoritative state, reconstruct the prior
// state from the ledger, and append the forward patch between them at the
// next sequential version. Opaque-payload types append the event's change
// set at a wall-clock-derived version.
//
// Both paths retry the whole cycle when the append loses a version race,
// re-reading every input on each attempt.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/patch"
	"github.com/roach88/activitylog/internal/queue"
	"github.com/roach88/activitylog/internal/reconstruct"
	"github.com/roach88/activitylog/internal/source"
)

// Store is the subset of the LogStore the processor writes through.
type Store interface {
	Append(ctx context.Context, rec activity.LogRecord) (activity.LogRecord, error)
	LatestByKey(ctx context.Context, key activity.Key) (activity.LogRecord, bool, error)
}

// Reconstructor rebuilds prior state.
type Reconstructor interface {
	Reconstruct(ctx context.Context, key activity.Key) (reconstruct.Result, error)
}

// Emitter publishes the created notification.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

// Config holds the processor's timing and retry budget.
type Config struct {
	ReaderTimeout   time.Duration
	StoreTimeout    time.Duration
	ConflictRetries int
	ConflictDelay   time.Duration
}

// DefaultConfig returns 2s reader timeout, 5s store timeout and
// 3 conflict retries 250ms apart.
func DefaultConfig() Config {
	return Config{
		ReaderTimeout:   2 * time.Second,
		StoreTimeout:    5 * time.Second,
		ConflictRetries: 3,
		ConflictDelay:   250 * time.Millisecond,
	}
}

// Processor executes jobs. Construct with New.
type Processor struct {
	registry *activity.Registry
	store    Store
	rebuild  Reconstructor
	reader   source.Reader
	emitter  Emitter
	clock    *VersionClock
	cfg      Config
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Processor.
type Option func(*Processor)

// WithEmitter sets where created notifications are published.
func WithEmitter(e Emitter) Option {
	return func(p *Processor) { p.emitter = e }
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(p *Processor) { p.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithVersionClock sets the clock for opaque-payload versions.
func WithVersionClock(c *VersionClock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithSleep overrides how the conflict delay is waited out.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = sleep }
}

// New returns a processor. reader may be nil when no snapshot-diff type is tracked.
func New(reg *activity.Registry, st Store, rebuild Reconstructor, reader source.Reader, opts ...Option) *Processor {
	p := &Processor{
		registry: reg,
		store:    st,
		rebuild:  rebuild,
		reader:   reader,
		clock:    NewVersionClock(nil),
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle is the queue handler. Replay, validation and exhausted conflict
// errors are permanent; source and store failures are retried by the queue.
func (p *Processor) Handle(ctx context.Context, job queue.Job[activity.Job]) error {
	log := p.logger.With(
		"job_id", job.ID,
		"object_type", job.Data.ObjectType,
		"object_id", job.Data.ObjectID,
		"attempt", job.Attempt,
	)
	rec, err := p.Process(ctx, job.Data)
	if err != nil {
		if activity.IsReplay(err) || activity.IsValidation(err) || activity.IsConstraintViolation(err) {
			return queue.Permanent(err)
		}
		return err
	}
	log.Debug("activity log appended", "version", rec.Version, "action", rec.Action)
	return nil
}

// Process runs one job to completion and returns the appended record.
func (p *Processor) Process(ctx context.Context, job activity.Job) (activity.LogRecord, error) {
	start := time.Now()
	ctx, span := startProcessSpan(ctx, job)
	defer span.End()

	tt, err := p.registry.Lookup(job.ObjectType)
	if err != nil {
		err = activity.Validationf("process", "%v", err)
		recordFailure(ctx, job.ObjectType, err, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return activity.LogRecord{}, err
	}

	var rec activity.LogRecord
	switch tt.Mode {
	case activity.ModeSnapshotDiff:
		rec, err = p.withConflictRetry(ctx, job, func(ctx context.Context) (activity.LogRecord, error) {
			return p.appendSnapshotDiff(ctx, tt, job)
		})
	default:
		rec, err = p.withConflictRetry(ctx, job, func(ctx context.Context) (activity.LogRecord, error) {
			return p.appendOpaque(ctx, job)
		})
	}
	if err != nil {
		recordFailure(ctx, job.ObjectType, err, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return activity.LogRecord{}, err
	}

	span.SetAttributes(
		attribute.Int64("activity.version", rec.Version),
		attribute.Bool("activity.checkpoint", rec.IsCheckpoint()),
	)
	recordAppended(ctx, rec, start)
	p.notify(ctx, rec)
	return rec, nil
}

// withConflictRetry re-runs attempt while it fails with a constraint
// violation, up to ConflictRetries extra tries.
func (p *Processor) withConflictRetry(
	ctx context.Context,
	job activity.Job,
	attempt func(ctx context.Context) (activity.LogRecord, error),
) (activity.LogRecord, error) {
	for try := 0; ; try++ {
		rec, err := attempt(ctx)
		if err == nil || !activity.IsConstraintViolation(err) {
			return rec, err
		}
		recordConflict(ctx, job.ObjectType)
		if try >= p.cfg.ConflictRetries {
			p.logger.Error("version conflict retries exhausted, dropping",
				"object_type", job.ObjectType,
				"object_id", job.ObjectID,
				"retries", p.cfg.ConflictRetries,
				"error", err,
			)
			return activity.LogRecord{}, err
		}
		p.logger.Warn("version conflict, retrying",
			"object_type", job.ObjectType,
			"object_id", job.ObjectID,
			"retry", try+1,
			"error", err,
		)
		if serr := p.sleep(ctx, p.cfg.ConflictDelay); serr != nil {
			return activity.LogRecord{}, serr
		}
	}
}

// appendSnapshotDiff is one read-reconstruct-diff-append cycle.
func (p *Processor) appendSnapshotDiff(ctx context.Context, tt activity.TrackedType, job activity.Job) (activity.LogRecord, error) {
	key := job.Key()

	current, err := p.readSource(ctx, key)
	if err != nil {
		return activity.LogRecord{}, err
	}

	prior, err := p.rebuild.Reconstruct(ctx, key)
	if err != nil {
		return activity.LogRecord{}, err
	}

	changes, err := patch.Diff(prior.State, current)
	if err != nil {
		return activity.LogRecord{}, fmt.Errorf("diff %s: %w", key, err)
	}
	raw, err := changes.Encode()
	if err != nil {
		return activity.LogRecord{}, fmt.Errorf("encode patch %s: %w", key, err)
	}

	rec := newRecord(job)
	rec.Version = prior.NextVersion
	rec.Changes = raw
	if tt.IsCheckpoint(rec.Version) {
		rec.Snapshot = current
	}
	return p.appendRecord(ctx, rec)
}

// appendOpaque is one version-assign-append cycle for opaque payloads.
func (p *Processor) appendOpaque(ctx context.Context, job activity.Job) (activity.LogRecord, error) {
	changes, err := OpaqueChanges(job.Payload)
	if err != nil {
		return activity.LogRecord{}, err
	}

	floor := int64(1)
	latest, ok, err := p.latest(ctx, job.Key())
	if err != nil {
		return activity.LogRecord{}, err
	}
	if ok {
		floor = latest.Version + 1
	}

	rec := newRecord(job)
	rec.Version = p.clock.Next(floor)
	rec.Changes = changes
	return p.appendRecord(ctx, rec)
}

// OpaqueChanges selects the stored change set of an opaque-payload event:
// explicit changes, else a structural diff of before/after, else the object.
func OpaqueChanges(pl activity.Payload) (json.RawMessage, error) {
	switch {
	case present(pl.Changes):
		return activity.Canonical(pl.Changes)
	case present(pl.Before) || present(pl.After):
		return patch.Structural(pl.Before, pl.After)
	case present(pl.Object):
		return activity.Canonical(pl.Object)
	}
	return nil, activity.Validationf("process", "opaque payload carries no changes, before/after or object")
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && string(trimmed) != "null"
}

func newRecord(job activity.Job) activity.LogRecord {
	return activity.LogRecord{
		ObjectType: job.ObjectType,
		ObjectID:   job.ObjectID,
		ActorID:    job.Payload.ActorID,
		ActorType:  job.Payload.ActorType,
		Action:     job.Action,
		Note:       job.Payload.Note,
	}
}

func (p *Processor) readSource(ctx context.Context, key activity.Key) (json.RawMessage, error) {
	if p.reader == nil {
		return nil, activity.NewSourceUnavailable(key, fmt.Errorf("no source reader configured"))
	}
	readCtx, cancel := withTimeout(ctx, p.cfg.ReaderTimeout)
	defer cancel()

	state, err := p.reader.Read(readCtx, key.ObjectType, key.ObjectID)
	if err != nil {
		return nil, activity.NewSourceUnavailable(key, err)
	}
	canonical, err := activity.Canonical(state)
	if err != nil {
		return nil, activity.NewSourceUnavailable(key, err)
	}
	return canonical, nil
}

func (p *Processor) latest(ctx context.Context, key activity.Key) (activity.LogRecord, bool, error) {
	storeCtx, cancel := withTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	return p.store.LatestByKey(storeCtx, key)
}

func (p *Processor) appendRecord(ctx context.Context, rec activity.LogRecord) (activity.LogRecord, error) {
	storeCtx, cancel := withTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	return p.store.Append(storeCtx, rec)
}

// notify publishes the created event. Failures are logged, never returned:
// the record is already durable.
func (p *Processor) notify(ctx context.Context, rec activity.LogRecord) {
	if p.emitter == nil {
		return
	}
	err := p.emitter.Emit(ctx, activity.CreatedEventName, activity.Created{
		ObjectType: rec.ObjectType,
		ObjectID:   rec.ObjectID,
		Action:     rec.Action,
		Version:    rec.Version,
	})
	if err != nil {
		p.logger.Warn("created notification failed",
			"object_type", rec.ObjectType,
			"object_id", rec.ObjectID,
			"version", rec.Version,
			"error", err,
		)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
