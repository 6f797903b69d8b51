package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/bus"
	"github.com/roach88/activitylog/internal/patch"
	"github.com/roach88/activitylog/internal/queue"
	"github.com/roach88/activitylog/internal/reconstruct"
	"github.com/roach88/activitylog/internal/store"
	"github.com/roach88/activitylog/internal/testutil"
)

var propertyKey = activity.Key{ObjectType: "property", ObjectID: 1}

func testRegistry(t *testing.T) *activity.Registry {
	t.Helper()
	reg, err := activity.NewRegistry(
		activity.TrackedType{ObjectType: "property", Mode: activity.ModeSnapshotDiff, Source: "props", CheckpointInterval: 10},
		activity.TrackedType{ObjectType: "calendar", Mode: activity.ModeOpaquePayload, ObjectIDField: "accommodation_id"},
		activity.TrackedType{ObjectType: "booking", Mode: activity.ModeOpaquePayload},
	)
	require.NoError(t, err)
	return reg
}

type fixture struct {
	store   *store.Store
	reader  *testutil.MapReader
	rebuild *reconstruct.Reconstructor
	proc    *Processor
	slept   []time.Duration
	mu      sync.Mutex
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.OpenStore(t),
		reader: testutil.NewMapReader(),
	}
	f.rebuild = reconstruct.New(f.store)
	base := []Option{
		WithLogger(testutil.DiscardLogger()),
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.mu.Lock()
			f.slept = append(f.slept, d)
			f.mu.Unlock()
			return nil
		}),
	}
	f.proc = New(testRegistry(t), f.store, f.rebuild, f.reader, append(base, opts...)...)
	return f
}

func propertyJob(action string) activity.Job {
	actor := int64(42)
	return activity.Job{
		EventName:  "property." + action,
		ObjectType: "property",
		ObjectID:   1,
		Action:     action,
		Mode:       activity.ModeSnapshotDiff,
		Payload:    activity.Payload{ActorID: &actor, ActorType: activity.ActorAdmin, ObjectID: 1},
	}
}

func decodeOps(t *testing.T, raw json.RawMessage) []map[string]any {
	t.Helper()
	var ops []map[string]any
	require.NoError(t, json.Unmarshal(raw, &ops))
	return ops
}

func TestProcess_CreatedThenUpdated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reader.Set("property", 1, `{"id":1,"name":{"en":"Fort"}}`)
	rec, err := f.proc.Process(ctx, propertyJob("created"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "created", rec.Action)
	assert.Nil(t, rec.Snapshot)
	assert.ElementsMatch(t, []map[string]any{
		{"op": "add", "path": "/id", "value": float64(1)},
		{"op": "add", "path": "/name", "value": map[string]any{"en": "Fort"}},
	}, decodeOps(t, rec.Changes))

	f.reader.Set("property", 1, `{"id":1,"name":{"en":"Citadel"}}`)
	rec, err = f.proc.Process(ctx, propertyJob("updated"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), rec.Version)
	assert.JSONEq(t, `[{"op":"replace","path":"/name/en","value":"Citadel"}]`, string(rec.Changes))
	require.NotNil(t, rec.ActorID)
	assert.Equal(t, int64(42), *rec.ActorID)

	res, err := f.rebuild.Reconstruct(ctx, propertyKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"name":{"en":"Citadel"}}`, string(res.State))
}

func TestProcess_KeepsSourceStringsVerbatim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Decomposed: "e" plus a combining acute accent.
	f.reader.Set("property", 1, "{\"id\":1,\"name\":\"Cafe\u0301\"}")
	_, err := f.proc.Process(ctx, propertyJob("created"))
	require.NoError(t, err)

	res, err := f.rebuild.Reconstruct(ctx, propertyKey)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1,\"name\":\"Cafe\u0301\"}", string(res.State))

	// Switching to the precomposed form is a real change.
	f.reader.Set("property", 1, "{\"id\":1,\"name\":\"Caf\u00e9\"}")
	rec, err := f.proc.Process(ctx, propertyJob("updated"))
	require.NoError(t, err)
	assert.Equal(t, "[{\"op\":\"replace\",\"path\":\"/name\",\"value\":\"Caf\u00e9\"}]", string(rec.Changes))
}

func TestProcess_UnchangedStateWritesEmptyPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reader.Set("property", 1, `{"id":1}`)
	_, err := f.proc.Process(ctx, propertyJob("created"))
	require.NoError(t, err)

	rec, err := f.proc.Process(ctx, propertyJob("viewed"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, "[]", string(rec.Changes))
}

func TestProcess_CheckpointEveryTenthVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for v := 1; v <= 21; v++ {
		state := fmt.Sprintf(`{"id":1,"name":{"en":"Fort %d"}}`, v)
		f.reader.Set("property", 1, state)

		rec, err := f.proc.Process(ctx, propertyJob("updated"))
		require.NoError(t, err)
		require.Equal(t, int64(v), rec.Version)

		if v%10 == 0 {
			require.NotNil(t, rec.Snapshot, "version %d", v)
			assert.JSONEq(t, state, string(rec.Snapshot))
			assert.NotEmpty(t, decodeOps(t, rec.Changes), "checkpoint still carries changes")
		} else {
			assert.Nil(t, rec.Snapshot, "version %d", v)
		}

		res, err := f.rebuild.Reconstruct(ctx, propertyKey)
		require.NoError(t, err)
		assert.JSONEq(t, state, string(res.State), "version %d", v)
	}

	page, err := f.store.Query(ctx, activity.Filter{ObjectType: "property"}, 1, 100)
	require.NoError(t, err)
	for i, rec := range page.Data {
		assert.Equal(t, int64(i+1), rec.Version, "no gaps")
		assert.Equal(t, rec.Version%10 == 0, rec.IsCheckpoint(), "version %d", rec.Version)
	}
}

// racingStore runs a competing job inside the first Append, so the
// outer append loses the version race deterministically.
type racingStore struct {
	*store.Store
	once    sync.Once
	compete func()
}

func (r *racingStore) Append(ctx context.Context, rec activity.LogRecord) (activity.LogRecord, error) {
	r.once.Do(r.compete)
	return r.Store.Append(ctx, rec)
}

func TestProcess_OptimisticRetryConvergesToConsecutiveVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reader.Set("property", 1, `{"id":1,"name":{"en":"Fort"}}`)
	_, err := f.proc.Process(ctx, propertyJob("created"))
	require.NoError(t, err)

	// The competitor writes through the plain store.
	competitor := New(testRegistry(t), f.store, f.rebuild, f.reader, WithLogger(testutil.DiscardLogger()))

	racing := &racingStore{Store: f.store}
	racing.compete = func() {
		f.reader.Set("property", 1, `{"id":1,"name":{"en":"Citadel"}}`)
		rec, err := competitor.Process(ctx, propertyJob("updated"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)
		f.reader.Set("property", 1, `{"id":1,"name":{"en":"Keep"}}`)
	}
	var slept []time.Duration
	proc := New(testRegistry(t), racing, reconstruct.New(racing), f.reader,
		WithLogger(testutil.DiscardLogger()),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)

	rec, err := proc.Process(ctx, propertyJob("updated"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)
	assert.JSONEq(t, `[{"op":"replace","path":"/name/en","value":"Keep"}]`, string(rec.Changes))
	assert.Equal(t, []time.Duration{DefaultConfig().ConflictDelay}, slept, "retried exactly once")

	page, err := f.store.Query(ctx, activity.Filter{ObjectType: "property"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	for i, r := range page.Data {
		assert.Equal(t, int64(i+1), r.Version)
	}
}

func TestProcess_ConcurrentAttemptsNoGapsNoDuplicates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConflictRetries = 20
	cfg.ConflictDelay = 0
	f := newFixture(t, WithConfig(cfg))
	ctx := context.Background()
	f.reader.Set("property", 1, `{"id":1}`)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.proc.Process(ctx, propertyJob("updated"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	page, err := f.store.Query(ctx, activity.Filter{ObjectType: "property"}, 1, 100)
	require.NoError(t, err)
	require.Len(t, page.Data, n)
	seen := map[int64]bool{}
	for _, r := range page.Data {
		seen[r.Version] = true
	}
	for v := int64(1); v <= n; v++ {
		assert.True(t, seen[v], "missing version %d", v)
	}
}

// conflictStore rejects every append as a version collision.
type conflictStore struct {
	*store.Store
	calls int
}

func (c *conflictStore) Append(_ context.Context, rec activity.LogRecord) (activity.LogRecord, error) {
	c.calls++
	return activity.LogRecord{}, activity.NewConstraintViolation(rec.Key(), rec.Version, errors.New("UNIQUE constraint failed"))
}

func TestProcess_ConflictRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.reader.Set("property", 1, `{"id":1}`)
	cs := &conflictStore{Store: f.store}
	proc := New(testRegistry(t), cs, f.rebuild, f.reader,
		WithLogger(testutil.DiscardLogger()),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)

	_, err := proc.Process(context.Background(), propertyJob("updated"))
	require.Error(t, err)
	assert.True(t, activity.IsConstraintViolation(err))
	assert.Equal(t, DefaultConfig().ConflictRetries+1, cs.calls)
	assert.Equal(t, DefaultConfig().ConflictRetries+1, f.reader.Calls(), "each retry re-reads the source")

	err = proc.Handle(context.Background(), queue.Job[activity.Job]{Data: propertyJob("updated")})
	assert.True(t, queue.IsPermanent(err))
}

func TestProcess_SourceUnavailableWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reader.FailNext(1, errors.New("connection refused"))
	_, err := f.proc.Process(ctx, propertyJob("updated"))
	require.Error(t, err)
	assert.True(t, activity.IsSourceUnavailable(err))

	// Unknown object in the source is also unavailable.
	_, err = f.proc.Process(ctx, propertyJob("updated"))
	assert.True(t, activity.IsSourceUnavailable(err))

	_, ok, err := f.store.LatestByKey(ctx, propertyKey)
	require.NoError(t, err)
	assert.False(t, ok)

	f.reader.FailNext(1, errors.New("connection refused"))
	err = f.proc.Handle(ctx, queue.Job[activity.Job]{Data: propertyJob("updated")})
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err), "source failures are retried by the queue")
}

func TestProcess_ReaderTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReaderTimeout = 10 * time.Millisecond
	st := testutil.OpenStore(t)
	slow := readerFunc(func(ctx context.Context, _ string, _ int64) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	proc := New(testRegistry(t), st, reconstruct.New(st), slow,
		WithConfig(cfg), WithLogger(testutil.DiscardLogger()))

	_, err := proc.Process(context.Background(), propertyJob("updated"))
	require.Error(t, err)
	assert.True(t, activity.IsSourceUnavailable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type readerFunc func(ctx context.Context, objectType string, objectID int64) (json.RawMessage, error)

func (f readerFunc) Read(ctx context.Context, objectType string, objectID int64) (json.RawMessage, error) {
	return f(ctx, objectType, objectID)
}

func TestProcess_CorruptHistoryIsReplayError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Append(ctx, activity.LogRecord{
		ObjectType: "property", ObjectID: 1, ActorType: activity.ActorSystem,
		Action: "updated", Version: 1,
		Changes: json.RawMessage(`[{"op":"replace","path":"/ghost","value":1}]`),
	})
	require.NoError(t, err)
	f.reader.Set("property", 1, `{"id":1}`)

	_, err = f.proc.Process(ctx, propertyJob("updated"))
	assert.True(t, activity.IsReplay(err), "got %v", err)

	err = f.proc.Handle(ctx, queue.Job[activity.Job]{Data: propertyJob("updated")})
	assert.True(t, queue.IsPermanent(err))
}

func TestProcess_UntrackedTypeIsValidation(t *testing.T) {
	f := newFixture(t)
	job := propertyJob("updated")
	job.ObjectType = "invoice"

	_, err := f.proc.Process(context.Background(), job)
	assert.True(t, activity.IsValidation(err))
}

func TestProcess_EmitsCreated(t *testing.T) {
	b := bus.New()
	var got []bus.Event
	b.Subscribe(bus.SubscriberFunc(func(_ context.Context, ev bus.Event) error {
		got = append(got, ev)
		return nil
	}))
	f := newFixture(t, WithEmitter(b))
	f.reader.Set("property", 1, `{"id":1}`)

	_, err := f.proc.Process(context.Background(), propertyJob("created"))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, activity.CreatedEventName, got[0].Name)
	assert.JSONEq(t, `{"object_type":"property","object_id":1,"action":"created","version":1}`, string(got[0].Payload))
}

func TestProcess_EmitFailureDoesNotFailJob(t *testing.T) {
	b := bus.New()
	b.Subscribe(bus.SubscriberFunc(func(context.Context, bus.Event) error {
		return errors.New("subscriber down")
	}))
	f := newFixture(t, WithEmitter(b))
	f.reader.Set("property", 1, `{"id":1}`)

	rec, err := f.proc.Process(context.Background(), propertyJob("created"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestProcess_OpaqueCalendarObject(t *testing.T) {
	at := time.UnixMilli(1_590_000_000_000)
	f := newFixture(t, WithVersionClock(NewVersionClock(func() time.Time { return at })))
	ctx := context.Background()

	job := activity.Job{
		EventName:  "calendar.updated",
		ObjectType: "calendar",
		ObjectID:   77,
		Action:     "updated",
		Mode:       activity.ModeOpaquePayload,
		Payload: activity.Payload{
			ActorType: activity.ActorHost,
			Object:    json.RawMessage(`{"accommodation_id":77,"date":"2020-06-01","available":false}`),
		},
	}
	rec, err := f.proc.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(1_590_000_000_000), rec.Version)
	assert.JSONEq(t, string(job.Payload.Object), string(rec.Changes))
	assert.Nil(t, rec.Snapshot)

	// Same millisecond: still strictly increasing.
	rec2, err := f.proc.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, rec.Version+1, rec2.Version)
	assert.Zero(t, f.reader.Calls(), "opaque types never read the source")
}

func TestProcess_OpaqueVersionAboveStoredLatest(t *testing.T) {
	at := time.UnixMilli(1000)
	f := newFixture(t, WithVersionClock(NewVersionClock(func() time.Time { return at })))
	ctx := context.Background()

	// A version written by another process with a clock far ahead.
	_, err := f.store.Append(ctx, activity.LogRecord{
		ObjectType: "booking", ObjectID: 5, ActorType: activity.ActorSystem,
		Action: "created", Version: 9_000, Changes: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	rec, err := f.proc.Process(ctx, activity.Job{
		ObjectType: "booking", ObjectID: 5, Action: "paid", Mode: activity.ModeOpaquePayload,
		Payload: activity.Payload{
			ActorType: activity.ActorUser,
			Before:    json.RawMessage(`{"status":"pending"}`),
			After:     json.RawMessage(`{"status":"paid"}`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9_001), rec.Version)
	assert.JSONEq(t, `{"status":{"before":"pending","after":"paid"}}`, string(rec.Changes))
}

// latestCounter counts LatestByKey reads on top of a racingStore.
type latestCounter struct {
	*racingStore
	reads int
}

func (c *latestCounter) LatestByKey(ctx context.Context, key activity.Key) (activity.LogRecord, bool, error) {
	c.reads++
	return c.racingStore.LatestByKey(ctx, key)
}

func bookingJob(status string) activity.Job {
	return activity.Job{
		EventName: "booking.updated", ObjectType: "booking", ObjectID: 5, Action: "updated",
		Mode: activity.ModeOpaquePayload,
		Payload: activity.Payload{
			ActorType: activity.ActorUser,
			Before:    json.RawMessage(`{"status":"pending"}`),
			After:     json.RawMessage(fmt.Sprintf(`{"status":%q}`, status)),
		},
	}
}

func TestProcess_OpaqueConflictRetryRereadsLatest(t *testing.T) {
	at := time.UnixMilli(1_590_000_000_000)
	frozen := func() time.Time { return at }
	f := newFixture(t)
	ctx := context.Background()

	// Both processes issue versions from their own clock stuck on the same
	// millisecond.
	competitor := New(testRegistry(t), f.store, f.rebuild, nil,
		WithLogger(testutil.DiscardLogger()),
		WithVersionClock(NewVersionClock(frozen)),
	)
	racing := &racingStore{Store: f.store}
	racing.compete = func() {
		rec, err := competitor.Process(ctx, bookingJob("paid"))
		require.NoError(t, err)
		assert.Equal(t, at.UnixMilli(), rec.Version)
	}
	counter := &latestCounter{racingStore: racing}

	var slept []time.Duration
	proc := New(testRegistry(t), counter, reconstruct.New(f.store), nil,
		WithLogger(testutil.DiscardLogger()),
		WithVersionClock(NewVersionClock(frozen)),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)

	rec, err := proc.Process(ctx, bookingJob("cancelled"))
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli()+1, rec.Version, "lands on latest+1")
	assert.JSONEq(t, `{"status":{"before":"pending","after":"cancelled"}}`, string(rec.Changes))
	assert.Equal(t, 2, counter.reads, "latest re-read after the conflict")
	assert.Equal(t, []time.Duration{DefaultConfig().ConflictDelay}, slept, "retried exactly once")

	page, err := f.store.Query(ctx, activity.Filter{ObjectType: "booking"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, at.UnixMilli(), page.Data[0].Version)
	assert.Equal(t, at.UnixMilli()+1, page.Data[1].Version)
}

func TestOpaqueChanges(t *testing.T) {
	got, err := OpaqueChanges(activity.Payload{Changes: json.RawMessage(`{"status":{"before":"a","after":"b"}}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":{"before":"a","after":"b"}}`, string(got))

	_, err = OpaqueChanges(activity.Payload{Changes: json.RawMessage(`null`)})
	assert.True(t, activity.IsValidation(err))
}

func TestSeed_WritesBootstrapCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reader.Set("property", 1, `{"id":1,"name":{"en":"Fort"}}`)
	_, err := f.proc.Process(ctx, propertyJob("created"))
	require.NoError(t, err)

	rec, err := f.proc.Seed(ctx, propertyKey, json.RawMessage(`{"id":1,"name":{"en":"Fort"},"rooms":4}`), activity.Payload{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, SeedAction, rec.Action)
	assert.Equal(t, activity.ActorSystem, rec.ActorType)
	assert.JSONEq(t, `{"id":1,"name":{"en":"Fort"},"rooms":4}`, string(rec.Snapshot))
	assert.JSONEq(t, `[{"op":"add","path":"/rooms","value":4}]`, string(rec.Changes))

	res, err := f.rebuild.Reconstruct(ctx, propertyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Checkpoint)
}

func TestSeed_ReadsSourceWhenStateOmitted(t *testing.T) {
	f := newFixture(t)
	f.reader.Set("property", 1, `{"id":1}`)

	rec, err := f.proc.Seed(context.Background(), propertyKey, nil, activity.Payload{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.JSONEq(t, `{"id":1}`, string(rec.Snapshot))
}

func TestSeed_RejectsOpaqueTypes(t *testing.T) {
	f := newFixture(t)
	_, err := f.proc.Seed(context.Background(), activity.Key{ObjectType: "booking", ObjectID: 1}, json.RawMessage(`{}`), activity.Payload{})
	assert.True(t, activity.IsValidation(err))
}

func TestRoundTripMatchesAuthoritativeStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	states := []string{
		`{"id":1}`,
		`{"id":1,"tags":["a"]}`,
		`{"id":1,"tags":["a","b"],"owner":{"name":"An"}}`,
		`{"id":1,"tags":["b"],"owner":{"name":"Binh","phone":null}}`,
		`{"id":1,"owner":{"name":"Binh"}}`,
	}
	for _, st := range states {
		f.reader.Set("property", 1, st)
		_, err := f.proc.Process(ctx, propertyJob("updated"))
		require.NoError(t, err)
	}

	page, err := f.store.Query(ctx, activity.Filter{}, 1, 100)
	require.NoError(t, err)

	state := json.RawMessage(`{}`)
	for i, rec := range page.Data {
		state, err = patch.ApplyRaw(state, rec.Changes)
		require.NoError(t, err)
		assert.JSONEq(t, states[i], string(state))
	}
}
