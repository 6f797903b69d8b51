package query

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/processor"
	"github.com/roach88/activitylog/internal/reconstruct"
	"github.com/roach88/activitylog/internal/store"
	"github.com/roach88/activitylog/internal/testutil"
)

var day = time.Date(2020, 5, 19, 10, 0, 0, 0, time.UTC)

// untouchedStore fails the test on any access.
type untouchedStore struct{ t *testing.T }

func (s untouchedStore) Query(context.Context, activity.Filter, int, int) (activity.Page, error) {
	s.t.Fatal("store queried")
	return activity.Page{}, nil
}

func (s untouchedStore) LatestByKey(context.Context, activity.Key) (activity.LogRecord, bool, error) {
	s.t.Fatal("store queried")
	return activity.LogRecord{}, false, nil
}

func hcm(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		t.Skipf("zone database unavailable: %v", err)
	}
	return loc
}

func TestList_ValidationBeforeStoreAccess(t *testing.T) {
	f := New(activity.DefaultRegistry(), untouchedStore{t}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		p    ListParams
	}{
		{"from equals to", ListParams{From: "2020-05-19", To: "2020-05-19"}},
		{"from after to", ListParams{From: "2020-05-20", To: "2020-05-19"}},
		{"unparsable from", ListParams{From: "19/05/2020", To: "2020-05-20"}},
		{"unparsable to", ListParams{From: "2020-05-19", To: "tomorrow"}},
		{"missing from", ListParams{To: "2020-05-20"}},
		{"negative page", ListParams{From: "2020-05-19", To: "2020-05-20", Page: -1}},
		{"per page too large", ListParams{From: "2020-05-19", To: "2020-05-20", PerPage: 101}},
		{"unknown actor type", ListParams{From: "2020-05-19", To: "2020-05-20", ActorType: "robot"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.List(ctx, tt.p)
			require.Error(t, err)
			assert.True(t, activity.IsValidation(err), "got %v", err)
		})
	}
}

func appendAt(t *testing.T, st *store.Store, clock *testutil.Clock, at time.Time, rec activity.LogRecord) {
	t.Helper()
	clock.Set(at)
	_, err := st.Append(context.Background(), rec)
	require.NoError(t, err)
}

func record(objectType string, objectID, version int64, action string) activity.LogRecord {
	return activity.LogRecord{
		ObjectType: objectType,
		ObjectID:   objectID,
		ActorType:  activity.ActorAdmin,
		Action:     action,
		Version:    version,
		Changes:    json.RawMessage(`[]`),
	}
}

func TestList_RangeInConfiguredZone(t *testing.T) {
	loc := hcm(t)
	clock := testutil.NewClock(day)
	st := testutil.OpenStore(t, store.WithClock(clock.Now))
	f := New(activity.DefaultRegistry(), st, reconstruct.New(st), WithLocation(loc))

	// 2020-05-19 in Ho Chi Minh City is [2020-05-18 17:00, 2020-05-19 17:00) UTC.
	appendAt(t, st, clock, time.Date(2020, 5, 18, 16, 59, 0, 0, time.UTC), record("property", 1, 1, "created"))
	appendAt(t, st, clock, time.Date(2020, 5, 18, 17, 0, 0, 0, time.UTC), record("property", 1, 2, "updated"))
	appendAt(t, st, clock, day, record("property", 2, 1, "created"))
	appendAt(t, st, clock, time.Date(2020, 5, 19, 17, 0, 0, 0, time.UTC), record("property", 1, 3, "updated"))
	appendAt(t, st, clock, time.Date(2020, 5, 19, 17, 0, 1, 0, time.UTC), record("property", 1, 4, "updated"))

	page, err := f.List(context.Background(), ListParams{From: "2020-05-19", To: "2020-05-20"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), page.Total, "both bounds inclusive")
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, DefaultPerPage, page.PerPage)
	var versions []string
	for _, r := range page.Data {
		versions = append(versions, fmt.Sprintf("%d@%d", r.ObjectID, r.Version))
	}
	assert.Equal(t, []string{"1@2", "2@1", "1@3"}, versions)
}

func TestList_FiltersAndPages(t *testing.T) {
	clock := testutil.NewClock(day)
	st := testutil.OpenStore(t, store.WithClock(clock.Now))
	f := New(activity.DefaultRegistry(), st, reconstruct.New(st), WithLocation(time.UTC))

	for v := int64(1); v <= 5; v++ {
		appendAt(t, st, clock, day, record("property", 7, v, "updated"))
	}
	appendAt(t, st, clock, day, record("property", 8, 1, "created"))
	hostRec := record("calendar", 7, 1_590_000_000_000, "blocked")
	hostRec.ActorType = activity.ActorHost
	appendAt(t, st, clock, day, hostRec)

	ctx := context.Background()
	id := int64(7)
	page, err := f.List(ctx, ListParams{
		ObjectType: "property", ObjectID: &id, Action: "updated",
		From: "2020-05-19", To: "2020-05-20", Page: 2, PerPage: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	require.Len(t, page.Data, 2)
	assert.Equal(t, int64(3), page.Data[0].Version)
	assert.Equal(t, int64(4), page.Data[1].Version)

	page, err = f.List(ctx, ListParams{ActorType: activity.ActorHost, From: "2020-05-19", To: "2020-05-20"})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "calendar", page.Data[0].ObjectType)

	page, err = f.List(ctx, ListParams{From: "2020-05-20", To: "2020-05-21"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Data)
}

type latestFixture struct {
	clock  *testutil.Clock
	reader *testutil.MapReader
	proc   *processor.Processor
	facade *Facade
}

func newLatestFixture(t *testing.T) *latestFixture {
	t.Helper()
	clock := testutil.NewClock(day)
	st := testutil.OpenStore(t, store.WithClock(clock.Now))
	rebuild := reconstruct.New(st)
	reader := testutil.NewMapReader()
	reg := activity.DefaultRegistry()
	return &latestFixture{
		clock:  clock,
		reader: reader,
		proc:   processor.New(reg, st, rebuild, reader, processor.WithLogger(testutil.DiscardLogger())),
		facade: New(reg, st, rebuild, WithLocation(time.UTC)),
	}
}

func (f *latestFixture) emit(t *testing.T, id int64, state string) {
	t.Helper()
	f.reader.Set("property", id, state)
	_, err := f.proc.Process(context.Background(), activity.Job{
		ObjectType: "property", ObjectID: id, Action: "updated", Mode: activity.ModeSnapshotDiff,
		Payload: activity.Payload{ActorType: activity.ActorAdmin, ObjectID: id},
	})
	require.NoError(t, err)
}

func TestShowLatest_CreatedThenUpdatedSinceYesterday(t *testing.T) {
	f := newLatestFixture(t)
	f.emit(t, 1, `{"id":1,"name":{"en":"Fort"}}`)
	f.emit(t, 1, `{"id":1,"name":{"en":"Citadel"}}`)

	yesterday := day.AddDate(0, 0, -1)
	got, err := f.facade.ShowLatest(context.Background(), "property", []int64{1}, &yesterday)
	require.NoError(t, err)

	out, err := activity.MarshalCanonical(got)
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "show_latest_since_yesterday", append(out, '\n'))
}

func TestShowLatest_CursorOrderAndHistory(t *testing.T) {
	f := newLatestFixture(t)
	ctx := context.Background()

	f.emit(t, 1, `{"id":1}`)
	f.clock.Advance(time.Hour)
	f.emit(t, 2, `{"id":2}`)
	f.emit(t, 3, `{"id":3,"v":1}`)
	f.emit(t, 3, `{"id":3,"v":2}`)

	got, err := f.facade.ShowLatestDetailed(ctx, "property", []int64{3, 99, 1, 2, 3}, nil)
	require.NoError(t, err)
	require.Len(t, got, 3, "duplicates collapsed, unknown ids omitted")
	assert.Equal(t, int64(3), got[0].ObjectID)
	assert.Equal(t, int64(2), got[0].Version)
	assert.JSONEq(t, `{"id":3,"v":2}`, string(got[0].State))
	assert.Equal(t, int64(1), got[1].ObjectID)
	assert.Equal(t, int64(2), got[2].ObjectID)

	states, err := f.facade.ShowLatest(ctx, "property", []int64{3, 99, 1, 2, 3}, nil)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, `{"id":3,"v":2}`, string(states[0]))
	assert.Equal(t, `{"id":1}`, string(states[1]))
	assert.Equal(t, `{"id":2}`, string(states[2]))

	cursor := day.Add(30 * time.Minute)
	states, err = f.facade.ShowLatest(ctx, "property", []int64{1, 2, 3}, &cursor)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, `{"id":2}`, string(states[0]))
	assert.Equal(t, `{"id":3,"v":2}`, string(states[1]))

	// The cursor is exclusive.
	states, err = f.facade.ShowLatest(ctx, "property", []int64{1}, &day)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestShowLatest_Validation(t *testing.T) {
	f := New(activity.DefaultRegistry(), untouchedStore{t}, nil)
	ctx := context.Background()

	tooMany := make([]int64, MaxLatestIDs+1)
	for i := range tooMany {
		tooMany[i] = int64(i + 1)
	}

	tests := []struct {
		name       string
		objectType string
		ids        []int64
	}{
		{"no ids", "property", nil},
		{"too many ids", "property", tooMany},
		{"zero id", "property", []int64{1, 0}},
		{"missing type", "", []int64{1}},
		{"untracked type", "invoice", []int64{1}},
		{"opaque type", "calendar", []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ShowLatest(ctx, tt.objectType, tt.ids, nil)
			require.Error(t, err)
			assert.True(t, activity.IsValidation(err), "got %v", err)

			_, err = f.ShowLatestDetailed(ctx, tt.objectType, tt.ids, nil)
			assert.True(t, activity.IsValidation(err), "got %v", err)
		})
	}
}

func TestParseCursor(t *testing.T) {
	f := New(activity.DefaultRegistry(), nil, nil, WithLocation(time.UTC))

	c, err := f.ParseCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = f.ParseCursor("2020-05-18T08:30:00+07:00")
	require.NoError(t, err)
	assert.True(t, c.Equal(time.Date(2020, 5, 18, 1, 30, 0, 0, time.UTC)))

	c, err = f.ParseCursor("2020-05-18")
	require.NoError(t, err)
	assert.True(t, c.Equal(time.Date(2020, 5, 18, 0, 0, 0, 0, time.UTC)))

	_, err = f.ParseCursor("last week")
	assert.True(t, activity.IsValidation(err))
}
