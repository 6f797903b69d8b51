package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/query"
)

// sourceServer serves property states at /{type}/{id}.
type sourceServer struct {
	mu     sync.Mutex
	states map[string]string
}

func (s *sourceServer) set(path, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[path] = state
}

func (s *sourceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	state, ok := s.states[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(state))
}

// cliEnv points the CLI at a fresh SQLite file and a fake source.
type cliEnv struct {
	dir    string
	source *sourceServer
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	src := &sourceServer{states: map[string]string{}}
	srv := httptest.NewServer(src)
	t.Cleanup(srv.Close)

	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "activity.db"))
	t.Setenv("SOURCE_URL_TEMPLATE", srv.URL+"/{type}/{id}")
	t.Setenv("QUEUE_LANES", "1")
	t.Setenv("JOB_ATTEMPTS", "2")
	t.Setenv("JOB_BACKOFF", "0s")
	t.Setenv("CONFLICT_DELAY", "0s")

	return &cliEnv{dir: dir, source: src}
}

func (e *cliEnv) writeFile(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

// decodeData reads the first JSON response of stdout into v.
func decodeData(t *testing.T, stdout string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(strings.NewReader(stdout)).Decode(&resp), stdout)
	require.Equal(t, "ok", resp.Status, stdout)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func listRange() (string, string) {
	loc, err := time.LoadLocation(query.DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)
	return now.AddDate(0, 0, -1).Format(query.DefaultDateFormat), now.AddDate(0, 0, 1).Format(query.DefaultDateFormat)
}

func TestIngest_ThenRead(t *testing.T) {
	env := newCLIEnv(t)
	env.source.set("/property/1", `{"id":1,"name":"Citadel"}`)

	first := env.writeFile(t, "first.jsonl",
		`{"name":"property.created","payload":{"actor_type":"admin","actor_id":5,"object_id":1}}`,
		``,
		`{"name":"calendar.updated","payload":{"actor_type":"host","object":{"accommodation_id":31,"price":10}}}`,
		`{"name":"session.started","payload":{"actor_type":"user"}}`,
	)
	stdout, err := runCLI(t, "ingest", first, "--format", "json")
	require.NoError(t, err, stdout)

	var summary IngestSummary
	decodeData(t, stdout, &summary)
	assert.Equal(t, IngestSummary{Events: 3, Appended: 2}, summary)

	env.source.set("/property/1", `{"id":1,"name":"Keep"}`)
	second := env.writeFile(t, "second.jsonl",
		`{"name":"property.updated","payload":{"actor_type":"admin","actor_id":5,"object_id":1,"note":"renamed"}}`,
	)
	stdout, err = runCLI(t, "ingest", second, "--format", "json")
	require.NoError(t, err, stdout)
	decodeData(t, stdout, &summary)
	assert.Equal(t, 1, summary.Appended)

	t.Run("reconstruct latest", func(t *testing.T) {
		stdout, err := runCLI(t, "reconstruct", "property", "1", "--format", "json")
		require.NoError(t, err, stdout)
		var view StateView
		decodeData(t, stdout, &view)
		assert.Equal(t, int64(2), view.Version)
		assert.Equal(t, int64(3), view.NextVersion)
		assert.JSONEq(t, `{"id":1,"name":"Keep"}`, string(view.State))
	})

	t.Run("reconstruct at version", func(t *testing.T) {
		stdout, err := runCLI(t, "reconstruct", "property", "1", "--version", "1", "--format", "json")
		require.NoError(t, err, stdout)
		var view StateView
		decodeData(t, stdout, &view)
		assert.Equal(t, int64(1), view.Version)
		assert.JSONEq(t, `{"id":1,"name":"Citadel"}`, string(view.State))
	})

	t.Run("list", func(t *testing.T) {
		from, to := listRange()
		stdout, err := runCLI(t, "list", "--from", from, "--to", to, "--format", "json")
		require.NoError(t, err, stdout)
		var page activity.Page
		decodeData(t, stdout, &page)
		assert.Equal(t, int64(3), page.Total)
		require.Len(t, page.Data, 3)
		assert.Equal(t, "property", page.Data[0].ObjectType)
		assert.Equal(t, "calendar", page.Data[1].ObjectType)
		assert.Equal(t, int64(31), page.Data[1].ObjectID)
		assert.Equal(t, "renamed", page.Data[2].Note)
	})

	t.Run("list filtered as text", func(t *testing.T) {
		from, to := listRange()
		stdout, err := runCLI(t, "list", "--from", from, "--to", to, "--object-type", "property", "--action", "updated")
		require.NoError(t, err, stdout)
		assert.Contains(t, stdout, "ID")
		assert.Contains(t, stdout, "property:1")
		assert.Contains(t, stdout, "admin:5")
		assert.Contains(t, stdout, "page 1, 10 per page, 1 total")
	})

	t.Run("latest", func(t *testing.T) {
		stdout, err := runCLI(t, "latest", "property", "--ids", "1,2", "--format", "json")
		require.NoError(t, err, stdout)
		var states []json.RawMessage
		decodeData(t, stdout, &states)
		require.Len(t, states, 1)
		assert.JSONEq(t, `{"id":1,"name":"Keep"}`, string(states[0]))
	})

	t.Run("latest detailed", func(t *testing.T) {
		stdout, err := runCLI(t, "latest", "property", "--ids", "1,2", "--detailed", "--format", "json")
		require.NoError(t, err, stdout)
		var latest []query.Latest
		decodeData(t, stdout, &latest)
		require.Len(t, latest, 1)
		assert.Equal(t, int64(1), latest[0].ObjectID)
		assert.Equal(t, int64(2), latest[0].Version)
		assert.JSONEq(t, `{"id":1,"name":"Keep"}`, string(latest[0].State))
	})

	t.Run("latest since future cursor", func(t *testing.T) {
		since := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		stdout, err := runCLI(t, "latest", "property", "--ids", "1", "--since", since)
		require.NoError(t, err, stdout)
		assert.Contains(t, stdout, "No matching objects.")
	})

	t.Run("export", func(t *testing.T) {
		from, to := listRange()
		out := filepath.Join(env.dir, "logs.xlsx")
		stdout, err := runCLI(t, "export", "--from", from, "--to", to, "--out", out, "--format", "json")
		require.NoError(t, err, stdout)
		var res ExportResult
		decodeData(t, stdout, &res)
		assert.Equal(t, 3, res.Rows)

		f, err := excelize.OpenFile(out)
		require.NoError(t, err)
		defer f.Close()
		rows, err := f.GetRows(ExportSheet)
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, "id", rows[0][0])
		assert.Equal(t, "property", rows[1][1])
		assert.Equal(t, "calendar", rows[2][1])
	})
}

func TestIngest_DroppedJobsExitOne(t *testing.T) {
	env := newCLIEnv(t)
	events := env.writeFile(t, "events.jsonl",
		`{"name":"property.updated","payload":{"actor_type":"admin","object_id":99}}`,
	)

	stdout, err := runCLI(t, "ingest", events, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var summary IngestSummary
	decodeData(t, stdout, &summary)
	assert.Equal(t, 0, summary.Appended)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "property:99", summary.Failed[0].Key)
	assert.Equal(t, 2, summary.Failed[0].Attempts)
	assert.Contains(t, stdout, `"code":"E007"`)
}

func TestIngest_BadLine(t *testing.T) {
	env := newCLIEnv(t)
	events := env.writeFile(t, "events.jsonl",
		`{"name":"property.updated","payload":{"actor_type":"admin","object_id":1}}`,
		`not json`,
	)

	stdout, err := runCLI(t, "ingest", events)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout, "invalid event on line 2")
}

func TestSeed_FromFileAndSource(t *testing.T) {
	env := newCLIEnv(t)
	state := env.writeFile(t, "state.json", `{"id":4,"name":"Imported"}`)

	stdout, err := runCLI(t, "seed", "property", "4", "--state", state, "--note", "imported", "--format", "json")
	require.NoError(t, err, stdout)
	var rec activity.LogRecord
	decodeData(t, stdout, &rec)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "seeded", rec.Action)
	assert.Equal(t, "system", rec.ActorType)
	assert.True(t, rec.IsCheckpoint())
	assert.JSONEq(t, `{"id":4,"name":"Imported"}`, string(rec.Snapshot))

	env.source.set("/property/4", `{"id":4,"name":"Fresh"}`)
	stdout, err = runCLI(t, "seed", "property", "4")
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "Appended property:4 v2 (seeded, checkpoint)")

	stdout, err = runCLI(t, "reconstruct", "property", "4")
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "property:4 v2 (checkpoint 2)")
	assert.Contains(t, stdout, `"name":"Fresh"`)
}

func TestCommandErrors(t *testing.T) {
	newCLIEnv(t)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
	}{
		{"reconstruct bad id", []string{"reconstruct", "property", "abc"}, ExitCommandError, "invalid object id"},
		{"reconstruct unknown type", []string{"reconstruct", "widget", "1"}, ExitCommandError, "unknown object type"},
		{"reconstruct opaque type", []string{"reconstruct", "booking", "1"}, ExitCommandError, "no reconstructable state"},
		{"reconstruct no history", []string{"reconstruct", "property", "1"}, ExitFailure, "no history for property:1"},
		{"list inverted range", []string{"list", "--from", "2024-05-02", "--to", "2024-05-01"}, ExitCommandError, "invalid-date"},
		{"list missing range", []string{"list"}, ExitCommandError, "Error [E004]"},
		{"latest too many ids", []string{"latest", "property", "--ids", "1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20,21"}, ExitCommandError, "object_ids"},
		{"latest bad cursor", []string{"latest", "property", "--ids", "1", "--since", "yesterday"}, ExitCommandError, "invalid last_modified_at"},
		{"seed bad actor", []string{"seed", "property", "1", "--actor-type", "robot"}, ExitCommandError, "invalid actor"},
		{"seed opaque type", []string{"seed", "booking", "1"}, ExitCommandError, "not a snapshot-diff type"},
		{"migrate on sqlite", []string{"migrate", "up"}, ExitCommandError, "migrate needs STORE_DRIVER=postgres"},
		{"ingest missing file", []string{"ingest", "nope.jsonl"}, ExitCommandError, "failed to open events file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, GetExitCode(err), err.Error())
			assert.Contains(t, stdout, tt.wantOut)
		})
	}
}

func TestExplicitEnvFile(t *testing.T) {
	env := newCLIEnv(t)
	envFile := env.writeFile(t, "custom.env", "DATE_FORMAT=02/01/2006")

	stdout, err := runCLI(t, "list", "--env-file", envFile, "--from", "01/05/2024", "--to", "02/05/2024", "--format", "json")
	require.NoError(t, err, stdout)
	var page activity.Page
	decodeData(t, stdout, &page)
	assert.Equal(t, int64(0), page.Total)

	_, err = runCLI(t, "list", "--env-file", filepath.Join(env.dir, "missing.env"), "--from", "2024-05-01", "--to", "2024-05-02")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
