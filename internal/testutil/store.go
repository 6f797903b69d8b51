package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/activitylog/internal/store"
)

// OpenStore opens a SQLite store in a temp dir, closed on cleanup.
func OpenStore(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "activitylog.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// DiscardLogger returns a logger that writes nowhere.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
