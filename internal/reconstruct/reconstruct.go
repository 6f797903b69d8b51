// Package reconstruct rebuilds an aggregate's state from its ledger by taking
// the most recent checkpoint snapshot and replaying every later patch.
package reconstruct

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/patch"
)

// History is the subset of the LogStore the Reconstructor reads.
type History interface {
	ListRecent(ctx context.Context, key activity.Key, limit int) ([]activity.LogRecord, error)
	ListSinceCheckpoint(ctx context.Context, key activity.Key) ([]activity.LogRecord, error)
	ListThrough(ctx context.Context, key activity.Key, version int64) ([]activity.LogRecord, error)
}

// Result is a reconstructed state.
type Result struct {
	State json.RawMessage `json:"state"`

	// NextVersion is the version the next record for the key must use.
	NextVersion int64 `json:"next_version"`

	// LastVersion is the newest replayed version, 0 for an empty history.
	LastVersion int64 `json:"last_version"`

	// Checkpoint is the version of the snapshot used as baseline, 0 if none.
	Checkpoint int64 `json:"checkpoint"`
}

// Reconstructor replays patches on top of checkpoints.
type Reconstructor struct {
	history History
	window  int
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithWindow bounds reconstruction to the newest w records of a key.
// With w <= 0 (the default) the scan reaches back to the nearest checkpoint
// however far away it is.
//
// A bounded window that contains no checkpoint replays the window on top of
// an empty document, losing any state set before the window.
func WithWindow(w int) Option {
	return func(r *Reconstructor) { r.window = w }
}

// New returns a Reconstructor reading from h.
func New(h History, opts ...Option) *Reconstructor {
	r := &Reconstructor{history: h}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconstruct returns the current state of key.
// A key with no history reconstructs to {} with NextVersion 1.
func (r *Reconstructor) Reconstruct(ctx context.Context, key activity.Key) (Result, error) {
	var (
		records []activity.LogRecord
		err     error
	)
	if r.window > 0 {
		records, err = r.history.ListRecent(ctx, key, r.window)
	} else {
		records, err = r.history.ListSinceCheckpoint(ctx, key)
	}
	if err != nil {
		return Result{}, fmt.Errorf("reconstruct %s: %w", key, err)
	}
	return Replay(key, records)
}

// At returns the state of key as of version.
func (r *Reconstructor) At(ctx context.Context, key activity.Key, version int64) (Result, error) {
	if version < 1 {
		return Result{}, activity.Validationf("reconstruct", "version must be >= 1")
	}
	records, err := r.history.ListThrough(ctx, key, version)
	if err != nil {
		return Result{}, fmt.Errorf("reconstruct %s at %d: %w", key, version, err)
	}
	if len(records) == 0 || records[len(records)-1].Version != version {
		return Result{}, activity.Validationf("reconstruct", "%s has no version %d", key, version)
	}
	return Replay(key, records)
}

// Replay folds records, given in ascending version order, into a state.
// The baseline is the snapshot of the last checkpoint in records, or {}.
func Replay(key activity.Key, records []activity.LogRecord) (Result, error) {
	res := Result{State: json.RawMessage(`{}`), NextVersion: 1}
	if len(records) == 0 {
		return res, nil
	}

	start := 0
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].IsCheckpoint() {
			state, err := activity.Canonical(records[i].Snapshot)
			if err != nil {
				return Result{}, activity.NewReplayError(key, records[i].Version, err)
			}
			res.State = state
			res.Checkpoint = records[i].Version
			start = i + 1
			break
		}
	}

	for _, rec := range records[start:] {
		state, err := patch.ApplyRaw(res.State, rec.Changes)
		if err != nil {
			return Result{}, activity.NewReplayError(key, rec.Version, err)
		}
		res.State = state
	}

	last := records[len(records)-1].Version
	res.LastVersion = last
	res.NextVersion = last + 1
	return res, nil
}
