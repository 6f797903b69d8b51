package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/patch"
)

// SeedAction is the action recorded on bootstrap records.
const SeedAction = "seeded"

// Seed writes a bootstrap checkpoint for key: the next version, with the
// patch from the reconstructed prior state to state and a full snapshot
// regardless of the checkpoint interval. A nil state is read from the source.
//
// Seeding gives replay a baseline for objects whose history predates the
// ledger, or whose older checkpoints are out of reach.
func (p *Processor) Seed(ctx context.Context, key activity.Key, state json.RawMessage, actor activity.Payload) (activity.LogRecord, error) {
	tt, err := p.registry.Lookup(key.ObjectType)
	if err != nil {
		return activity.LogRecord{}, activity.Validationf("seed", "%v", err)
	}
	if tt.Mode != activity.ModeSnapshotDiff {
		return activity.LogRecord{}, activity.Validationf("seed", "%s is not a snapshot-diff type", key.ObjectType)
	}
	if actor.ActorType == "" {
		actor.ActorType = activity.ActorSystem
	}

	job := activity.Job{
		EventName:  key.ObjectType + "." + SeedAction,
		ObjectType: key.ObjectType,
		ObjectID:   key.ObjectID,
		Action:     SeedAction,
		Mode:       tt.Mode,
		Payload:    actor,
	}

	rec, err := p.withConflictRetry(ctx, job, func(ctx context.Context) (activity.LogRecord, error) {
		current := state
		if current == nil {
			var err error
			current, err = p.readSource(ctx, key)
			if err != nil {
				return activity.LogRecord{}, err
			}
		}
		current, err := activity.Canonical(current)
		if err != nil {
			return activity.LogRecord{}, activity.Validationf("seed", "state: %v", err)
		}

		prior, err := p.rebuild.Reconstruct(ctx, key)
		if err != nil {
			return activity.LogRecord{}, err
		}
		changes, err := patch.Diff(prior.State, current)
		if err != nil {
			return activity.LogRecord{}, fmt.Errorf("seed diff %s: %w", key, err)
		}
		raw, err := changes.Encode()
		if err != nil {
			return activity.LogRecord{}, err
		}

		rec := newRecord(job)
		rec.Version = prior.NextVersion
		rec.Changes = raw
		rec.Snapshot = current
		return p.appendRecord(ctx, rec)
	})
	if err != nil {
		return activity.LogRecord{}, err
	}
	p.notify(ctx, rec)
	return rec, nil
}
