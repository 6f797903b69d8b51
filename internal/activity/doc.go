// Package activity defines the domain types of the activity log: versioned log
// records, aggregate keys, ingestion jobs, the tracked-type registry and the
// error kinds shared by every component.
//
// # Invariants
//
//   - A LogRecord is immutable once appended.
//   - (ObjectType, ObjectID, Version) is unique across the ledger.
//   - Snapshot is set only on checkpoint versions (Version % CheckpointInterval == 0)
//     or on an explicitly seeded bootstrap record.
//   - The Registry is built once at startup and never mutated afterwards.
package activity
