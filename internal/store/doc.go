// Package store provides the SQLite-backed LogStore: an append-only ledger of
// activity.LogRecord rows keyed by (object_type, object_id, version).
//
// # Guarantees
//
//   - UNIQUE(object_type, object_id, version). A colliding Append fails with
//     an activity error of kind constraint_violation and writes nothing.
//   - Appends are single INSERT statements, so a record is either fully
//     written or absent.
//   - Listings are ordered by id ascending; per-key reads are ordered by
//     version ascending.
//   - Timestamps are stored as INTEGER unix microseconds in UTC.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// The Postgres implementation in store/postgres satisfies the same LogStore
// interface with identical semantics.
package store
