// Package harness runs activity log scenarios end to end.
//
// A scenario drives the real ingestion path (bus, ingestor, processor,
// store and reconstructor) against an in-memory SQLite ledger, a fake
// authoritative source and a settable clock, then checks the resulting
// ledger with assertions and, optionally, a golden trace.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	start: 2024-05-01T00:00:00Z
//	tracked_types:            # optional, defaults to the built-in registry
//	  - object_type: property
//	    mode: snapshot-diff
//	    checkpoint_interval: 2
//	    source: props
//	steps:
//	  - source: { object_type: property, object_id: 1, state: { name: Citadel } }
//	  - event: property.created
//	    payload: { actor_type: admin, object_id: 1 }
//	    expect: { version: 1 }
//	  - advance: 1h
//	  - source_down: 3
//	assertions:
//	  - type: ledger_count
//	    object_type: property
//	    object_id: 1
//	    count: 1
//	  - type: final_state
//	    object_type: property
//	    object_id: 1
//	    expect: { name: Citadel }
//
// # Step Types
//
//   - source: sets the state the source returns for one object
//   - source_down: makes the next N source reads fail
//   - advance: moves the clock forward by a Go duration
//   - event: publishes a domain event; expect checks the outcome
//
// # Assertion Types
//
//   - ledger_count: the object has exactly N records
//   - ledger_order: actions appear in this order in the object's ledger
//   - ledger_contains: a record with this version exists, optionally
//     with a given action and checkpoint flag
//   - final_state: the reconstructed state (at version, or current)
//     contains the expected fields
//
// # Deterministic Testing
//
// The clock only moves on advance steps and jobs run inline, one at a time,
// so record ids, created_at stamps and opaque versions repeat across runs.
// That makes the trace suitable for golden file comparison.
package harness
