package harness

import "encoding/json"

// TraceEvent is one appended ledger record as seen by the harness.
// Snapshot-diff records carry the state at their version; opaque records
// carry their stored changes.
type TraceEvent struct {
	Seq        int64           `json:"seq"`
	ObjectType string          `json:"object_type"`
	ObjectID   int64           `json:"object_id"`
	Version    int64           `json:"version"`
	Action     string          `json:"action"`
	ActorType  string          `json:"actor_type"`
	ActorID    *int64          `json:"actor_id,omitempty"`
	Checkpoint bool            `json:"checkpoint"`
	State      json.RawMessage `json:"state,omitempty"`
	Changes    json.RawMessage `json:"changes,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every appended record, in append order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
