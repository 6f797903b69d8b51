package activity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Actor types accepted on ingestion.
const (
	ActorAdmin  = "admin"
	ActorHost   = "host"
	ActorUser   = "user"
	ActorSystem = "system"
)

// ValidActorTypes lists the accepted actor_type values.
var ValidActorTypes = map[string]bool{
	ActorAdmin:  true,
	ActorHost:   true,
	ActorUser:   true,
	ActorSystem: true,
}

// Key identifies an aggregate whose history is tracked.
type Key struct {
	ObjectType string `json:"object_type"`
	ObjectID   int64  `json:"object_id"`
}

// String renders the key as "type:id". Used as the queue ordering key.
func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.ObjectType, k.ObjectID)
}

// LogRecord is one immutable entry of an aggregate's ledger.
//
// Changes holds a JSON Patch array for snapshot-diff types and a structural
// diff object for opaque-payload types. Snapshot is nil except on checkpoints.
type LogRecord struct {
	ID         int64           `json:"id"`
	ObjectType string          `json:"object_type"`
	ObjectID   int64           `json:"object_id"`
	ActorID    *int64          `json:"actor_id"`
	ActorType  string          `json:"actor_type"`
	Action     string          `json:"action"`
	Version    int64           `json:"version"`
	Note       string          `json:"note,omitempty"`
	Changes    json.RawMessage `json:"changes"`
	Snapshot   json.RawMessage `json:"snapshot"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Key returns the aggregate key of the record.
func (r LogRecord) Key() Key {
	return Key{ObjectType: r.ObjectType, ObjectID: r.ObjectID}
}

// IsCheckpoint reports whether the record carries a full snapshot.
func (r LogRecord) IsCheckpoint() bool {
	return len(r.Snapshot) > 0 && string(r.Snapshot) != "null"
}

// Filter narrows a ledger listing. Zero-valued fields are not applied.
// CreatedFrom and CreatedTo are inclusive bounds on created_at.
type Filter struct {
	Action      string
	ObjectType  string
	ObjectID    *int64
	ActorID     *int64
	ActorType   string
	CreatedFrom time.Time
	CreatedTo   time.Time
}

// Page is one page of a ledger listing, ordered by id.
type Page struct {
	Data    []LogRecord `json:"data"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
	Total   int64       `json:"total"`
}

// Payload is the body of a domain event as published on the bus.
//
// Snapshot-diff types identify the aggregate through ObjectID (or Object.id);
// opaque-payload types carry their change either as Changes, as Before/After
// or as a bare Object.
type Payload struct {
	ActorID   *int64          `json:"actor_id,omitempty" validate:"omitempty,gt=0"`
	ActorType string          `json:"actor_type" validate:"required,actortype"`
	Note      string          `json:"note,omitempty"`
	ObjectID  int64           `json:"object_id,omitempty" validate:"gte=0"`
	Object    json.RawMessage `json:"object,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Changes   json.RawMessage `json:"changes,omitempty"`
}

// Job is one queued ingestion unit.
type Job struct {
	EventName  string  `json:"event_name"`
	ObjectType string  `json:"object_type"`
	ObjectID   int64   `json:"object_id"`
	Action     string  `json:"action"`
	Mode       Mode    `json:"mode"`
	Payload    Payload `json:"payload"`
}

// Key returns the aggregate key the job writes to.
func (j Job) Key() Key {
	return Key{ObjectType: j.ObjectType, ObjectID: j.ObjectID}
}

// Created is the payload of the notification emitted after a successful append.
type Created struct {
	ObjectType string `json:"object_type"`
	ObjectID   int64  `json:"object_id"`
	Action     string `json:"action"`
	Version    int64  `json:"version"`
}

// CreatedEventName is the bus event published after each appended record.
const CreatedEventName = "activity-log.created"
