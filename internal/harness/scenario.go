package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/activitylog/internal/activity"
)

// DefaultStart is the clock start when a scenario does not set one.
var DefaultStart = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// Scenario defines an end-to-end activity log scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the initial clock time. Defaults to DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// TrackedTypes replaces the built-in registry when set.
	TrackedTypes []TrackedTypeSpec `yaml:"tracked_types,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final ledger.
	Assertions []Assertion `yaml:"assertions"`
}

// TrackedTypeSpec is one registry entry of a scenario.
type TrackedTypeSpec struct {
	ObjectType         string `yaml:"object_type"`
	Mode               string `yaml:"mode"`
	CheckpointInterval int64  `yaml:"checkpoint_interval,omitempty"`
	Source             string `yaml:"source,omitempty"`
	ObjectIDField      string `yaml:"object_id_field,omitempty"`
}

// Step is one scenario step. Exactly one of Source, SourceDown, Advance
// and Event is set.
type Step struct {
	Source     *SourceStep    `yaml:"source,omitempty"`
	SourceDown int            `yaml:"source_down,omitempty"`
	Advance    string         `yaml:"advance,omitempty"`
	Event      string         `yaml:"event,omitempty"`
	Payload    map[string]any `yaml:"payload,omitempty"`

	// Expect checks the outcome of an event step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// SourceStep sets the authoritative state of one object.
type SourceStep struct {
	ObjectType string         `yaml:"object_type"`
	ObjectID   int64          `yaml:"object_id"`
	State      map[string]any `yaml:"state"`
}

// ExpectClause specifies the expected outcome of an event step.
type ExpectClause struct {
	// Appended, when set, requires that a record was (or was not) written.
	Appended *bool `yaml:"appended,omitempty"`

	// Version is the version the appended record must have.
	Version int64 `yaml:"version,omitempty"`

	// Error is the kind of the final job error: validation, replay,
	// source_unavailable or constraint_violation.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final ledger of one object.
type Assertion struct {
	// Type specifies the assertion type:
	// - "ledger_count": the object has exactly Count records
	// - "ledger_order": Actions appear in this order
	// - "ledger_contains": a record at Version exists, matching Action and Checkpoint when set
	// - "final_state": the state at Version (or the current one) contains Expect
	Type string `yaml:"type"`

	ObjectType string `yaml:"object_type"`
	ObjectID   int64  `yaml:"object_id"`

	Count      int            `yaml:"count,omitempty"`
	Actions    []string       `yaml:"actions,omitempty"`
	Version    int64          `yaml:"version,omitempty"`
	Action     string         `yaml:"action,omitempty"`
	Checkpoint *bool          `yaml:"checkpoint,omitempty"`
	Expect     map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertLedgerCount    = "ledger_count"
	AssertLedgerOrder    = "ledger_order"
	AssertLedgerContains = "ledger_contains"
	AssertFinalState     = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// Registry builds the scenario's tracked type registry.
func (s *Scenario) Registry() (*activity.Registry, error) {
	if len(s.TrackedTypes) == 0 {
		return activity.DefaultRegistry(), nil
	}
	types := make([]activity.TrackedType, 0, len(s.TrackedTypes))
	for _, tt := range s.TrackedTypes {
		types = append(types, activity.TrackedType{
			ObjectType:         tt.ObjectType,
			Mode:               activity.Mode(tt.Mode),
			CheckpointInterval: tt.CheckpointInterval,
			Source:             tt.Source,
			ObjectIDField:      tt.ObjectIDField,
		})
	}
	return activity.NewRegistry(types...)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if _, err := s.Registry(); err != nil {
		return fmt.Errorf("tracked_types: %w", err)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, st *Step) error {
	kinds := 0
	if st.Source != nil {
		kinds++
	}
	if st.SourceDown != 0 {
		kinds++
	}
	if st.Advance != "" {
		kinds++
	}
	if st.Event != "" {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("steps[%d]: exactly one of source, source_down, advance or event is required", index)
	}

	switch {
	case st.Source != nil:
		if st.Source.ObjectType == "" || st.Source.ObjectID <= 0 {
			return fmt.Errorf("steps[%d]: source needs object_type and a positive object_id", index)
		}
		if st.Source.State == nil {
			return fmt.Errorf("steps[%d]: source state is required", index)
		}
	case st.SourceDown < 0:
		return fmt.Errorf("steps[%d]: source_down must be positive", index)
	case st.Advance != "":
		if d, err := time.ParseDuration(st.Advance); err != nil || d < 0 {
			return fmt.Errorf("steps[%d]: advance must be a non-negative duration, got %q", index, st.Advance)
		}
	}

	if st.Expect != nil {
		if st.Event == "" {
			return fmt.Errorf("steps[%d]: expect is only valid on event steps", index)
		}
		switch st.Expect.Error {
		case "", string(activity.KindValidation), string(activity.KindReplay),
			string(activity.KindSourceUnavailable), string(activity.KindConstraintViolation):
		default:
			return fmt.Errorf("steps[%d].expect: unknown error kind %q", index, st.Expect.Error)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.ObjectType == "" || a.ObjectID <= 0 {
		return fmt.Errorf("assertions[%d]: object_type and a positive object_id are required", index)
	}

	switch a.Type {
	case AssertLedgerCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for ledger_count", index)
		}
	case AssertLedgerOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for ledger_order", index)
		}
	case AssertLedgerContains:
		if a.Version <= 0 {
			return fmt.Errorf("assertions[%d]: version is required for ledger_contains", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
