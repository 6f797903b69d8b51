package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/reconstruct"
)

// History is the ledger read used by assertions.
type History interface {
	ListAll(ctx context.Context, key activity.Key) ([]activity.LogRecord, error)
}

// Rebuilder reconstructs states for final_state assertions.
type Rebuilder interface {
	Reconstruct(ctx context.Context, key activity.Key) (reconstruct.Result, error)
	At(ctx context.Context, key activity.Key, version int64) (reconstruct.Result, error)
}

// AssertionContext provides ledger access for evaluating assertions.
type AssertionContext struct {
	Ctx     context.Context
	History History
	Rebuild Rebuilder
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string               // Assertion type for categorization
	Key      activity.Key         // Object the assertion is about
	Expected string               // Human-readable expected outcome
	Actual   string               // Human-readable actual outcome
	Ledger   []activity.LogRecord // The object's ledger for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s %s\n", e.Type, e.Key)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Ledger) > 0 {
		fmt.Fprintf(&buf, "\nLedger:\n")
		for _, r := range e.Ledger {
			fmt.Fprintf(&buf, "  v%d %s checkpoint=%t\n", r.Version, r.Action, r.IsCheckpoint())
		}
	}

	return buf.String()
}

func assertLedgerCount(records []activity.LogRecord, a Assertion) error {
	if len(records) != a.Count {
		return &AssertionError{
			Type:     AssertLedgerCount,
			Key:      assertionKey(a),
			Expected: fmt.Sprintf("%d records", a.Count),
			Actual:   fmt.Sprintf("%d records", len(records)),
			Ledger:   records,
		}
	}
	return nil
}

// assertLedgerOrder checks that actions appear in the specified order.
// Actions don't need to be consecutive (intervening records are allowed).
func assertLedgerOrder(records []activity.LogRecord, a Assertion) error {
	next := 0
	for _, r := range records {
		if next < len(a.Actions) && r.Action == a.Actions[next] {
			next++
		}
	}
	if next < len(a.Actions) {
		return &AssertionError{
			Type:     AssertLedgerOrder,
			Key:      assertionKey(a),
			Expected: fmt.Sprintf("actions in order: %v", a.Actions),
			Actual:   fmt.Sprintf("matched %d of %d, stopped at %q", next, len(a.Actions), a.Actions[next]),
			Ledger:   records,
		}
	}
	return nil
}

func assertLedgerContains(records []activity.LogRecord, a Assertion) error {
	for _, r := range records {
		if r.Version != a.Version {
			continue
		}
		var mismatches []string
		if a.Action != "" && r.Action != a.Action {
			mismatches = append(mismatches, fmt.Sprintf("action %q", r.Action))
		}
		if a.Checkpoint != nil && r.IsCheckpoint() != *a.Checkpoint {
			mismatches = append(mismatches, fmt.Sprintf("checkpoint=%t", r.IsCheckpoint()))
		}
		if len(mismatches) == 0 {
			return nil
		}
		return &AssertionError{
			Type:     AssertLedgerContains,
			Key:      assertionKey(a),
			Expected: describeRecord(a),
			Actual:   fmt.Sprintf("v%d has %s", r.Version, strings.Join(mismatches, ", ")),
			Ledger:   records,
		}
	}
	return &AssertionError{
		Type:     AssertLedgerContains,
		Key:      assertionKey(a),
		Expected: describeRecord(a),
		Actual:   "version not found",
		Ledger:   records,
	}
}

func describeRecord(a Assertion) string {
	parts := []string{fmt.Sprintf("v%d", a.Version)}
	if a.Action != "" {
		parts = append(parts, fmt.Sprintf("action %q", a.Action))
	}
	if a.Checkpoint != nil {
		parts = append(parts, fmt.Sprintf("checkpoint=%t", *a.Checkpoint))
	}
	return strings.Join(parts, " ")
}

// assertFinalState checks that the reconstructed state contains the
// expected fields (subset semantics, compared as JSON values).
func assertFinalState(ctx context.Context, rb Rebuilder, records []activity.LogRecord, a Assertion) error {
	key := assertionKey(a)
	var (
		res reconstruct.Result
		err error
	)
	if a.Version > 0 {
		res, err = rb.At(ctx, key, a.Version)
	} else {
		res, err = rb.Reconstruct(ctx, key)
	}
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Key:      key,
			Expected: "reconstructable state",
			Actual:   err.Error(),
			Ledger:   records,
		}
	}

	var actual map[string]any
	if err := json.Unmarshal(res.State, &actual); err != nil {
		return fmt.Errorf("final_state %s: state is not an object: %w", key, err)
	}
	expected, err := jsonValues(a.Expect)
	if err != nil {
		return fmt.Errorf("final_state %s: %w", key, err)
	}

	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		actualValue, exists := actual[k]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Key:      key,
				Expected: fmt.Sprintf("field %q to exist", k),
				Actual:   fmt.Sprintf("state %s", res.State),
				Ledger:   records,
			}
		}
		if !reflect.DeepEqual(expected[k], actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Key:      key,
				Expected: fmt.Sprintf("field %q = %v", k, expected[k]),
				Actual:   fmt.Sprintf("field %q = %v", k, actualValue),
				Ledger:   records,
			}
		}
	}
	return nil
}

// jsonValues round-trips YAML values through JSON so numbers and nested
// maps compare like decoded state.
func jsonValues(m map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func assertionKey(a Assertion) activity.Key {
	return activity.Key{ObjectType: a.ObjectType, ObjectID: a.ObjectID}
}

// EvaluateAssertions evaluates all assertions against the ledger.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		records, err := ledger(actx.Ctx, actx.History, assertionKey(assertion))
		if err != nil {
			errors = append(errors, fmt.Sprintf("assertion[%d]: read ledger: %v", i, err))
			continue
		}

		switch assertion.Type {
		case AssertLedgerCount:
			err = assertLedgerCount(records, assertion)
		case AssertLedgerOrder:
			err = assertLedgerOrder(records, assertion)
		case AssertLedgerContains:
			err = assertLedgerContains(records, assertion)
		case AssertFinalState:
			if actx.Rebuild == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a reconstructor", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Rebuild, records, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
