package validation

import (
	"slices"

	"github.com/xraph/flowstate/state"
)

// Operator compares a state/transition data field against a rule value.
type Operator string

// Supported field-condition operators. An unknown operator evaluates to
// false and produces a logged warning rather than an error.
const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// FieldCondition is one field-level predicate on a transition's data,
// falling back to the current state's data for missing keys.
type FieldCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Predicate is a custom transition check. A non-nil error fails the rule;
// panics are converted to CUSTOM_VALIDATOR_ERROR issues.
type Predicate func(s *state.WorkflowState, tr state.Transition) error

// TransitionRule is a declarative allow-list entry: which source statuses
// may reach the target status, under which field conditions.
type TransitionRule struct {
	Name            string           `json:"name"`
	From            []state.Status   `json:"from"`
	To              state.Status     `json:"to"`
	Conditions      []FieldCondition `json:"conditions,omitempty"`
	RequiredFields  []string         `json:"required_fields,omitempty"`
	ForbiddenFields []string         `json:"forbidden_fields,omitempty"`
	Predicate       Predicate        `json:"-"`
}

// AllowsFrom reports whether the rule permits transitions out of from.
func (r TransitionRule) AllowsFrom(from state.Status) bool {
	return slices.Contains(r.From, from)
}

// DefaultTransitionRules returns the default workflow state machine:
//
//	PENDING→RUNNING; RUNNING⇄PAUSED; {RUNNING,PAUSED}→COMPLETED;
//	{RUNNING,PAUSED,WAITING}→FAILED; {PENDING,RUNNING,PAUSED,WAITING}→CANCELLED;
//	RUNNING⇄WAITING; FAILED→ROLLBACK; ROLLBACK→PENDING.
//
// COMPLETED and CANCELLED are terminal: no rule leads out of them.
func DefaultTransitionRules() []TransitionRule {
	return []TransitionRule{
		{
			Name: "start",
			From: []state.Status{state.StatusPending},
			To:   state.StatusRunning,
		},
		{
			Name: "pause",
			From: []state.Status{state.StatusRunning},
			To:   state.StatusPaused,
		},
		{
			Name: "resume",
			From: []state.Status{state.StatusPaused},
			To:   state.StatusRunning,
		},
		{
			Name: "complete",
			From: []state.Status{state.StatusRunning, state.StatusPaused},
			To:   state.StatusCompleted,
		},
		{
			Name: "fail",
			From: []state.Status{state.StatusRunning, state.StatusPaused, state.StatusWaiting},
			To:   state.StatusFailed,
		},
		{
			Name: "cancel",
			From: []state.Status{state.StatusPending, state.StatusRunning, state.StatusPaused, state.StatusWaiting},
			To:   state.StatusCancelled,
		},
		{
			Name: "wait",
			From: []state.Status{state.StatusRunning},
			To:   state.StatusWaiting,
		},
		{
			Name: "wake",
			From: []state.Status{state.StatusWaiting},
			To:   state.StatusRunning,
		},
		{
			Name: "rollback",
			From: []state.Status{state.StatusFailed},
			To:   state.StatusRollback,
		},
		{
			Name: "retry",
			From: []state.Status{state.StatusRollback},
			To:   state.StatusPending,
		},
	}
}

// evalCondition evaluates one field condition against the merged data view.
// The bool return is the outcome; unknownOp reports an unrecognized
// operator (defined-false with a logged warning).
func evalCondition(cond FieldCondition, value any, exists bool) (outcome, unknownOp bool) {
	switch cond.Operator {
	case OpExists:
		return exists, false
	case OpNotExists:
		return !exists, false
	case OpEquals:
		return exists && looseEqual(value, cond.Value), false
	case OpNotEquals:
		return !exists || !looseEqual(value, cond.Value), false
	case OpIn:
		return exists && containsLoose(cond.Value, value), false
	case OpNotIn:
		return !exists || !containsLoose(cond.Value, value), false
	case OpGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return exists && aok && bok && a > b, false
	case OpLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return exists && aok && bok && a < b, false
	default:
		return false, true
	}
}

// looseEqual compares two values, coercing numerics so int(5) == float64(5).
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

// containsLoose reports whether the candidate appears in the rule value,
// which must be a slice.
func containsLoose(haystack, needle any) bool {
	switch hs := haystack.(type) {
	case []any:
		for _, e := range hs {
			if looseEqual(e, needle) {
				return true
			}
		}
	case []string:
		for _, e := range hs {
			if looseEqual(e, needle) {
				return true
			}
		}
	}
	return false
}

// toFloat coerces numeric types to float64 for comparisons.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// lookupField resolves a field from the transition's data patch, falling
// back to the current state's data.
func lookupField(field string, tr state.Transition, s *state.WorkflowState) (any, bool) {
	if tr.Data != nil {
		if v, ok := tr.Data[field]; ok {
			return v, true
		}
	}
	if s != nil && s.Data != nil {
		if v, ok := s.Data[field]; ok {
			return v, true
		}
	}
	return nil, false
}
