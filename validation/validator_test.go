package validation_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/id"
	"github.com/xraph/flowstate/state"
	"github.com/xraph/flowstate/validation"
)

func newState(status state.Status) *state.WorkflowState {
	now := time.Now().UTC()
	return &state.WorkflowState{
		ID:         id.NewStateID(),
		WorkflowID: id.NewWorkflowID(),
		Status:     status,
		Data:       map[string]any{},
		History:    []state.HistoryEntry{},
		Metadata: state.Metadata{
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
	}
}

func TestValidateStateOK(t *testing.T) {
	v := validation.New(nil)

	res := v.ValidateState(newState(state.StatusPending))
	if !res.Valid {
		t.Fatalf("expected valid, got errors: %v", res.Errors)
	}
	if err := res.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestValidateStateStructural(t *testing.T) {
	v := validation.New(nil)

	s := newState("BOGUS")
	s.Data = nil
	s.Metadata.Version = 0

	res := v.ValidateState(s)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if !res.HasCode(validation.CodeUnknownStatus) {
		t.Error("missing UNKNOWN_STATUS")
	}
	if !res.HasCode(validation.CodeMissingField) {
		t.Error("missing MISSING_FIELD for nil data")
	}
	if !res.HasCode(validation.CodeBadVersion) {
		t.Error("missing BAD_VERSION")
	}
	if !errors.Is(res.Err(), flowstate.ErrInvalidState) {
		t.Errorf("Err() = %v, want ErrInvalidState chain", res.Err())
	}
}

func TestDefaultTransitions(t *testing.T) {
	v := validation.New(nil)

	allowed := []struct{ from, to state.Status }{
		{state.StatusPending, state.StatusRunning},
		{state.StatusRunning, state.StatusPaused},
		{state.StatusPaused, state.StatusRunning},
		{state.StatusRunning, state.StatusCompleted},
		{state.StatusRunning, state.StatusWaiting},
		{state.StatusWaiting, state.StatusFailed},
		{state.StatusFailed, state.StatusRollback},
		{state.StatusRollback, state.StatusPending},
		{state.StatusPending, state.StatusCancelled},
	}
	for _, tt := range allowed {
		if !v.IsTransitionAllowed(tt.from, tt.to) {
			t.Errorf("IsTransitionAllowed(%s, %s) = false, want true", tt.from, tt.to)
		}
	}

	forbidden := []struct{ from, to state.Status }{
		{state.StatusPending, state.StatusCompleted},
		{state.StatusCompleted, state.StatusRunning},
		{state.StatusCancelled, state.StatusPending},
		{state.StatusWaiting, state.StatusCompleted},
	}
	for _, tt := range forbidden {
		if v.IsTransitionAllowed(tt.from, tt.to) {
			t.Errorf("IsTransitionAllowed(%s, %s) = true, want false", tt.from, tt.to)
		}
	}
}

func TestValidateTransitionForbidden(t *testing.T) {
	v := validation.New(nil)

	res := v.ValidateTransition(newState(state.StatusPending), state.Transition{
		From: state.StatusPending,
		To:   state.StatusCompleted,
	})
	if res.Valid {
		t.Fatal("PENDING -> COMPLETED should be forbidden")
	}
	if !res.HasCode(validation.CodeForbiddenTransition) {
		t.Error("missing FORBIDDEN_TRANSITION")
	}
	if !errors.Is(res.Err(), flowstate.ErrForbiddenTransition) {
		t.Errorf("Err() = %v, want ErrForbiddenTransition chain", res.Err())
	}
}

func TestValidateTransitionStatusMismatch(t *testing.T) {
	v := validation.New(nil)

	res := v.ValidateTransition(newState(state.StatusRunning), state.Transition{
		From: state.StatusPending,
		To:   state.StatusRunning,
	})
	if res.Valid {
		t.Fatal("expected invalid on status mismatch")
	}
	if !res.HasCode(validation.CodeInvalidCurrentStatus) {
		t.Error("missing INVALID_CURRENT_STATUS")
	}
	if !errors.Is(res.Err(), flowstate.ErrInvalidCurrentState) {
		t.Errorf("Err() = %v, want ErrInvalidCurrentState chain", res.Err())
	}
}

func TestConditionOperators(t *testing.T) {
	tests := []struct {
		name string
		cond validation.FieldCondition
		data map[string]any
		ok   bool
	}{
		{"equals hit", validation.FieldCondition{Field: "status", Operator: validation.OpEquals, Value: "ok"}, map[string]any{"status": "ok"}, true},
		{"equals miss", validation.FieldCondition{Field: "status", Operator: validation.OpEquals, Value: "ok"}, map[string]any{"status": "bad"}, false},
		{"equals numeric coercion", validation.FieldCondition{Field: "n", Operator: validation.OpEquals, Value: 5}, map[string]any{"n": 5.0}, true},
		{"not_equals", validation.FieldCondition{Field: "status", Operator: validation.OpNotEquals, Value: "ok"}, map[string]any{"status": "bad"}, true},
		{"in", validation.FieldCondition{Field: "region", Operator: validation.OpIn, Value: []any{"eu", "us"}}, map[string]any{"region": "eu"}, true},
		{"not_in", validation.FieldCondition{Field: "region", Operator: validation.OpNotIn, Value: []any{"eu"}}, map[string]any{"region": "apac"}, true},
		{"exists", validation.FieldCondition{Field: "approver", Operator: validation.OpExists}, map[string]any{"approver": "ann"}, true},
		{"not_exists", validation.FieldCondition{Field: "approver", Operator: validation.OpNotExists}, map[string]any{}, true},
		{"greater_than", validation.FieldCondition{Field: "amount", Operator: validation.OpGreaterThan, Value: 100}, map[string]any{"amount": 150}, true},
		{"less_than miss", validation.FieldCondition{Field: "amount", Operator: validation.OpLessThan, Value: 100}, map[string]any{"amount": 150}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validation.New(nil, validation.WithTransitionRules(validation.TransitionRule{
				Name:       "guarded-start",
				From:       []state.Status{state.StatusPending},
				To:         state.StatusRunning,
				Conditions: []validation.FieldCondition{tt.cond},
			}))

			res := v.ValidateTransition(newState(state.StatusPending), state.Transition{
				From: state.StatusPending,
				To:   state.StatusRunning,
				Data: tt.data,
			})
			if res.Valid != tt.ok {
				t.Errorf("Valid = %v, want %v (errors: %v)", res.Valid, tt.ok, res.Errors)
			}
		})
	}
}

func TestUnknownOperatorIsFalseWithWarning(t *testing.T) {
	v := validation.New(nil, validation.WithTransitionRules(validation.TransitionRule{
		Name:       "bogus-op",
		From:       []state.Status{state.StatusPending},
		To:         state.StatusRunning,
		Conditions: []validation.FieldCondition{{Field: "x", Operator: "regex_match", Value: ".*"}},
	}))

	res := v.ValidateTransition(newState(state.StatusPending), state.Transition{
		From: state.StatusPending,
		To:   state.StatusRunning,
		Data: map[string]any{"x": "anything"},
	})
	if res.Valid {
		t.Fatal("unknown operator must evaluate false")
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning for the unknown operator")
	}
}

func TestRequiredAndForbiddenFields(t *testing.T) {
	v := validation.New(nil, validation.WithTransitionRules(validation.TransitionRule{
		Name:            "approve",
		From:            []state.Status{state.StatusPending},
		To:              state.StatusRunning,
		RequiredFields:  []string{"approver"},
		ForbiddenFields: []string{"legacy_flag"},
	}))

	// Required field missing.
	res := v.ValidateTransition(newState(state.StatusPending), state.Transition{
		From: state.StatusPending, To: state.StatusRunning,
	})
	if res.Valid || !res.HasCode(validation.CodeMissingField) {
		t.Error("expected MISSING_FIELD for absent approver")
	}

	// Forbidden field present in state data.
	s := newState(state.StatusPending)
	s.Data["legacy_flag"] = true
	res = v.ValidateTransition(s, state.Transition{
		From: state.StatusPending, To: state.StatusRunning,
		Data: map[string]any{"approver": "ann"},
	})
	if res.Valid || !res.HasCode(validation.CodeForbiddenField) {
		t.Error("expected FORBIDDEN_FIELD for legacy_flag")
	}

	// Both satisfied.
	res = v.ValidateTransition(newState(state.StatusPending), state.Transition{
		From: state.StatusPending, To: state.StatusRunning,
		Data: map[string]any{"approver": "ann"},
	})
	if !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
}

func TestPredicatePanicIsolated(t *testing.T) {
	v := validation.New(nil, validation.WithTransitionRules(validation.TransitionRule{
		Name: "panicky",
		From: []state.Status{state.StatusPending},
		To:   state.StatusRunning,
		Predicate: func(_ *state.WorkflowState, _ state.Transition) error {
			panic("boom")
		},
	}))

	res := v.ValidateTransition(newState(state.StatusPending), state.Transition{
		From: state.StatusPending, To: state.StatusRunning,
	})
	if res.Valid {
		t.Fatal("panicking predicate must fail the transition")
	}
	if !res.HasCode(validation.CodeCustomValidatorError) {
		t.Error("missing CUSTOM_VALIDATOR_ERROR")
	}
}

func TestPredicateError(t *testing.T) {
	v := validation.New(nil, validation.WithTransitionRules(validation.TransitionRule{
		Name: "quota",
		From: []state.Status{state.StatusPending},
		To:   state.StatusRunning,
		Predicate: func(_ *state.WorkflowState, tr state.Transition) error {
			if tr.Actor == "" {
				return fmt.Errorf("actor required")
			}
			return nil
		},
	}))

	res := v.ValidateTransition(newState(state.StatusPending), state.Transition{
		From: state.StatusPending, To: state.StatusRunning,
	})
	if res.Valid || !res.HasCode(validation.CodeCustomValidatorError) {
		t.Error("expected CUSTOM_VALIDATOR_ERROR from predicate")
	}
}

func TestRulePanicIsolated(t *testing.T) {
	v := validation.New(nil)
	v.AddRule(validation.Rule{
		Name:     "panicky-rule",
		Priority: 5,
		Enabled:  true,
		Check: func(_ *state.WorkflowState, _ *state.Transition, _ *validation.Result) {
			panic("rule exploded")
		},
	})

	res := v.ValidateState(newState(state.StatusPending))
	if res.Valid {
		t.Fatal("panicking rule must mark the result invalid")
	}
	if !res.HasCode(validation.CodeValidationRuleError) {
		t.Error("missing VALIDATION_RULE_ERROR")
	}
}

func TestRulePriorityOrdering(t *testing.T) {
	v := validation.New(nil, validation.WithRules())

	var order []string
	mk := func(name string, prio int) validation.Rule {
		return validation.Rule{
			Name: name, Priority: prio, Enabled: true,
			Check: func(_ *state.WorkflowState, _ *state.Transition, _ *validation.Result) {
				order = append(order, name)
			},
		}
	}
	v.AddRule(mk("third", 30))
	v.AddRule(mk("first", 10))
	v.AddRule(mk("second", 20))

	v.ValidateState(newState(state.StatusPending))

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("ran %d rules, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestSetRuleEnabled(t *testing.T) {
	v := validation.New(nil, validation.WithStrict())

	s := newState(state.StatusCompleted)
	s.CurrentStep = "done-step"

	if res := v.ValidateState(s); res.Valid {
		t.Fatal("expected strict warning before disabling the rule")
	}

	if !v.SetRuleEnabled("terminal-step", false) {
		t.Fatal("SetRuleEnabled: rule not found")
	}
	if res := v.ValidateState(s); !res.Valid {
		t.Errorf("expected valid with rule disabled, got %v %v", res.Errors, res.Warnings)
	}
	if v.SetRuleEnabled("no-such-rule", true) {
		t.Error("SetRuleEnabled should report unknown rules")
	}
}

func TestStrictModeEscalatesWarnings(t *testing.T) {
	strict := validation.New(nil, validation.WithStrict())
	lenient := validation.New(nil)

	// Terminal state carrying a step triggers the terminal-step warning.
	s := newState(state.StatusCompleted)
	s.CurrentStep = "done-step"

	if res := lenient.ValidateState(s); !res.Valid {
		t.Errorf("lenient: expected valid, got %v", res.Errors)
	}
	if res := strict.ValidateState(s); res.Valid {
		t.Error("strict: warnings must mark the result invalid")
	}
}

func TestAllowedTransitions(t *testing.T) {
	v := validation.New(nil)

	got := v.AllowedTransitions(state.StatusRunning)
	want := []state.Status{
		state.StatusCancelled, state.StatusCompleted, state.StatusFailed,
		state.StatusPaused, state.StatusWaiting,
	}
	if len(got) != len(want) {
		t.Fatalf("AllowedTransitions(RUNNING) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if got := v.AllowedTransitions(state.StatusCompleted); len(got) != 0 {
		t.Errorf("AllowedTransitions(COMPLETED) = %v, want none", got)
	}
}

func TestRemoveTransitionRule(t *testing.T) {
	v := validation.New(nil)

	if !v.RemoveTransitionRule("complete") {
		t.Fatal("RemoveTransitionRule: rule not found")
	}
	if v.IsTransitionAllowed(state.StatusRunning, state.StatusCompleted) {
		t.Error("RUNNING -> COMPLETED should be forbidden after rule removal")
	}
}
