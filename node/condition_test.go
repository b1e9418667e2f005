package node_test

import (
	"context"
	"testing"

	"github.com/xraph/flowstate/backoff"
	"github.com/xraph/flowstate/condition"
	"github.com/xraph/flowstate/node"
)

func TestConditionRouting(t *testing.T) {
	ev := condition.NewEvaluator()
	cond := node.NewCondition(node.NewBase("gate", 0, backoff.None), ev,
		`amount > 100`, "manual-review", "auto-approve")

	tests := []struct {
		amount int
		want   string
		value  bool
	}{
		{150, "manual-review", true},
		{50, "auto-approve", false},
	}
	for _, tt := range tests {
		res, err := cond.Execute(context.Background(), newEC(), map[string]any{"amount": tt.amount})
		if err != nil {
			t.Fatalf("Execute(amount=%d): %v", tt.amount, err)
		}
		if !res.Success {
			t.Fatalf("Success = false: %s", res.FailureReason)
		}
		if res.NextNodeID != tt.want {
			t.Errorf("amount=%d: NextNodeID = %q, want %q", tt.amount, res.NextNodeID, tt.want)
		}
		if res.Output["result"] != tt.value {
			t.Errorf("amount=%d: Output[result] = %v, want %v", tt.amount, res.Output["result"], tt.value)
		}
	}
}

func TestConditionContextVariables(t *testing.T) {
	ev := condition.NewEvaluator()
	cond := node.NewCondition(node.NewBase("gate", 0, backoff.None), ev,
		`region == "eu"`, "eu-flow", "global-flow")

	ec := newEC()
	ec.Variables["region"] = "eu"

	res, err := cond.Execute(context.Background(), ec, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.NextNodeID != "eu-flow" {
		t.Errorf("NextNodeID = %q, want eu-flow", res.NextNodeID)
	}

	// Input overlays context variables.
	res, _ = cond.Execute(context.Background(), ec, map[string]any{"region": "us"})
	if res.NextNodeID != "global-flow" {
		t.Errorf("NextNodeID = %q, want global-flow with input override", res.NextNodeID)
	}
}

func TestConditionEvalFailureRoutesToDefault(t *testing.T) {
	ev := condition.NewEvaluator()
	cond := node.NewCondition(node.NewBase("broken", 0, backoff.None), ev,
		`1 +`, "yes", "no", node.WithDefaultTarget("fallback"))

	res, err := cond.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true for a broken expression")
	}
	if res.NextNodeID != "fallback" {
		t.Errorf("NextNodeID = %q, want fallback", res.NextNodeID)
	}
}

func TestConditionDefaultForUnsetBranch(t *testing.T) {
	ev := condition.NewEvaluator()
	// No false target configured; default fills in.
	cond := node.NewCondition(node.NewBase("one-sided", 0, backoff.None), ev,
		`ready`, "go", "", node.WithDefaultTarget("hold"))

	res, err := cond.Execute(context.Background(), newEC(), map[string]any{"ready": false})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.NextNodeID != "hold" {
		t.Errorf("NextNodeID = %q, want hold", res.NextNodeID)
	}
}

func TestConditionValidate(t *testing.T) {
	bad := node.NewCondition(node.NewBase("bad", 0, backoff.None), nil, "", "", "")
	if res := bad.Validate(); res.Valid {
		t.Error("expected invalid for empty condition node")
	}

	ok := node.NewCondition(node.NewBase("ok", 0, backoff.None), condition.NewEvaluator(), "x > 0", "a", "b")
	if res := ok.Validate(); !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
}
