package node_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xraph/flowstate/backoff"
	"github.com/xraph/flowstate/id"
	"github.com/xraph/flowstate/node"
	"github.com/xraph/flowstate/validation"
)

func newEC() *node.ExecutionContext {
	return node.NewExecutionContext(id.NewWorkflowID(), id.NewStateID(), nil, nil)
}

func okAction(name string, output any) node.Action {
	return node.ActionFunc{ActionName: name, Fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.ActionResult, error) {
		return &node.ActionResult{Success: true, Output: output}, nil
	}}
}

func failAction(name, reason string) node.Action {
	return node.ActionFunc{ActionName: name, Fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.ActionResult, error) {
		return &node.ActionResult{Success: false, Err: reason}, nil
	}}
}

func TestTaskRunsActionsInOrder(t *testing.T) {
	var order []string
	mk := func(name string) node.Action {
		return node.ActionFunc{ActionName: name, Fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.ActionResult, error) {
			order = append(order, name)
			return &node.ActionResult{Success: true, Output: name}, nil
		}}
	}

	task := node.NewTask(node.NewBase("ordered", 0, backoff.None),
		[]node.Action{mk("fetch"), mk("transform"), mk("store")})

	res, err := task.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.FailureReason)
	}

	want := []string{"fetch", "transform", "store"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if res.Output["transform"] != "transform" {
		t.Errorf("Output[transform] = %v", res.Output["transform"])
	}
}

func TestTaskStopsAtFirstFailure(t *testing.T) {
	var thirdRan bool
	third := node.ActionFunc{ActionName: "third", Fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.ActionResult, error) {
		thirdRan = true
		return &node.ActionResult{Success: true}, nil
	}}

	task := node.NewTask(node.NewBase("halting", 0, backoff.None),
		[]node.Action{okAction("first", nil), failAction("second", "disk full"), third})

	res, err := task.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want failure")
	}
	if want := "action 2/3 (second) failed: disk full"; res.FailureReason != want {
		t.Errorf("FailureReason = %q, want %q", res.FailureReason, want)
	}
	if thirdRan {
		t.Error("action after the failure still ran")
	}
}

func TestTaskContinueOnError(t *testing.T) {
	task := node.NewTask(node.NewBase("tolerant", 0, backoff.None),
		[]node.Action{failAction("a", "nope"), okAction("b", 42), failAction("c", "nope")},
		node.WithContinueOnError())

	res, err := task.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, want true with one surviving action")
	}
	if res.Output["b"] != 42 {
		t.Errorf("Output[b] = %v, want 42", res.Output["b"])
	}

	allFail := node.NewTask(node.NewBase("doomed", 0, backoff.None),
		[]node.Action{failAction("a", "no"), failAction("b", "no")},
		node.WithContinueOnError())
	res, _ = allFail.Execute(context.Background(), newEC(), nil)
	if res.Success {
		t.Error("Success = true with every action failing")
	}
	if !strings.Contains(res.FailureReason, "all 2 actions failed") {
		t.Errorf("FailureReason = %q", res.FailureReason)
	}
}

func TestTaskActionError(t *testing.T) {
	boom := errors.New("network down")
	erroring := node.ActionFunc{ActionName: "call", Fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.ActionResult, error) {
		return nil, boom
	}}

	task := node.NewTask(node.NewBase("erroring", 0, backoff.None), []node.Action{erroring})
	res, err := task.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true, want domain failure")
	}
	if !strings.Contains(res.FailureReason, "network down") {
		t.Errorf("FailureReason = %q, want action error included", res.FailureReason)
	}
}

func TestTaskShouldWaitHaltsRemaining(t *testing.T) {
	waiting := node.ActionFunc{ActionName: "approval", Fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.ActionResult, error) {
		return &node.ActionResult{Success: true, ShouldWait: true}, nil
	}}
	var afterRan bool
	after := node.ActionFunc{ActionName: "after", Fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.ActionResult, error) {
		afterRan = true
		return &node.ActionResult{Success: true}, nil
	}}

	task := node.NewTask(node.NewBase("waiting", 0, backoff.None), []node.Action{waiting, after})
	res, err := task.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || !res.ShouldWait {
		t.Errorf("got success=%v wait=%v, want true/true", res.Success, res.ShouldWait)
	}
	if afterRan {
		t.Error("action after the wait request still ran")
	}
}

func TestTaskCollectsVariables(t *testing.T) {
	producer := node.ActionFunc{ActionName: "produce", Fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.ActionResult, error) {
		return &node.ActionResult{Success: true, Variables: map[string]any{"order_id": "ord-7"}}, nil
	}}

	task := node.NewTask(node.NewBase("vars", 0, backoff.None), []node.Action{producer})
	res, _ := task.Execute(context.Background(), newEC(), nil)
	if res.Variables["order_id"] != "ord-7" {
		t.Errorf("Variables = %v, want order_id carried", res.Variables)
	}
}

func TestTaskValidate(t *testing.T) {
	empty := node.NewTask(node.NewBase("", 0, backoff.None), nil)
	res := empty.Validate()
	if res.Valid {
		t.Fatal("expected invalid for nameless, actionless task")
	}
	if !res.HasCode(validation.CodeMissingField) {
		t.Error("missing MISSING_FIELD issues")
	}

	ok := node.NewTask(node.NewBase("named", 0, backoff.None), []node.Action{okAction("a", nil)})
	if res := ok.Validate(); !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
}
