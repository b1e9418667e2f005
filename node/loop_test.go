package node_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/xraph/flowstate/backoff"
	"github.com/xraph/flowstate/condition"
	"github.com/xraph/flowstate/node"
	"github.com/xraph/flowstate/validation"
)

// stubNode is a scriptable Node for composing loop/parallel/executor tests.
type stubNode struct {
	name string
	fn   func(ctx context.Context, ec *node.ExecutionContext, input map[string]any) (*node.Result, error)
}

func (s *stubNode) Name() string                 { return s.name }
func (s *stubNode) Type() string                 { return "stub" }
func (s *stubNode) Estimate() time.Duration      { return time.Millisecond }
func (s *stubNode) Validate() *validation.Result { return validation.NewResult() }
func (s *stubNode) Execute(ctx context.Context, ec *node.ExecutionContext, input map[string]any) (*node.Result, error) {
	return s.fn(ctx, ec, input)
}

func countingBody(counter *int) *stubNode {
	return &stubNode{name: "body", fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
		*counter++
		return &node.Result{Success: true}, nil
	}}
}

func TestLoopWhile(t *testing.T) {
	ev := condition.NewEvaluator()

	iterations := 0
	body := &stubNode{name: "body", fn: func(_ context.Context, ec *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
		iterations++
		return &node.Result{Success: true, Variables: map[string]any{"remaining": 3 - iterations}}, nil
	}}

	loop := node.NewLoop(node.NewBase("drain", 0, backoff.None), node.LoopWhile, body, ev,
		node.WithLoopCondition("remaining > 0"))

	ec := newEC()
	ec.Variables["remaining"] = 3

	res, err := loop.Execute(context.Background(), ec, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.FailureReason)
	}
	if iterations != 3 {
		t.Errorf("iterations = %d, want 3", iterations)
	}
	if res.Output["iterations"] != 3 {
		t.Errorf("Output[iterations] = %v, want 3", res.Output["iterations"])
	}
}

func TestLoopFor(t *testing.T) {
	ev := condition.NewEvaluator()

	var indexes []int
	body := &stubNode{name: "body", fn: func(_ context.Context, ec *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
		indexes = append(indexes, ec.Variables["index"].(int))
		return &node.Result{Success: true}, nil
	}}

	loop := node.NewLoop(node.NewBase("count", 0, backoff.None), node.LoopFor, body, ev,
		node.WithCount(4))

	res, err := loop.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.FailureReason)
	}
	if len(indexes) != 4 || indexes[0] != 0 || indexes[3] != 3 {
		t.Errorf("indexes = %v, want [0 1 2 3]", indexes)
	}
}

func TestLoopForGuard(t *testing.T) {
	ev := condition.NewEvaluator()

	count := 0
	loop := node.NewLoop(node.NewBase("guarded", 0, backoff.None), node.LoopFor, countingBody(&count), ev,
		node.WithCount(10), node.WithLoopCondition("index < 2"))

	res, err := loop.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.FailureReason)
	}
	if count != 2 {
		t.Errorf("iterations = %d, want guard stop at 2", count)
	}
}

func TestLoopForEach(t *testing.T) {
	ev := condition.NewEvaluator()

	var seen []any
	body := &stubNode{name: "body", fn: func(_ context.Context, ec *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
		seen = append(seen, ec.Variables["region"])
		return &node.Result{Success: true}, nil
	}}

	loop := node.NewLoop(node.NewBase("fanout", 0, backoff.None), node.LoopForEach, body, ev,
		node.WithCollection("regions", "region", "i"))

	ec := newEC()
	ec.Variables["regions"] = []string{"eu", "us", "apac"}

	res, err := loop.Execute(context.Background(), ec, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.FailureReason)
	}
	if len(seen) != 3 || seen[0] != "eu" || seen[2] != "apac" {
		t.Errorf("seen = %v, want [eu us apac]", seen)
	}
}

func TestLoopForEachMissingCollection(t *testing.T) {
	ev := condition.NewEvaluator()
	count := 0
	loop := node.NewLoop(node.NewBase("missing", 0, backoff.None), node.LoopForEach, countingBody(&count), ev,
		node.WithCollection("ghosts", "item", "index"))

	res, err := loop.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true for a missing collection")
	}
	if !strings.Contains(res.FailureReason, "ghosts") {
		t.Errorf("FailureReason = %q", res.FailureReason)
	}
}

func TestLoopIterationCeiling(t *testing.T) {
	ev := condition.NewEvaluator()
	count := 0
	loop := node.NewLoop(node.NewBase("runaway", 0, backoff.None), node.LoopWhile, countingBody(&count), ev,
		node.WithLoopCondition("true"), node.WithMaxIterations(5))

	res, err := loop.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true after hitting the ceiling")
	}
	if count != 5 {
		t.Errorf("iterations = %d, want ceiling at 5", count)
	}
	if !strings.Contains(res.FailureReason, "ceiling") {
		t.Errorf("FailureReason = %q", res.FailureReason)
	}
}

func TestLoopBodyFailureHalts(t *testing.T) {
	ev := condition.NewEvaluator()

	calls := 0
	body := &stubNode{name: "flaky", fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
		calls++
		if calls == 2 {
			return &node.Result{Success: false, FailureReason: "second time unlucky"}, nil
		}
		return &node.Result{Success: true}, nil
	}}

	loop := node.NewLoop(node.NewBase("fragile", 0, backoff.None), node.LoopFor, body, ev,
		node.WithCount(5))

	res, err := loop.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true after a body failure")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want halt after the failing iteration", calls)
	}
	if !strings.Contains(res.FailureReason, "second time unlucky") {
		t.Errorf("FailureReason = %q", res.FailureReason)
	}
}

func TestLoopBodyWaitHalts(t *testing.T) {
	ev := condition.NewEvaluator()
	body := &stubNode{name: "waiter", fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
		return &node.Result{Success: true, ShouldWait: true}, nil
	}}

	loop := node.NewLoop(node.NewBase("patient", 0, backoff.None), node.LoopFor, body, ev,
		node.WithCount(5))

	res, err := loop.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || !res.ShouldWait {
		t.Errorf("got success=%v wait=%v, want true/true", res.Success, res.ShouldWait)
	}
}

func TestLoopValidate(t *testing.T) {
	ev := condition.NewEvaluator()

	tests := []struct {
		name string
		loop *node.LoopNode
		ok   bool
	}{
		{"while without condition", node.NewLoop(node.NewBase("w", 0, backoff.None), node.LoopWhile, countingBody(new(int)), ev), false},
		{"for without count", node.NewLoop(node.NewBase("f", 0, backoff.None), node.LoopFor, countingBody(new(int)), ev), false},
		{"foreach without collection", node.NewLoop(node.NewBase("fe", 0, backoff.None), node.LoopForEach, countingBody(new(int)), ev), false},
		{"nil body", node.NewLoop(node.NewBase("nb", 0, backoff.None), node.LoopFor, nil, ev, node.WithCount(1)), false},
		{"unknown kind", node.NewLoop(node.NewBase("uk", 0, backoff.None), "until", countingBody(new(int)), ev), false},
		{"valid for", node.NewLoop(node.NewBase("ok", 0, backoff.None), node.LoopFor, countingBody(new(int)), ev, node.WithCount(3)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := tt.loop.Validate(); res.Valid != tt.ok {
				t.Errorf("Valid = %v, want %v (errors: %v)", res.Valid, tt.ok, res.Errors)
			}
		})
	}
}
