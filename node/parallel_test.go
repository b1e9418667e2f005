package node_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/xraph/flowstate/backoff"
	"github.com/xraph/flowstate/node"
)

// stubResolver builds a Resolver over named stub nodes.
func stubResolver(nodes map[string]*stubNode) node.Resolver {
	return func(nodeID string) (node.Node, bool) {
		n, ok := nodes[nodeID]
		return n, ok
	}
}

func TestParallelBatching(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	children := map[string]*stubNode{}
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, cid := range ids {
		children[cid] = &stubNode{name: cid, fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			mu.Lock()
			inFlight--
			mu.Unlock()
			return &node.Result{Success: true}, nil
		}}
	}

	p := node.NewParallel(node.NewBase("fanout", 0, backoff.None), ids,
		stubResolver(children), node.WithMaxConcurrency(2))

	res, err := p.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.FailureReason)
	}
	// 5 children at concurrency 2 partition into 3 batches.
	if res.Output["batches"] != 3 {
		t.Errorf("Output[batches] = %v, want 3", res.Output["batches"])
	}
	if res.Output["children"] != 5 {
		t.Errorf("Output[children] = %v, want 5", res.Output["children"])
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if res.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", res.SuccessRate)
	}
}

func TestParallelSettleAll(t *testing.T) {
	var mu sync.Mutex
	ran := map[string]bool{}
	mk := func(cid string, ok bool) *stubNode {
		return &stubNode{name: cid, fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
			mu.Lock()
			ran[cid] = true
			mu.Unlock()
			if !ok {
				return &node.Result{Success: false, FailureReason: cid + " refused"}, nil
			}
			return &node.Result{Success: true}, nil
		}}
	}

	children := map[string]*stubNode{
		"good-1": mk("good-1", true),
		"bad":    mk("bad", false),
		"good-2": mk("good-2", true),
	}

	p := node.NewParallel(node.NewBase("mixed", 0, backoff.None),
		[]string{"good-1", "bad", "good-2"}, stubResolver(children))

	res, err := p.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true with a failed child under waitForAll")
	}
	for cid := range children {
		if !ran[cid] {
			t.Errorf("child %s never ran; failures must not cancel siblings", cid)
		}
	}
	if want := 2.0 / 3.0; res.SuccessRate != want {
		t.Errorf("SuccessRate = %v, want %v", res.SuccessRate, want)
	}
	if !strings.Contains(res.FailureReason, "1/3 children failed") {
		t.Errorf("FailureReason = %q", res.FailureReason)
	}
}

func TestParallelWaitForAny(t *testing.T) {
	children := map[string]*stubNode{
		"fails": {name: "fails", fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
			return &node.Result{Success: false, FailureReason: "no"}, nil
		}},
		"works": {name: "works", fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
			return &node.Result{Success: true}, nil
		}},
	}

	p := node.NewParallel(node.NewBase("racy", 0, backoff.None),
		[]string{"fails", "works"}, stubResolver(children), node.WithWaitForAny())

	res, err := p.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, want true with one surviving child")
	}
}

func TestParallelVariablesFromSuccessfulChildrenOnly(t *testing.T) {
	children := map[string]*stubNode{
		"winner": {name: "winner", fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
			return &node.Result{Success: true, Variables: map[string]any{"won": true}}, nil
		}},
		"loser": {name: "loser", fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
			return &node.Result{Success: false, Variables: map[string]any{"lost": true}, FailureReason: "no"}, nil
		}},
	}

	p := node.NewParallel(node.NewBase("selective", 0, backoff.None),
		[]string{"winner", "loser"}, stubResolver(children), node.WithWaitForAny())

	res, _ := p.Execute(context.Background(), newEC(), nil)
	if res.Variables["won"] != true {
		t.Error("successful child's variables missing")
	}
	if _, leaked := res.Variables["lost"]; leaked {
		t.Error("failed child's variables leaked into the result")
	}
}

func TestParallelChildPanicSettles(t *testing.T) {
	children := map[string]*stubNode{
		"bomb": {name: "bomb", fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
			panic("child exploded")
		}},
		"calm": {name: "calm", fn: func(_ context.Context, _ *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
			return &node.Result{Success: true}, nil
		}},
	}

	p := node.NewParallel(node.NewBase("volatile", 0, backoff.None),
		[]string{"bomb", "calm"}, stubResolver(children))

	res, err := p.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true with a panicked child")
	}
	results := res.Output["results"].(map[string]any)
	bomb := results["bomb"].(map[string]any)
	if !strings.Contains(bomb["error"].(string), "panicked") {
		t.Errorf("bomb error = %v, want panic captured", bomb["error"])
	}
	calm := results["calm"].(map[string]any)
	if calm["success"] != true {
		t.Error("sibling of the panicked child did not settle successfully")
	}
}

func TestParallelUnresolvableChild(t *testing.T) {
	p := node.NewParallel(node.NewBase("dangling", 0, backoff.None),
		[]string{"ghost"}, stubResolver(nil))

	res, err := p.Execute(context.Background(), newEC(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true with an unresolvable child")
	}
}

func TestParallelValidate(t *testing.T) {
	bad := node.NewParallel(node.NewBase("bad", 0, backoff.None), nil, nil)
	if res := bad.Validate(); res.Valid {
		t.Error("expected invalid without children and resolver")
	}

	ok := node.NewParallel(node.NewBase("ok", 0, backoff.None), []string{"a"}, stubResolver(nil))
	if res := ok.Validate(); !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
}
