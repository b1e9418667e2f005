package strategy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/condition"
	"github.com/xraph/flowstate/graph"
	"github.com/xraph/flowstate/id"
	"github.com/xraph/flowstate/node"
	"github.com/xraph/flowstate/strategy"
	"github.com/xraph/flowstate/validation"
)

func deps() strategy.Deps {
	return strategy.Deps{
		Executor:  node.NewExecutor(nil, nil),
		Evaluator: condition.NewEvaluator(),
	}
}

func newEC() *node.ExecutionContext {
	return node.NewExecutionContext(id.NewWorkflowID(), id.NewStateID(), nil, nil)
}

// stub is a minimal Node that records executions and publishes variables.
type stub struct {
	name string
	mu   sync.Mutex
	runs int
	fn   func(ec *node.ExecutionContext) (*node.Result, error)
}

func (p *stub) Name() string                 { return p.name }
func (p *stub) Type() string                 { return "stub" }
func (p *stub) Estimate() time.Duration      { return time.Millisecond }
func (p *stub) Validate() *validation.Result { return validation.NewResult() }
func (p *stub) Execute(_ context.Context, ec *node.ExecutionContext, _ map[string]any) (*node.Result, error) {
	p.mu.Lock()
	p.runs++
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ec)
	}
	return &node.Result{Success: true}, nil
}

func (p *stub) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func okNode(name string) *stub { return &stub{name: name} }

func mustValidate(t *testing.T, g *graph.Graph) *graph.Graph {
	t.Helper()
	if err := g.Validate(); err != nil {
		t.Fatalf("graph.Validate: %v", err)
	}
	return g
}

// ──────────────────────────────────────────────────
// Sequential
// ──────────────────────────────────────────────────

func TestSequentialWalksToFinal(t *testing.T) {
	a, b, c := okNode("a"), okNode("b"), okNode("c")
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "chain",
		States: []*graph.State{
			{ID: "s1", Initial: true, Node: a},
			{ID: "s2", Node: b},
			{ID: "s3", Final: true, Node: c},
		},
		Transitions: []*graph.Transition{
			{From: "s1", To: "s2"},
			{From: "s2", To: "s3"},
		},
	})

	res, err := strategy.NewSequential(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("Success = false")
	}
	if res.Visited() != 3 {
		t.Errorf("Visited = %d, want 3", res.Visited())
	}
	for _, p := range []*stub{a, b, c} {
		if p.Runs() != 1 {
			t.Errorf("node %s ran %d times, want 1", p.name, p.Runs())
		}
	}
	if res.Strategy != strategy.NameSequential {
		t.Errorf("Strategy = %q", res.Strategy)
	}
}

func TestSequentialGuardRouting(t *testing.T) {
	hi, lo := okNode("hi"), okNode("lo")
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "branch",
		States: []*graph.State{
			{ID: "start", Initial: true, Node: &stub{name: "seed", fn: func(_ *node.ExecutionContext) (*node.Result, error) {
				return &node.Result{Success: true, Variables: map[string]any{"amount": 500}}, nil
			}}},
			{ID: "review", Final: true, Node: hi},
			{ID: "auto", Final: true, Node: lo},
		},
		Transitions: []*graph.Transition{
			{From: "start", To: "review", Guard: "amount > 100", Priority: 10},
			{From: "start", To: "auto", Priority: 1},
		},
	})

	res, err := strategy.NewSequential(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("Success = false")
	}
	if hi.Runs() != 1 || lo.Runs() != 0 {
		t.Errorf("review ran %d, auto ran %d; want guard to route to review", hi.Runs(), lo.Runs())
	}
}

func TestSequentialGuardErrorSkipsEdge(t *testing.T) {
	fallback := okNode("fallback")
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "broken-guard",
		States: []*graph.State{
			{ID: "start", Initial: true},
			{ID: "broken", Final: true},
			{ID: "safe", Final: true, Node: fallback},
		},
		Transitions: []*graph.Transition{
			{From: "start", To: "broken", Guard: "1 +", Priority: 10},
			{From: "start", To: "safe", Priority: 1},
		},
	})

	res, err := strategy.NewSequential(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("Success = false")
	}
	if fallback.Runs() != 1 {
		t.Error("broken guard did not fall through to the lower-priority edge")
	}
}

func TestSequentialNodeFailureStops(t *testing.T) {
	never := okNode("never")
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "failing",
		States: []*graph.State{
			{ID: "start", Initial: true, Node: &stub{name: "doomed", fn: func(_ *node.ExecutionContext) (*node.Result, error) {
				return &node.Result{Success: false, FailureReason: "out of stock"}, nil
			}}},
			{ID: "end", Final: true, Node: never},
		},
		Transitions: []*graph.Transition{{From: "start", To: "end"}},
	})

	res, err := strategy.NewSequential(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("Success = true after node failure")
	}
	if never.Runs() != 0 {
		t.Error("walk continued past the failed state")
	}
	if rec := res.Record("start"); rec == nil || rec.Error != "out of stock" {
		t.Errorf("Record(start) = %+v", rec)
	}
}

func TestSequentialWaitSuspends(t *testing.T) {
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "waiting",
		States: []*graph.State{
			{ID: "start", Initial: true, Node: &stub{name: "approval", fn: func(_ *node.ExecutionContext) (*node.Result, error) {
				return &node.Result{Success: true, ShouldWait: true}, nil
			}}},
			{ID: "end", Final: true},
		},
		Transitions: []*graph.Transition{{From: "start", To: "end"}},
	})

	res, err := strategy.NewSequential(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true for a suspended run")
	}
	if !res.Suspended {
		t.Error("Suspended = false after a node asked to wait")
	}
	if res.Visited() != 1 {
		t.Errorf("Visited = %d, want suspension after the first state", res.Visited())
	}
}

func TestSequentialCycleCap(t *testing.T) {
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "cycle",
		States: []*graph.State{
			{ID: "a", Initial: true},
			{ID: "b"},
			{ID: "end", Final: true},
		},
		Transitions: []*graph.Transition{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
			// Unreachable without a guard break.
			{From: "b", To: "end", Guard: "false", Priority: -1},
		},
	})

	_, err := strategy.NewSequential(deps()).Execute(context.Background(), g, newEC())
	if err == nil {
		t.Fatal("Execute settled a guard cycle, want step-cap error")
	}
}

// ──────────────────────────────────────────────────
// Parallel
// ──────────────────────────────────────────────────

func fanGraph(t *testing.T, mid ...*graph.State) *graph.Graph {
	t.Helper()
	states := []*graph.State{{ID: "start", Initial: true}}
	var transitions []*graph.Transition
	for _, st := range mid {
		states = append(states, st)
		transitions = append(transitions,
			&graph.Transition{From: "start", To: st.ID},
			&graph.Transition{From: st.ID, To: "end"},
		)
	}
	states = append(states, &graph.State{ID: "end", Final: true})
	return mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "fan",
		States: states, Transitions: transitions,
	})
}

func TestParallelFanOut(t *testing.T) {
	w1, w2, w3 := okNode("w1"), okNode("w2"), okNode("w3")
	g := fanGraph(t,
		&graph.State{ID: "m1", Node: w1},
		&graph.State{ID: "m2", Node: w2},
		&graph.State{ID: "m3", Node: w3},
	)

	res, err := strategy.NewParallel(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("Success = false")
	}
	// start, three middles, end.
	if res.Visited() != 5 {
		t.Errorf("Visited = %d, want 5", res.Visited())
	}
	for _, p := range []*stub{w1, w2, w3} {
		if p.Runs() != 1 {
			t.Errorf("node %s ran %d times, want exactly 1", p.name, p.Runs())
		}
	}
}

func TestParallelMergesVariablesBetweenWaves(t *testing.T) {
	emit := func(key string) *stub {
		return &stub{name: key, fn: func(_ *node.ExecutionContext) (*node.Result, error) {
			return &node.Result{Success: true, Variables: map[string]any{key: true}}, nil
		}}
	}

	var sawBoth bool
	check := &stub{name: "check", fn: func(ec *node.ExecutionContext) (*node.Result, error) {
		sawBoth = ec.Variables["left"] == true && ec.Variables["right"] == true
		return &node.Result{Success: true}, nil
	}}

	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "merge",
		States: []*graph.State{
			{ID: "start", Initial: true},
			{ID: "l", Node: emit("left")},
			{ID: "r", Node: emit("right")},
			{ID: "end", Final: true, Node: check},
		},
		Transitions: []*graph.Transition{
			{From: "start", To: "l"},
			{From: "start", To: "r"},
			{From: "l", To: "end"},
			{From: "r", To: "end"},
		},
	})

	res, err := strategy.NewParallel(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("Success = false")
	}
	if !sawBoth {
		t.Error("final wave did not observe both branches' variables")
	}
	if res.Variables["left"] != true || res.Variables["right"] != true {
		t.Errorf("result Variables = %v", res.Variables)
	}
}

func TestParallelDependentCandidatesRunInOrder(t *testing.T) {
	writer := &stub{name: "writer", fn: func(_ *node.ExecutionContext) (*node.Result, error) {
		return &node.Result{Success: true, Variables: map[string]any{"x": 1}}, nil
	}}
	var sawX bool
	reader := &stub{name: "reader", fn: func(ec *node.ExecutionContext) (*node.Result, error) {
		sawX = ec.Variables["x"] == 1
		return &node.Result{Success: true}, nil
	}}

	// b and c are both reachable from start, but b→c makes them
	// dependent: they must never share a wave.
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "dependent-fan",
		States: []*graph.State{
			{ID: "start", Initial: true},
			{ID: "b", Node: writer},
			{ID: "c", Final: true, Node: reader},
		},
		Transitions: []*graph.Transition{
			{From: "start", To: "b"},
			{From: "start", To: "c"},
			{From: "b", To: "c"},
		},
	})

	res, err := strategy.NewParallel(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("Success = false")
	}
	if writer.Runs() != 1 || reader.Runs() != 1 {
		t.Errorf("writer ran %d, reader ran %d; want 1 each", writer.Runs(), reader.Runs())
	}
	if !sawX {
		t.Error("reader ran in the writer's wave and missed its variables")
	}
}

func TestParallelFailureStopsWaves(t *testing.T) {
	after := okNode("after")
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "failing-wave",
		States: []*graph.State{
			{ID: "start", Initial: true},
			{ID: "bad", Node: &stub{name: "bad", fn: func(_ *node.ExecutionContext) (*node.Result, error) {
				return &node.Result{Success: false, FailureReason: "nope"}, nil
			}}},
			{ID: "end", Final: true, Node: after},
		},
		Transitions: []*graph.Transition{
			{From: "start", To: "bad"},
			{From: "bad", To: "end"},
		},
	})

	res, err := strategy.NewParallel(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true with a failed wave")
	}
	if after.Runs() != 0 {
		t.Error("wave after the failure still ran")
	}
}

func TestParallelGuardFiltersWaveMembers(t *testing.T) {
	wanted, unwanted := okNode("wanted"), okNode("unwanted")
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "guarded-fan",
		States: []*graph.State{
			{ID: "start", Initial: true, Node: &stub{name: "seed", fn: func(_ *node.ExecutionContext) (*node.Result, error) {
				return &node.Result{Success: true, Variables: map[string]any{"tier": "gold"}}, nil
			}}},
			{ID: "vip", Node: wanted},
			{ID: "basic", Node: unwanted},
			{ID: "end", Final: true},
		},
		Transitions: []*graph.Transition{
			{From: "start", To: "vip", Guard: `tier == "gold"`},
			{From: "start", To: "basic", Guard: `tier == "basic"`},
			{From: "vip", To: "end"},
			{From: "basic", To: "end"},
		},
	})

	res, err := strategy.NewParallel(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("Success = false")
	}
	if wanted.Runs() != 1 || unwanted.Runs() != 0 {
		t.Errorf("vip ran %d, basic ran %d; want guards to admit only vip", wanted.Runs(), unwanted.Runs())
	}
}

// starGraph fans out from the initial state straight to final leaves, so
// every state sits at a boundary and the parallelizability score is 1.
func starGraph(t *testing.T, leaves ...*graph.State) *graph.Graph {
	t.Helper()
	states := []*graph.State{{ID: "start", Initial: true}}
	var transitions []*graph.Transition
	for _, st := range leaves {
		st.Final = true
		states = append(states, st)
		transitions = append(transitions, &graph.Transition{From: "start", To: st.ID})
	}
	return mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "star",
		States: states, Transitions: transitions,
	})
}

// ──────────────────────────────────────────────────
// Adaptive
// ──────────────────────────────────────────────────

func TestAdaptiveChoosesByShape(t *testing.T) {
	a := strategy.NewAdaptive(deps())

	// A long chain: only the two endpoints sit at a boundary.
	chain := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "chain",
		States: []*graph.State{
			{ID: "s1", Initial: true}, {ID: "s2"}, {ID: "s3"}, {ID: "s4"},
			{ID: "s5", Final: true},
		},
		Transitions: []*graph.Transition{
			{From: "s1", To: "s2"}, {From: "s2", To: "s3"},
			{From: "s3", To: "s4"}, {From: "s4", To: "s5"},
		},
	})
	if got := a.Chosen(chain); got != strategy.NameSequential {
		t.Errorf("Chosen(chain) = %q, want sequential", got)
	}

	// A star: every state is a boundary state.
	star := starGraph(t,
		&graph.State{ID: "m1"}, &graph.State{ID: "m2"}, &graph.State{ID: "m3"},
	)
	if got := a.Chosen(star); got != strategy.NameParallel {
		t.Errorf("Chosen(star) = %q, want parallel", got)
	}

	// A diamond fan re-converging on one final state scores below the
	// threshold: the middle states all have edges on both sides.
	diamond := fanGraph(t,
		&graph.State{ID: "d1"}, &graph.State{ID: "d2"}, &graph.State{ID: "d3"},
	)
	if got := a.Chosen(diamond); got != strategy.NameSequential {
		t.Errorf("Chosen(diamond) = %q, want sequential", got)
	}
}

func TestAdaptiveLabelsDelegate(t *testing.T) {
	g := starGraph(t, &graph.State{ID: "m1"}, &graph.State{ID: "m2"})

	res, err := strategy.NewAdaptive(deps()).Execute(context.Background(), g, newEC())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Strategy != "adaptive/parallel" {
		t.Errorf("Strategy = %q, want adaptive/parallel", res.Strategy)
	}
	if !res.Success {
		t.Error("Success = false")
	}
}

// ──────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────

func TestRegistryBuiltins(t *testing.T) {
	r := strategy.NewRegistry()

	names := r.Names()
	want := []string{"adaptive", "parallel", "sequential"}
	if len(names) != len(want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	for _, name := range want {
		s, err := r.New(name, deps())
		if err != nil {
			t.Errorf("New(%q): %v", name, err)
			continue
		}
		if s.Name() != name {
			t.Errorf("Name() = %q, want %q", s.Name(), name)
		}
	}
}

func TestRegistryUnknownStrategy(t *testing.T) {
	r := strategy.NewRegistry()

	_, err := r.New("quantum", deps())
	if !errors.Is(err, flowstate.ErrStrategyNotFound) {
		t.Errorf("err = %v, want ErrStrategyNotFound", err)
	}
}

func TestRegistryCustomStrategy(t *testing.T) {
	r := strategy.NewRegistry()

	r.Register("noop", func(d strategy.Deps) strategy.Strategy {
		return noopStrategy{}
	})

	s, err := r.New("noop", deps())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Name() != "noop" {
		t.Errorf("Name = %q", s.Name())
	}
}

func TestRegistryRecommend(t *testing.T) {
	r := strategy.NewRegistry()

	star := starGraph(t, &graph.State{ID: "m1"}, &graph.State{ID: "m2"}, &graph.State{ID: "m3"})
	if got := r.Recommend(star); got != strategy.NameParallel {
		t.Errorf("Recommend(star) = %q, want parallel", got)
	}
}

func TestStrategyEstimates(t *testing.T) {
	g := mustValidate(t, &graph.Graph{
		ID: id.NewWorkflowID(), Name: "estimated",
		States: []*graph.State{
			{ID: "s1", Initial: true, Node: okNode("a")},
			{ID: "s2", Node: okNode("b")},
			{ID: "s3", Final: true, Node: okNode("c")},
		},
		Transitions: []*graph.Transition{
			{From: "s1", To: "s2"},
			{From: "s2", To: "s3"},
		},
	})

	seq := strategy.NewSequential(deps())
	if !seq.CanExecute(g) {
		t.Error("sequential CanExecute = false")
	}
	if got := seq.Estimate(g); got != 3*time.Millisecond {
		t.Errorf("sequential Estimate = %v, want 3ms", got)
	}

	par := strategy.NewParallel(deps(), strategy.WithWaveConcurrency(3))
	if got := par.Estimate(g); got != time.Millisecond {
		t.Errorf("parallel Estimate = %v, want 1ms", got)
	}

	if strategy.NewSequential(deps()).CanExecute(&graph.Graph{Name: "empty"}) {
		t.Error("CanExecute = true for graph without entry point")
	}
}

type noopStrategy struct{}

func (noopStrategy) Name() string { return "noop" }
func (noopStrategy) Execute(_ context.Context, g *graph.Graph, ec *node.ExecutionContext) (*graph.Result, error) {
	return &graph.Result{Success: true, Strategy: "noop"}, nil
}
func (noopStrategy) CanExecute(*graph.Graph) bool        { return true }
func (noopStrategy) Estimate(*graph.Graph) time.Duration { return 0 }
