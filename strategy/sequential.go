package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/flowstate/graph"
	"github.com/xraph/flowstate/node"
)

// NameSequential is the registry key of the sequential strategy.
const NameSequential = "sequential"

// Sequential walks the graph one state at a time. From each state it
// follows the highest-priority outgoing transition whose guard holds
// against the execution variables, and stops at a final state, at a
// state with no satisfiable edge, or on node failure.
type Sequential struct {
	deps Deps
}

var _ Strategy = (*Sequential)(nil)

// NewSequential creates the sequential strategy.
func NewSequential(deps Deps) *Sequential {
	return &Sequential{deps: deps}
}

// Name implements Strategy.
func (s *Sequential) Name() string { return NameSequential }

// CanExecute implements Strategy. Any graph with an entry point can be
// walked sequentially.
func (s *Sequential) CanExecute(g *graph.Graph) bool { return g.InitialState() != nil }

// Estimate implements Strategy. A single walker pays every node's cost
// in turn.
func (s *Sequential) Estimate(g *graph.Graph) time.Duration { return estimateTotal(g) }

// Execute implements Strategy.
func (s *Sequential) Execute(ctx context.Context, g *graph.Graph, ec *node.ExecutionContext) (*graph.Result, error) {
	logger := s.deps.logger()

	res := &graph.Result{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  g.ID,
		Strategy:    s.Name(),
		StartedAt:   time.Now(),
	}

	// A walk longer than this is a cycle the guards never break.
	maxSteps := len(g.States) * 10
	if maxSteps < 1 {
		maxSteps = 1
	}

	current := g.InitialState()
	if current == nil {
		return nil, fmt.Errorf("strategy %s: graph %q has no initial state", s.Name(), g.Name)
	}

	for step := 0; ; step++ {
		select {
		case <-ctx.Done():
			res.FinishedAt = time.Now()
			return res, ctx.Err()
		default:
		}

		if step >= maxSteps {
			res.FinishedAt = time.Now()
			return res, fmt.Errorf("strategy %s: graph %q exceeded %d steps, assuming a guard cycle", s.Name(), g.Name, maxSteps)
		}

		rec, halt := runState(ctx, s.deps, current, ec)
		res.Records = append(res.Records, rec)

		if !rec.Success && !rec.Skipped {
			res.Success = false
			res.FinishedAt = time.Now()
			res.Variables = ec.Variables
			return res, nil
		}
		if halt {
			logger.Info("run suspended by node",
				slog.String("state", current.ID),
				slog.String("execution_id", ec.ExecutionID.String()),
			)
			res.Success = false
			res.Suspended = true
			res.FinishedAt = time.Now()
			res.Variables = ec.Variables
			return res, nil
		}

		if current.Final {
			res.Success = true
			res.FinishedAt = time.Now()
			res.Variables = ec.Variables
			return res, nil
		}

		next, ok := s.nextState(g, current, ec)
		if !ok {
			// Dead end on a non-final state.
			res.Success = false
			res.FinishedAt = time.Now()
			res.Variables = ec.Variables
			return res, nil
		}
		current = next
	}
}

// nextState picks the target of the highest-priority satisfiable outgoing
// transition. Guard evaluation errors disable the edge rather than abort
// the walk.
func (s *Sequential) nextState(g *graph.Graph, from *graph.State, ec *node.ExecutionContext) (*graph.State, bool) {
	for _, t := range g.Outgoing(from.ID) {
		if t.Guard != "" {
			ok, err := s.deps.Evaluator.EvaluateBool(t.Guard, ec.MergedEnv(nil))
			if err != nil {
				s.deps.logger().Warn("guard evaluation failed, skipping edge",
					slog.String("from", t.From),
					slog.String("to", t.To),
					slog.String("guard", t.Guard),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !ok {
				continue
			}
		}
		if next, found := g.StateByID(t.To); found {
			return next, true
		}
	}
	return nil, false
}

// runState executes the state's node through the shared executor and
// folds variable deltas back into the execution context. States without
// a node are recorded as skipped pass-throughs. The second return asks
// the caller to suspend the walk (Result.ShouldWait).
func runState(ctx context.Context, deps Deps, st *graph.State, ec *node.ExecutionContext) (graph.StateRecord, bool) {
	rec := graph.StateRecord{
		StateID:   st.ID,
		StartedAt: time.Now(),
	}

	if st.Node == nil {
		rec.Skipped = true
		rec.Success = true
		rec.FinishedAt = time.Now()
		return rec, false
	}

	rec.NodeName = st.Node.Name()

	out, err := deps.Executor.Run(ctx, st.Node, ec, nil)
	rec.FinishedAt = time.Now()

	if err != nil {
		rec.Error = err.Error()
		return rec, false
	}

	rec.Success = out.Success
	rec.Output = out.Output
	if !out.Success && out.FailureReason != "" {
		rec.Error = out.FailureReason
	}
	if out.Success {
		ec.ApplyVariables(out.Variables)
	}

	return rec, out.ShouldWait
}
