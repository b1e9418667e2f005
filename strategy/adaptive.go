package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/flowstate/graph"
	"github.com/xraph/flowstate/node"
)

// NameAdaptive is the registry key of the adaptive strategy.
const NameAdaptive = "adaptive"

// adaptiveThreshold is the parallelizability score at or above which the
// adaptive strategy delegates to parallel execution.
const adaptiveThreshold = 0.5

// Adaptive inspects the graph's shape and delegates to either the
// sequential or the parallel strategy. The parallelizability score is
// the fraction of states that sit at a fan boundary (no incoming or no
// outgoing edges); wide graphs score high and run parallel, chain-like
// graphs score low and run sequentially.
type Adaptive struct {
	deps       Deps
	sequential *Sequential
	parallel   *Parallel
}

var _ Strategy = (*Adaptive)(nil)

// NewAdaptive creates the adaptive strategy.
func NewAdaptive(deps Deps) *Adaptive {
	return &Adaptive{
		deps:       deps,
		sequential: NewSequential(deps),
		parallel:   NewParallel(deps),
	}
}

// Name implements Strategy.
func (a *Adaptive) Name() string { return NameAdaptive }

// CanExecute implements Strategy.
func (a *Adaptive) CanExecute(g *graph.Graph) bool {
	return a.sequential.CanExecute(g) && a.parallel.CanExecute(g)
}

// Estimate implements Strategy, using the delegate it would choose.
func (a *Adaptive) Estimate(g *graph.Graph) time.Duration {
	if a.Chosen(g) == NameParallel {
		return a.parallel.Estimate(g)
	}
	return a.sequential.Estimate(g)
}

// Execute implements Strategy.
func (a *Adaptive) Execute(ctx context.Context, g *graph.Graph, ec *node.ExecutionContext) (*graph.Result, error) {
	score := parallelizability(g)

	var delegate Strategy = a.sequential
	if score >= adaptiveThreshold {
		delegate = a.parallel
	}

	a.deps.logger().Info("adaptive strategy selected delegate",
		slog.String("delegate", delegate.Name()),
		slog.Float64("score", score),
		slog.String("graph", g.Name),
	)

	res, err := delegate.Execute(ctx, g, ec)
	if res != nil {
		// Keep the delegate visible in the result for post-run inspection.
		res.Strategy = NameAdaptive + "/" + delegate.Name()
	}
	return res, err
}

// Chosen reports which delegate the adaptive strategy would pick for the
// graph without executing it.
func (a *Adaptive) Chosen(g *graph.Graph) string {
	if parallelizability(g) >= adaptiveThreshold {
		return NameParallel
	}
	return NameSequential
}

// parallelizability scores a graph between 0 and 1 as the fraction of
// states with no incoming or no outgoing edges. A pure chain scores
// 2/n; a one-level fan-out scores close to 1.
func parallelizability(g *graph.Graph) float64 {
	if len(g.States) == 0 {
		return 0
	}

	in, out := g.Degrees()

	boundary := 0
	for _, s := range g.States {
		if in[s.ID] == 0 || out[s.ID] == 0 {
			boundary++
		}
	}

	return float64(boundary) / float64(len(g.States))
}
