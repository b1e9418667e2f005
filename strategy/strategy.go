// Package strategy implements graph traversal policies: sequential
// single-walker execution, parallel wave execution over independent
// states, and an adaptive dispatcher that picks between the two from
// the graph's shape.
package strategy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/condition"
	"github.com/xraph/flowstate/graph"
	"github.com/xraph/flowstate/node"
)

// Strategy executes a validated workflow graph and returns the run result.
type Strategy interface {
	// Name is the registry key of the strategy.
	Name() string

	// Execute runs the graph within the given execution context. The
	// returned result carries one record per visited state; a non-nil
	// error means the run could not settle at all.
	Execute(ctx context.Context, g *graph.Graph, ec *node.ExecutionContext) (*graph.Result, error)

	// CanExecute reports whether the strategy can run the graph as it
	// stands (validated, with an entry point).
	CanExecute(g *graph.Graph) bool

	// Estimate approximates the wall-clock cost of running the graph
	// from the per-node estimates.
	Estimate(g *graph.Graph) time.Duration
}

// estimateTotal sums the per-node estimates across the graph's states.
func estimateTotal(g *graph.Graph) time.Duration {
	var total time.Duration
	for _, s := range g.States {
		if s.Node != nil {
			total += s.Node.Estimate()
		}
	}
	return total
}

// Deps carries the collaborators a strategy needs to run nodes and
// evaluate transition guards.
type Deps struct {
	Executor  *node.Executor
	Evaluator *condition.Evaluator
	Logger    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Factory builds a strategy from its dependencies.
type Factory func(deps Deps) Strategy

// Registry holds named strategy factories. The zero value is unusable;
// use NewRegistry, which preloads sequential, parallel and adaptive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register(NameSequential, func(d Deps) Strategy { return NewSequential(d) })
	r.Register(NameParallel, func(d Deps) Strategy { return NewParallel(d) })
	r.Register(NameAdaptive, func(d Deps) Strategy { return NewAdaptive(d) })
	return r
}

// Register adds or replaces a strategy factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New instantiates a registered strategy.
func (r *Registry) New(name string, deps Deps) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, flowstate.ErrStrategyNotFound
	}
	return f(deps), nil
}

// Names lists the registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Recommend suggests a strategy name for the graph using the same
// shape heuristic the adaptive strategy applies.
func (r *Registry) Recommend(g *graph.Graph) string {
	if parallelizability(g) >= adaptiveThreshold {
		return NameParallel
	}
	return NameSequential
}
