package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/flowstate/graph"
	"github.com/xraph/flowstate/node"
)

// NameParallel is the registry key of the parallel strategy.
const NameParallel = "parallel"

// DefaultWaveConcurrency bounds how many states of one wave execute at
// the same time.
const DefaultWaveConcurrency = 4

// Parallel executes the graph in waves: every state whose satisfied
// incoming edges all originate from already-settled states runs
// concurrently with the rest of its wave, bounded by the wave
// concurrency limit. A wave settles completely before its successors
// are considered, and variable deltas are merged between waves so each
// wave observes a consistent environment.
type Parallel struct {
	deps        Deps
	concurrency int
}

var _ Strategy = (*Parallel)(nil)

// ParallelOption configures the parallel strategy.
type ParallelOption func(*Parallel)

// WithWaveConcurrency overrides the per-wave concurrency bound.
func WithWaveConcurrency(n int) ParallelOption {
	return func(p *Parallel) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewParallel creates the parallel strategy.
func NewParallel(deps Deps, opts ...ParallelOption) *Parallel {
	p := &Parallel{deps: deps, concurrency: DefaultWaveConcurrency}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Strategy.
func (p *Parallel) Name() string { return NameParallel }

// CanExecute implements Strategy.
func (p *Parallel) CanExecute(g *graph.Graph) bool { return g.InitialState() != nil }

// Estimate implements Strategy. Total node cost amortized over the wave
// concurrency bound.
func (p *Parallel) Estimate(g *graph.Graph) time.Duration {
	total := estimateTotal(g)
	if p.concurrency <= 1 {
		return total
	}
	return total / time.Duration(p.concurrency)
}

// Execute implements Strategy.
func (p *Parallel) Execute(ctx context.Context, g *graph.Graph, ec *node.ExecutionContext) (*graph.Result, error) {
	logger := p.deps.logger()

	res := &graph.Result{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  g.ID,
		Strategy:    p.Name(),
		StartedAt:   time.Now(),
	}

	initial := g.InitialState()
	if initial == nil {
		return nil, fmt.Errorf("strategy %s: graph %q has no initial state", p.Name(), g.Name)
	}

	visited := map[string]bool{}
	failed := false
	finalReached := false

	wave := []*graph.State{initial}
	var deferred []*graph.State

	for waveNo := 0; len(wave) > 0; waveNo++ {
		select {
		case <-ctx.Done():
			res.FinishedAt = time.Now()
			return res, ctx.Err()
		default:
		}

		logger.Debug("executing wave",
			slog.Int("wave", waveNo),
			slog.Int("states", len(wave)),
			slog.String("execution_id", ec.ExecutionID.String()),
		)

		var (
			mu      sync.Mutex
			records = make([]graph.StateRecord, 0, len(wave))
			deltas  = make([]map[string]any, 0, len(wave))
			okIDs   = make([]string, 0, len(wave))
		)

		// Each state of the wave runs against a snapshot of the shared
		// variables; deltas merge only after the whole wave settles.
		grp, gctx := errgroup.WithContext(ctx)
		grp.SetLimit(p.concurrency)

		for _, st := range wave {
			visited[st.ID] = true
			st := st
			grp.Go(func() error {
				snap := snapshotContext(ec)
				rec, _ := runState(gctx, p.deps, st, snap)

				mu.Lock()
				defer mu.Unlock()
				records = append(records, rec)
				if rec.Success {
					okIDs = append(okIDs, st.ID)
					deltas = append(deltas, snap.Variables)
					if st.Final {
						finalReached = true
					}
				} else {
					failed = true
				}
				return nil
			})
		}
		// Goroutines never return errors; Wait only settles the wave.
		_ = grp.Wait()

		res.Records = append(res.Records, records...)
		for _, d := range deltas {
			ec.ApplyVariables(d)
		}

		if failed {
			break
		}

		candidates := p.nextWave(g, okIDs, visited, deferred, ec)
		wave, deferred = splitIndependent(g, candidates)
	}

	res.Success = finalReached && !failed
	res.Variables = ec.Variables
	res.FinishedAt = time.Now()
	return res, nil
}

// nextWave collects the unvisited targets of satisfiable edges leaving the
// wave's successful states, after the states deferred from earlier waves.
func (p *Parallel) nextWave(g *graph.Graph, fromIDs []string, visited map[string]bool, deferred []*graph.State, ec *node.ExecutionContext) []*graph.State {
	var next []*graph.State
	seen := map[string]bool{}

	for _, st := range deferred {
		if visited[st.ID] || seen[st.ID] {
			continue
		}
		seen[st.ID] = true
		next = append(next, st)
	}

	env := ec.MergedEnv(nil)

	for _, fromID := range fromIDs {
		for _, t := range g.Outgoing(fromID) {
			if visited[t.To] || seen[t.To] {
				continue
			}
			if t.Guard != "" {
				ok, err := p.deps.Evaluator.EvaluateBool(t.Guard, env)
				if err != nil {
					p.deps.logger().Warn("guard evaluation failed, skipping edge",
						slog.String("from", t.From),
						slog.String("to", t.To),
						slog.String("error", err.Error()),
					)
					continue
				}
				if !ok {
					continue
				}
			}
			if st, ok := g.StateByID(t.To); ok {
				seen[t.To] = true
				next = append(next, st)
			}
		}
	}

	return next
}

// splitIndependent partitions candidates into a wave of mutually
// independent states (no transition edge between any two members) and the
// remainder, which waits for a later wave. A candidate targeted by an edge
// from another candidate is always deferred so the source settles first
// and its variable writes are visible to the target.
func splitIndependent(g *graph.Graph, candidates []*graph.State) (wave, deferred []*graph.State) {
	blocked := map[string]bool{}
	for _, src := range candidates {
		for _, t := range g.Outgoing(src.ID) {
			for _, dst := range candidates {
				if dst.ID == t.To && dst.ID != src.ID {
					blocked[dst.ID] = true
				}
			}
		}
	}

	for _, st := range candidates {
		if blocked[st.ID] {
			deferred = append(deferred, st)
			continue
		}
		independent := true
		for _, member := range wave {
			if g.HasEdgeBetween(st.ID, member.ID) {
				independent = false
				break
			}
		}
		if independent {
			wave = append(wave, st)
		} else {
			deferred = append(deferred, st)
		}
	}

	// A dependency cycle among candidates blocks all of them; admit the
	// first so the run keeps moving.
	if len(wave) == 0 && len(deferred) > 0 {
		wave, deferred = deferred[:1], deferred[1:]
	}
	return wave, deferred
}

// snapshotContext clones the execution context with a copied variable map
// so wave members never share mutable state.
func snapshotContext(ec *node.ExecutionContext) *node.ExecutionContext {
	vars := make(map[string]any, len(ec.Variables))
	for k, v := range ec.Variables {
		vars[k] = v
	}
	return &node.ExecutionContext{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		StateID:     ec.StateID,
		Variables:   vars,
		Bus:         ec.Bus,
		Logger:      ec.Logger,
	}
}
