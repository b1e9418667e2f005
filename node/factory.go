package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/backoff"
	"github.com/xraph/flowstate/condition"
)

// Config is the declarative description a Factory turns into a Node. Only
// the fields relevant to the requested type are consulted.
type Config struct {
	Name    string
	Timeout time.Duration
	Retry   backoff.Policy

	// Task.
	Actions         []Action
	ContinueOnError bool

	// Condition.
	Expression    string
	TrueTarget    string
	FalseTarget   string
	DefaultTarget string
	Evaluator     *condition.Evaluator

	// Loop.
	Kind          LoopKind
	Body          Node
	Count         int
	Collection    string
	ItemVar       string
	IndexVar      string
	MaxIterations int

	// Parallel.
	ChildIDs       []string
	Resolver       Resolver
	MaxConcurrency int
	WaitForAll     bool
}

// Constructor builds a Node from a Config.
type Constructor func(cfg Config) (Node, error)

// Factory maps type tags to constructors. New node types can be registered
// at runtime without modifying the factory itself.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory creates a Factory preloaded with the built-in node types.
func NewFactory() *Factory {
	f := &Factory{ctors: make(map[string]Constructor)}

	f.Register(TypeTask, func(cfg Config) (Node, error) {
		var opts []TaskOption
		if cfg.ContinueOnError {
			opts = append(opts, WithContinueOnError())
		}
		return NewTask(NewBase(cfg.Name, cfg.Timeout, cfg.Retry), cfg.Actions, opts...), nil
	})

	f.Register(TypeCondition, func(cfg Config) (Node, error) {
		evaluator := cfg.Evaluator
		if evaluator == nil {
			evaluator = condition.NewEvaluator()
		}
		var opts []ConditionOption
		if cfg.DefaultTarget != "" {
			opts = append(opts, WithDefaultTarget(cfg.DefaultTarget))
		}
		return NewCondition(NewBase(cfg.Name, cfg.Timeout, cfg.Retry),
			evaluator, cfg.Expression, cfg.TrueTarget, cfg.FalseTarget, opts...), nil
	})

	f.Register(TypeLoop, func(cfg Config) (Node, error) {
		evaluator := cfg.Evaluator
		if evaluator == nil {
			evaluator = condition.NewEvaluator()
		}
		opts := []LoopOption{WithLoopCondition(cfg.Expression), WithCount(cfg.Count)}
		if cfg.Collection != "" {
			itemVar, indexVar := cfg.ItemVar, cfg.IndexVar
			if itemVar == "" {
				itemVar = "item"
			}
			if indexVar == "" {
				indexVar = "index"
			}
			opts = append(opts, WithCollection(cfg.Collection, itemVar, indexVar))
		}
		if cfg.MaxIterations > 0 {
			opts = append(opts, WithMaxIterations(cfg.MaxIterations))
		}
		return NewLoop(NewBase(cfg.Name, cfg.Timeout, cfg.Retry), cfg.Kind, cfg.Body, evaluator, opts...), nil
	})

	f.Register(TypeParallel, func(cfg Config) (Node, error) {
		var opts []ParallelOption
		if cfg.MaxConcurrency > 0 {
			opts = append(opts, WithMaxConcurrency(cfg.MaxConcurrency))
		}
		if !cfg.WaitForAll {
			opts = append(opts, WithWaitForAny())
		}
		return NewParallel(NewBase(cfg.Name, cfg.Timeout, cfg.Retry), cfg.ChildIDs, cfg.Resolver, opts...), nil
	})

	return f
}

// Register adds or replaces the constructor for a type tag.
func (f *Factory) Register(typeTag string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[typeTag] = ctor
}

// Unregister removes a type tag. Reports whether it existed.
func (f *Factory) Unregister(typeTag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.ctors[typeTag]
	delete(f.ctors, typeTag)
	return ok
}

// New builds a node of the given type from cfg.
func (f *Factory) New(typeTag string, cfg Config) (Node, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[typeTag]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("node factory: unknown type %q: %w", typeTag, flowstate.ErrNodeNotFound)
	}

	n, err := ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("node factory: build %q node %q: %w", typeTag, cfg.Name, err)
	}
	return n, nil
}

// Types returns the registered type tags.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.ctors))
	for t := range f.ctors {
		out = append(out, t)
	}
	return out
}
