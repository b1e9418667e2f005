// Package condition provides safe expression evaluation for guard conditions
// and condition nodes. Expressions are compiled with expr-lang/expr into
// sandboxed programs — no host-language code is ever executed, and untrusted
// values only ever enter evaluation as environment data, never as program
// text.
package condition

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and evaluates expressions against a variable
// environment. Compiled programs are cached by expression text and reused
// across goroutines; the Evaluator is safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an Evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or retrieves from cache) the expression and evaluates
// it against env. All env keys are available as top-level variables;
// undefined variables resolve to nil rather than failing compilation.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (any, error) {
	if expression == "" {
		return nil, fmt.Errorf("condition: empty expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("condition: evaluate %q: %w", expression, err)
	}

	return out, nil
}

// EvaluateBool evaluates the expression and coerces the result to a bool.
// Non-boolean results are an error; nil is treated as false.
func (e *Evaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}

	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("condition: expression %q returned %T, want bool", expression, out)
	}
}

// CacheSize returns the number of compiled programs currently cached.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.cache)
}

// getOrCompile returns a cached compiled program or compiles and caches
// a new one.
func (e *Evaluator) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring the write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("condition: compile %q: %w", expression, err)
	}

	e.cache[expression] = prg

	return prg, nil
}
