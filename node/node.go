// Package node defines the unit of executable work in a workflow graph:
// the Node interface, its execution context and result, the retry/timeout
// Executor, the task/condition/loop/parallel variants, and an open
// type-to-constructor Factory.
package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/flowstate/backoff"
	"github.com/xraph/flowstate/event"
	"github.com/xraph/flowstate/id"
	"github.com/xraph/flowstate/validation"
)

// Node is a unit of executable work. Implementations must be safe for
// reuse across executions; per-execution data travels in the
// ExecutionContext and input.
type Node interface {
	// Name identifies the node within its graph.
	Name() string

	// Type returns the registered type tag (task, condition, loop,
	// parallel, or a custom registration).
	Type() string

	// Execute performs the node's work. A nil error with Success=false is
	// a domain failure (retriable); a non-nil error is an execution fault.
	Execute(ctx context.Context, ec *ExecutionContext, input map[string]any) (*Result, error)

	// Validate checks the node's static configuration.
	Validate() *validation.Result

	// Estimate returns a rough expected execution duration, used by
	// strategies when sizing runs.
	Estimate() time.Duration
}

// ExecutionContext carries per-execution identity and shared variables.
// Variables are owned by the running strategy; nodes read them via
// MergedEnv and publish deltas through Result.Variables.
type ExecutionContext struct {
	ExecutionID id.ExecutionID
	WorkflowID  id.WorkflowID
	StateID     id.StateID
	Variables   map[string]any
	Bus         *event.Bus
	Logger      *slog.Logger
}

// NewExecutionContext creates a context for one execution session.
func NewExecutionContext(workflowID id.WorkflowID, stateID id.StateID, bus *event.Bus, logger *slog.Logger) *ExecutionContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionContext{
		ExecutionID: id.NewExecutionID(),
		WorkflowID:  workflowID,
		StateID:     stateID,
		Variables:   map[string]any{},
		Bus:         bus,
		Logger:      logger,
	}
}

// MergedEnv overlays input on the context variables, input winning.
func (ec *ExecutionContext) MergedEnv(input map[string]any) map[string]any {
	env := make(map[string]any, len(ec.Variables)+len(input))
	for k, v := range ec.Variables {
		env[k] = v
	}
	for k, v := range input {
		env[k] = v
	}
	return env
}

// ApplyVariables folds a result's variable deltas into the context.
func (ec *ExecutionContext) ApplyVariables(vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	if ec.Variables == nil {
		ec.Variables = map[string]any{}
	}
	for k, v := range vars {
		ec.Variables[k] = v
	}
}

// Result is a node's outcome.
type Result struct {
	// Success reports whether the node achieved its purpose.
	Success bool `json:"success"`

	// Output is the node's payload (per-action outputs, evaluation
	// results, child summaries).
	Output map[string]any `json:"output,omitempty"`

	// NextNodeID hints which node the caller should execute next
	// (condition routing).
	NextNodeID string `json:"next_node_id,omitempty"`

	// ShouldWait asks the owning strategy to suspend the run.
	ShouldWait bool `json:"should_wait,omitempty"`

	// Variables are deltas to merge into the execution context.
	Variables map[string]any `json:"variables,omitempty"`

	// FailureReason describes a domain failure when Success is false.
	FailureReason string `json:"failure_reason,omitempty"`

	// SuccessRate is the fraction of children that succeeded (parallel).
	SuccessRate float64 `json:"success_rate,omitempty"`
}

// Base carries the configuration every concrete node shares: a name, an
// execution timeout, and a retry policy consumed by the Executor.
type Base struct {
	name    string
	timeout time.Duration
	retry   backoff.Policy
}

// NewBase builds the shared node configuration.
func NewBase(name string, timeout time.Duration, retry backoff.Policy) Base {
	return Base{name: name, timeout: timeout, retry: retry}
}

// Name returns the node's name.
func (b Base) Name() string { return b.name }

// Timeout returns the per-attempt execution timeout (zero = none).
func (b Base) Timeout() time.Duration { return b.timeout }

// Retry returns the node's retry policy.
func (b Base) Retry() backoff.Policy { return b.retry }
