package node

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/flowstate/validation"
)

// TypeTask is the Task node's registered type tag.
const TypeTask = "task"

// ActionResult is one action's outcome inside a Task node.
type ActionResult struct {
	Success    bool
	Output     any
	Variables  map[string]any
	ShouldWait bool
	Err        string
}

// Action is one unit of work inside a Task node. Actions run strictly in
// list order.
type Action interface {
	Name() string
	Execute(ctx context.Context, ec *ExecutionContext, input map[string]any) (*ActionResult, error)
}

// ActionFunc adapts a function into an Action.
type ActionFunc struct {
	ActionName string
	Fn         func(ctx context.Context, ec *ExecutionContext, input map[string]any) (*ActionResult, error)
}

// Name returns the action's name.
func (a ActionFunc) Name() string { return a.ActionName }

// Execute invokes the wrapped function.
func (a ActionFunc) Execute(ctx context.Context, ec *ExecutionContext, input map[string]any) (*ActionResult, error) {
	return a.Fn(ctx, ec, input)
}

// TaskOption configures a TaskNode.
type TaskOption func(*TaskNode)

// WithContinueOnError makes the task run every action regardless of
// failures; the task then succeeds if at least one action succeeded.
func WithContinueOnError() TaskOption {
	return func(t *TaskNode) { t.continueOnError = true }
}

// WithEstimate sets the task's duration estimate.
func WithEstimate(d time.Duration) TaskOption {
	return func(t *TaskNode) { t.estimate = d }
}

// TaskNode executes an ordered list of actions. By default it stops at the
// first failing action; with continueOnError it runs them all and succeeds
// when at least one succeeded. Any action signaling ShouldWait halts the
// remaining actions.
type TaskNode struct {
	Base
	actions         []Action
	continueOnError bool
	estimate        time.Duration
}

// NewTask creates a Task node.
func NewTask(base Base, actions []Action, opts ...TaskOption) *TaskNode {
	t := &TaskNode{
		Base:     base,
		actions:  actions,
		estimate: time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Type implements Node.
func (t *TaskNode) Type() string { return TypeTask }

// Estimate implements Node.
func (t *TaskNode) Estimate() time.Duration { return t.estimate }

// Validate implements Node.
func (t *TaskNode) Validate() *validation.Result {
	res := validation.NewResult()
	if t.Name() == "" {
		res.AddError(validation.Issue{
			Code:    validation.CodeMissingField,
			Message: "task node requires a name",
			Field:   "name",
		})
	}
	if len(t.actions) == 0 {
		res.AddError(validation.Issue{
			Code:    validation.CodeMissingField,
			Message: "task node requires at least one action",
			Field:   "actions",
		})
	}
	return res
}

// Execute implements Node.
func (t *TaskNode) Execute(ctx context.Context, ec *ExecutionContext, input map[string]any) (*Result, error) {
	total := len(t.actions)
	result := &Result{
		Output:    make(map[string]any, total),
		Variables: map[string]any{},
	}

	succeeded := 0
	failures := make([]string, 0)

	for i, action := range t.actions {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("task %q: %w", t.Name(), ctx.Err())
		default:
		}

		ar, err := action.Execute(ctx, ec, input)
		pos := fmt.Sprintf("%d/%d", i+1, total)

		if err != nil || ar == nil || !ar.Success {
			reason := fmt.Sprintf("action %s (%s) failed", pos, action.Name())
			switch {
			case err != nil:
				reason += ": " + err.Error()
			case ar != nil && ar.Err != "":
				reason += ": " + ar.Err
			}
			failures = append(failures, reason)

			if !t.continueOnError {
				result.Success = false
				result.FailureReason = reason
				return result, nil
			}
			continue
		}

		succeeded++
		result.Output[action.Name()] = ar.Output
		for k, v := range ar.Variables {
			result.Variables[k] = v
		}

		if ar.ShouldWait {
			result.Success = true
			result.ShouldWait = true
			return result, nil
		}
	}

	if t.continueOnError {
		result.Success = succeeded > 0
		if !result.Success && len(failures) > 0 {
			result.FailureReason = fmt.Sprintf("all %d actions failed; first: %s", total, failures[0])
		}
		return result, nil
	}

	result.Success = true
	return result, nil
}

var _ Node = (*TaskNode)(nil)
