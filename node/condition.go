package node

import (
	"context"
	"time"

	"github.com/xraph/flowstate/condition"
	"github.com/xraph/flowstate/validation"
)

// TypeCondition is the Condition node's registered type tag.
const TypeCondition = "condition"

// ConditionNode evaluates a boolean expression against the merged context
// (input overlaid on execution variables) and routes to the configured
// true/false target. Evaluation failures route to the default target and
// report failure rather than raising.
type ConditionNode struct {
	Base
	expression    string
	evaluator     *condition.Evaluator
	trueTarget    string
	falseTarget   string
	defaultTarget string
}

// ConditionOption configures a ConditionNode.
type ConditionOption func(*ConditionNode)

// WithDefaultTarget sets the node routed to when evaluation fails or the
// branch target for the outcome is unset.
func WithDefaultTarget(target string) ConditionOption {
	return func(c *ConditionNode) { c.defaultTarget = target }
}

// NewCondition creates a Condition node.
func NewCondition(base Base, evaluator *condition.Evaluator, expression, trueTarget, falseTarget string, opts ...ConditionOption) *ConditionNode {
	c := &ConditionNode{
		Base:        base,
		expression:  expression,
		evaluator:   evaluator,
		trueTarget:  trueTarget,
		falseTarget: falseTarget,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Type implements Node.
func (c *ConditionNode) Type() string { return TypeCondition }

// Estimate implements Node. Condition evaluation is effectively free.
func (c *ConditionNode) Estimate() time.Duration { return 10 * time.Millisecond }

// Validate implements Node.
func (c *ConditionNode) Validate() *validation.Result {
	res := validation.NewResult()
	if c.expression == "" {
		res.AddError(validation.Issue{
			Code:    validation.CodeMissingField,
			Message: "condition node requires an expression",
			Field:   "expression",
		})
	}
	if c.evaluator == nil {
		res.AddError(validation.Issue{
			Code:    validation.CodeMissingField,
			Message: "condition node requires an evaluator",
			Field:   "evaluator",
		})
	}
	if c.trueTarget == "" && c.falseTarget == "" && c.defaultTarget == "" {
		res.AddError(validation.Issue{
			Code:    validation.CodeMissingField,
			Message: "condition node requires at least one target",
			Field:   "targets",
		})
	}
	return res
}

// Execute implements Node.
func (c *ConditionNode) Execute(_ context.Context, ec *ExecutionContext, input map[string]any) (*Result, error) {
	env := ec.MergedEnv(input)

	value, err := c.evaluator.EvaluateBool(c.expression, env)
	if err != nil {
		return &Result{
			Success:       false,
			NextNodeID:    c.defaultTarget,
			FailureReason: "condition evaluation failed: " + err.Error(),
			Output:        map[string]any{"expression": c.expression},
		}, nil
	}

	next := c.falseTarget
	if value {
		next = c.trueTarget
	}
	if next == "" {
		next = c.defaultTarget
	}

	return &Result{
		Success:    true,
		NextNodeID: next,
		Output: map[string]any{
			"expression": c.expression,
			"result":     value,
		},
	}, nil
}

var _ Node = (*ConditionNode)(nil)
