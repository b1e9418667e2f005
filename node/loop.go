package node

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/flowstate/condition"
	"github.com/xraph/flowstate/validation"
)

// TypeLoop is the Loop node's registered type tag.
const TypeLoop = "loop"

// LoopKind selects the loop's iteration model.
type LoopKind string

// Supported loop kinds.
const (
	// LoopWhile re-checks a condition before each iteration.
	LoopWhile LoopKind = "while"
	// LoopFor runs a bounded counter with an optional guard condition.
	LoopFor LoopKind = "for"
	// LoopForEach iterates a named collection resolved from the context
	// or input, binding element and index variables.
	LoopForEach LoopKind = "foreach"
)

// DefaultMaxIterations is the hard iteration ceiling applied when a loop
// does not configure its own.
const DefaultMaxIterations = 1000

// LoopOption configures a LoopNode.
type LoopOption func(*LoopNode)

// WithMaxIterations overrides the hard iteration ceiling.
func WithMaxIterations(n int) LoopOption {
	return func(l *LoopNode) { l.maxIterations = n }
}

// WithLoopCondition sets the while condition or the for guard.
func WithLoopCondition(expression string) LoopOption {
	return func(l *LoopNode) { l.expression = expression }
}

// WithCount sets the for-loop iteration count.
func WithCount(n int) LoopOption {
	return func(l *LoopNode) { l.count = n }
}

// WithCollection configures foreach iteration: the collection variable name
// and the element/index binding names.
func WithCollection(collection, itemVar, indexVar string) LoopOption {
	return func(l *LoopNode) {
		l.collection = collection
		l.itemVar = itemVar
		l.indexVar = indexVar
	}
}

// LoopNode repeatedly executes its body node. Iterations run strictly in
// sequence; loop bodies are never parallelized. Every kind enforces a hard
// maxIterations ceiling.
type LoopNode struct {
	Base
	kind          LoopKind
	body          Node
	evaluator     *condition.Evaluator
	expression    string
	count         int
	collection    string
	itemVar       string
	indexVar      string
	maxIterations int
}

// NewLoop creates a Loop node of the given kind around a body node.
func NewLoop(base Base, kind LoopKind, body Node, evaluator *condition.Evaluator, opts ...LoopOption) *LoopNode {
	l := &LoopNode{
		Base:          base,
		kind:          kind,
		body:          body,
		evaluator:     evaluator,
		itemVar:       "item",
		indexVar:      "index",
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Type implements Node.
func (l *LoopNode) Type() string { return TypeLoop }

// Estimate implements Node.
func (l *LoopNode) Estimate() time.Duration {
	per := time.Second
	if l.body != nil {
		per = l.body.Estimate()
	}
	iterations := l.count
	if iterations <= 0 {
		iterations = 1
	}
	return per * time.Duration(iterations)
}

// Validate implements Node.
func (l *LoopNode) Validate() *validation.Result {
	res := validation.NewResult()
	if l.body == nil {
		res.AddError(validation.Issue{
			Code:    validation.CodeMissingField,
			Message: "loop node requires a body",
			Field:   "body",
		})
	}
	switch l.kind {
	case LoopWhile:
		if l.expression == "" {
			res.AddError(validation.Issue{
				Code:    validation.CodeMissingField,
				Message: "while loop requires a condition",
				Field:   "expression",
			})
		}
	case LoopFor:
		if l.count <= 0 {
			res.AddError(validation.Issue{
				Code:    validation.CodeMissingField,
				Message: "for loop requires a positive count",
				Field:   "count",
			})
		}
	case LoopForEach:
		if l.collection == "" {
			res.AddError(validation.Issue{
				Code:    validation.CodeMissingField,
				Message: "foreach loop requires a collection name",
				Field:   "collection",
			})
		}
	default:
		res.AddError(validation.Issue{
			Code:    validation.CodeUnknownStatus,
			Message: fmt.Sprintf("unknown loop kind %q", l.kind),
			Field:   "kind",
		})
	}
	if l.maxIterations <= 0 {
		res.AddError(validation.Issue{
			Code:    validation.CodeBadVersion,
			Message: "maxIterations must be positive",
			Field:   "max_iterations",
		})
	}
	return res
}

// Execute implements Node.
func (l *LoopNode) Execute(ctx context.Context, ec *ExecutionContext, input map[string]any) (*Result, error) {
	switch l.kind {
	case LoopWhile:
		return l.runWhile(ctx, ec, input)
	case LoopFor:
		return l.runFor(ctx, ec, input)
	case LoopForEach:
		return l.runForEach(ctx, ec, input)
	default:
		return &Result{
			Success:       false,
			FailureReason: fmt.Sprintf("unknown loop kind %q", l.kind),
		}, nil
	}
}

func (l *LoopNode) runWhile(ctx context.Context, ec *ExecutionContext, input map[string]any) (*Result, error) {
	result := &Result{Variables: map[string]any{}}
	iterations := 0

	for {
		if iterations >= l.maxIterations {
			return l.ceilingReached(result, iterations), nil
		}

		ok, err := l.evaluator.EvaluateBool(l.expression, ec.MergedEnv(input))
		if err != nil {
			result.Success = false
			result.FailureReason = "loop condition failed: " + err.Error()
			return result, nil
		}
		if !ok {
			break
		}

		if halted, err := l.iterate(ctx, ec, input, iterations, result); halted || err != nil {
			return result, err
		}
		iterations++
	}

	return l.finish(result, iterations), nil
}

func (l *LoopNode) runFor(ctx context.Context, ec *ExecutionContext, input map[string]any) (*Result, error) {
	result := &Result{Variables: map[string]any{}}
	iterations := 0

	for i := 0; i < l.count; i++ {
		if iterations >= l.maxIterations {
			return l.ceilingReached(result, iterations), nil
		}

		// Optional guard condition, re-checked each iteration.
		if l.expression != "" {
			env := ec.MergedEnv(input)
			env[l.indexVar] = i
			ok, err := l.evaluator.EvaluateBool(l.expression, env)
			if err != nil {
				result.Success = false
				result.FailureReason = "loop guard failed: " + err.Error()
				return result, nil
			}
			if !ok {
				break
			}
		}

		ec.ApplyVariables(map[string]any{l.indexVar: i})
		if halted, err := l.iterate(ctx, ec, input, i, result); halted || err != nil {
			return result, err
		}
		iterations++
	}

	return l.finish(result, iterations), nil
}

func (l *LoopNode) runForEach(ctx context.Context, ec *ExecutionContext, input map[string]any) (*Result, error) {
	result := &Result{Variables: map[string]any{}}

	collection, ok := l.resolveCollection(ec, input)
	if !ok {
		result.Success = false
		result.FailureReason = fmt.Sprintf("collection %q not found or not iterable", l.collection)
		return result, nil
	}

	iterations := 0
	for i, item := range collection {
		if iterations >= l.maxIterations {
			return l.ceilingReached(result, iterations), nil
		}

		ec.ApplyVariables(map[string]any{l.itemVar: item, l.indexVar: i})
		if halted, err := l.iterate(ctx, ec, input, i, result); halted || err != nil {
			return result, err
		}
		iterations++
	}

	return l.finish(result, iterations), nil
}

// iterate runs one sequential body execution, merging its variables into
// the running result. The bool return reports an early halt (failure or
// wait request already recorded on result).
func (l *LoopNode) iterate(ctx context.Context, ec *ExecutionContext, input map[string]any, index int, result *Result) (bool, error) {
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("loop %q: %w", l.Name(), ctx.Err())
	default:
	}

	br, err := l.body.Execute(ctx, ec, input)
	if err != nil {
		return false, fmt.Errorf("loop %q iteration %d: %w", l.Name(), index, err)
	}

	if br != nil {
		for k, v := range br.Variables {
			result.Variables[k] = v
		}
		ec.ApplyVariables(br.Variables)

		if !br.Success {
			result.Success = false
			result.FailureReason = fmt.Sprintf("iteration %d failed: %s", index, br.FailureReason)
			return true, nil
		}
		if br.ShouldWait {
			result.Success = true
			result.ShouldWait = true
			return true, nil
		}
	}

	return false, nil
}

func (l *LoopNode) finish(result *Result, iterations int) *Result {
	result.Success = true
	result.Output = map[string]any{"iterations": iterations}
	return result
}

func (l *LoopNode) ceilingReached(result *Result, iterations int) *Result {
	result.Success = false
	result.FailureReason = fmt.Sprintf("iteration ceiling %d reached after %d iterations", l.maxIterations, iterations)
	result.Output = map[string]any{"iterations": iterations}
	return result
}

// resolveCollection finds the named collection in the context variables or
// input and normalizes it to []any.
func (l *LoopNode) resolveCollection(ec *ExecutionContext, input map[string]any) ([]any, bool) {
	var raw any
	if v, ok := ec.Variables[l.collection]; ok {
		raw = v
	} else if v, ok := input[l.collection]; ok {
		raw = v
	} else {
		return nil, false
	}

	switch c := raw.(type) {
	case []any:
		return c, true
	case []string:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = e
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

var _ Node = (*LoopNode)(nil)
