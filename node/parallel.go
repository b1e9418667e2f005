package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/flowstate/validation"
)

// TypeParallel is the Parallel node's registered type tag.
const TypeParallel = "parallel"

// Resolver maps a child node id to a Node. Graph owners provide it so a
// Parallel node can stay a plain id list in configuration.
type Resolver func(nodeID string) (Node, bool)

// ParallelOption configures a ParallelNode.
type ParallelOption func(*ParallelNode)

// WithMaxConcurrency caps simultaneously in-flight children per batch.
func WithMaxConcurrency(n int) ParallelOption {
	return func(p *ParallelNode) { p.maxConcurrency = n }
}

// WithWaitForAny makes the node succeed when at least one child succeeds
// instead of requiring all of them.
func WithWaitForAny() ParallelOption {
	return func(p *ParallelNode) { p.waitForAll = false }
}

// ParallelNode partitions its children into batches bounded by
// maxConcurrency and executes each batch concurrently with settle-all
// semantics: one child's failure never cancels its siblings. Variables are
// merged only from successful children.
type ParallelNode struct {
	Base
	childIDs       []string
	resolver       Resolver
	maxConcurrency int
	waitForAll     bool
}

// NewParallel creates a Parallel node over a fixed list of child node ids.
func NewParallel(base Base, childIDs []string, resolver Resolver, opts ...ParallelOption) *ParallelNode {
	p := &ParallelNode{
		Base:           base,
		childIDs:       childIDs,
		resolver:       resolver,
		maxConcurrency: 4,
		waitForAll:     true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type implements Node.
func (p *ParallelNode) Type() string { return TypeParallel }

// Estimate implements Node: the longest batch chain assuming uniform
// children.
func (p *ParallelNode) Estimate() time.Duration {
	batches := p.batchCount()
	if batches == 0 {
		return 0
	}
	return time.Duration(batches) * time.Second
}

// Validate implements Node.
func (p *ParallelNode) Validate() *validation.Result {
	res := validation.NewResult()
	if len(p.childIDs) == 0 {
		res.AddError(validation.Issue{
			Code:    validation.CodeMissingField,
			Message: "parallel node requires child node ids",
			Field:   "children",
		})
	}
	if p.resolver == nil {
		res.AddError(validation.Issue{
			Code:    validation.CodeMissingField,
			Message: "parallel node requires a resolver",
			Field:   "resolver",
		})
	}
	if p.maxConcurrency < 1 {
		res.AddError(validation.Issue{
			Code:    validation.CodeBadVersion,
			Message: "maxConcurrency must be at least 1",
			Field:   "max_concurrency",
		})
	}
	return res
}

// childOutcome is one child's settled result.
type childOutcome struct {
	id     string
	result *Result
	err    error
}

// Execute implements Node.
func (p *ParallelNode) Execute(ctx context.Context, ec *ExecutionContext, input map[string]any) (*Result, error) {
	batches := p.batches()
	outcomes := make([]childOutcome, 0, len(p.childIDs))

	for _, batch := range batches {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("parallel %q: %w", p.Name(), ctx.Err())
		default:
		}

		settled := make([]childOutcome, len(batch))
		var wg sync.WaitGroup

		for i, childID := range batch {
			wg.Add(1)
			go func(slot int, childID string) {
				defer wg.Done()
				settled[slot] = p.runChild(ctx, ec, input, childID)
			}(i, childID)
		}
		wg.Wait()

		outcomes = append(outcomes, settled...)
	}

	return p.aggregate(outcomes, len(batches)), nil
}

// runChild executes one child with settle semantics: panics and errors are
// captured as failed outcomes, never propagated mid-batch.
func (p *ParallelNode) runChild(ctx context.Context, ec *ExecutionContext, input map[string]any, childID string) (out childOutcome) {
	out = childOutcome{id: childID}

	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("child %q panicked: %v", childID, r)
		}
	}()

	child, ok := p.resolver(childID)
	if !ok {
		out.err = fmt.Errorf("child node %q not resolvable", childID)
		return out
	}

	out.result, out.err = child.Execute(ctx, ec, input)
	return out
}

// aggregate folds settled child outcomes into the node result.
func (p *ParallelNode) aggregate(outcomes []childOutcome, batchCount int) *Result {
	total := len(outcomes)
	succeeded := 0

	result := &Result{
		Output:    map[string]any{"batches": batchCount, "children": total},
		Variables: map[string]any{},
	}

	children := make(map[string]any, total)
	for _, o := range outcomes {
		ok := o.err == nil && o.result != nil && o.result.Success
		entry := map[string]any{"success": ok}

		if ok {
			succeeded++
			// Variables merge only from successful children.
			for k, v := range o.result.Variables {
				result.Variables[k] = v
			}
			if o.result.Output != nil {
				entry["output"] = o.result.Output
			}
		} else {
			switch {
			case o.err != nil:
				entry["error"] = o.err.Error()
			case o.result != nil:
				entry["error"] = o.result.FailureReason
			}
		}
		children[o.id] = entry
	}
	result.Output["results"] = children

	if total > 0 {
		result.SuccessRate = float64(succeeded) / float64(total)
	}

	if p.waitForAll {
		result.Success = succeeded == total
	} else {
		result.Success = succeeded > 0
	}
	if !result.Success {
		result.FailureReason = fmt.Sprintf("%d/%d children failed", total-succeeded, total)
	}

	return result
}

// batches partitions the child ids into maxConcurrency-sized groups.
func (p *ParallelNode) batches() [][]string {
	size := p.maxConcurrency
	if size < 1 {
		size = 1
	}

	out := make([][]string, 0, (len(p.childIDs)+size-1)/size)
	for start := 0; start < len(p.childIDs); start += size {
		end := start + size
		if end > len(p.childIDs) {
			end = len(p.childIDs)
		}
		out = append(out, p.childIDs[start:end])
	}
	return out
}

func (p *ParallelNode) batchCount() int {
	return len(p.batches())
}

var _ Node = (*ParallelNode)(nil)
