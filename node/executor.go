package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/backoff"
	"github.com/xraph/flowstate/event"
	"github.com/xraph/flowstate/id"
)

// Invocation describes one node execution attempt to middleware.
type Invocation struct {
	Node        Node
	ExecutionID id.ExecutionID
	WorkflowID  id.WorkflowID
	Attempt     int
	Input       map[string]any
}

// Handler runs the wrapped work of an invocation.
type Handler func(ctx context.Context) (*Result, error)

// Middleware wraps node execution attempts. Implementations live in the
// middleware package; custom ones can be registered on the Executor.
type Middleware func(ctx context.Context, inv *Invocation, next Handler) (*Result, error)

// Chain composes middlewares so the first wraps all the rest.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) (*Result, error) {
		wrapped := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			inner := wrapped
			wrapped = func(c context.Context) (*Result, error) {
				return mw(c, inv, inner)
			}
		}
		return wrapped(ctx)
	}
}

// ExecutionError is the typed failure raised when a node exhausts its
// retry attempts. It wraps flowstate.ErrMaxAttemptsExceeded.
type ExecutionError struct {
	NodeName    string
	NodeType    string
	ExecutionID id.ExecutionID
	WorkflowID  id.WorkflowID
	Attempts    int
	LastErr     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("node %q (%s) failed after %d attempts in execution %s: %v",
		e.NodeName, e.NodeType, e.Attempts, e.ExecutionID, e.LastErr)
}

func (e *ExecutionError) Unwrap() error {
	return flowstate.ErrMaxAttemptsExceeded
}

// Executor runs nodes with the shared timeout and retry wrapper, emitting
// node.execution.* lifecycle events and applying its middleware chain
// around every attempt.
type Executor struct {
	bus    *event.Bus
	logger *slog.Logger
	mws    []Middleware
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMiddleware appends middleware to the executor chain, outermost first.
func WithMiddleware(mws ...Middleware) ExecutorOption {
	return func(e *Executor) { e.mws = append(e.mws, mws...) }
}

// NewExecutor creates an Executor.
func NewExecutor(bus *event.Bus, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{bus: bus, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// policied extracts the retry policy and timeout from nodes embedding Base.
type policied interface {
	Timeout() time.Duration
	Retry() backoff.Policy
}

// Run executes a node: it emits node.execution.started, races each attempt
// against the node's timeout, retries failures per the node's backoff
// policy (emitting node.execution.failed per attempt), and emits
// node.execution.completed on eventual success. Exhausting attempts
// returns an *ExecutionError carrying the execution and workflow ids.
func (e *Executor) Run(ctx context.Context, n Node, ec *ExecutionContext, input map[string]any) (*Result, error) {
	var (
		timeout time.Duration
		policy  = backoff.None
	)
	if p, ok := n.(policied); ok {
		timeout = p.Timeout()
		policy = p.Retry()
	}

	meta := event.Metadata{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		StateID:     ec.StateID,
	}

	e.emit(ctx, event.TypeNodeStarted, map[string]any{
		"node":         n.Name(),
		"node_type":    n.Type(),
		"max_attempts": policy.Attempts(),
	}, meta)

	var lastErr error
	attempts := policy.Attempts()

	for attempt := 1; attempt <= attempts; attempt++ {
		inv := &Invocation{
			Node:        n,
			ExecutionID: ec.ExecutionID,
			WorkflowID:  ec.WorkflowID,
			Attempt:     attempt,
			Input:       input,
		}

		res, err := e.attempt(ctx, inv, n, ec, timeout)
		if err == nil && res != nil && res.Success {
			e.emit(ctx, event.TypeNodeCompleted, map[string]any{
				"node":     n.Name(),
				"attempts": attempt,
			}, meta)
			return res, nil
		}

		switch {
		case err != nil:
			lastErr = err
		case res != nil && res.FailureReason != "":
			lastErr = errors.New(res.FailureReason)
		default:
			lastErr = errors.New("node reported failure")
		}

		e.emit(ctx, event.TypeNodeFailed, map[string]any{
			"node":    n.Name(),
			"attempt": attempt,
			"error":   lastErr.Error(),
		}, meta)

		if attempt == attempts {
			break
		}

		delay := policy.Delay(attempt)
		e.logger.Debug("retrying node",
			slog.String("node", n.Name()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("node %q: retry wait: %w", n.Name(), ctx.Err())
		}
	}

	return nil, &ExecutionError{
		NodeName:    n.Name(),
		NodeType:    n.Type(),
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		Attempts:    attempts,
		LastErr:     lastErr,
	}
}

// attempt performs one execution attempt, racing the node's work against
// its timeout through the middleware chain.
func (e *Executor) attempt(ctx context.Context, inv *Invocation, n Node, ec *ExecutionContext, timeout time.Duration) (*Result, error) {
	work := func(c context.Context) (*Result, error) {
		if timeout <= 0 {
			return n.Execute(c, ec, inv.Input)
		}

		tctx, cancel := context.WithTimeout(c, timeout)
		defer cancel()

		type outcome struct {
			res *Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := n.Execute(tctx, ec, inv.Input)
			done <- outcome{res: res, err: err}
		}()

		select {
		case o := <-done:
			return o.res, o.err
		case <-tctx.Done():
			return nil, fmt.Errorf("node %q timed out after %s: %w",
				n.Name(), timeout, flowstate.ErrExecutionTimeout)
		}
	}

	if len(e.mws) == 0 {
		return work(ctx)
	}

	return Chain(e.mws...)(ctx, inv, work)
}

func (e *Executor) emit(ctx context.Context, eventType string, payload map[string]any, meta event.Metadata) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Emit(ctx, eventType, payload, meta); err != nil {
		e.logger.Debug("emit failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
