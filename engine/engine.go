package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/condition"
	"github.com/xraph/flowstate/event"
	"github.com/xraph/flowstate/graph"
	"github.com/xraph/flowstate/id"
	mw "github.com/xraph/flowstate/middleware"
	"github.com/xraph/flowstate/node"
	"github.com/xraph/flowstate/sched"
	"github.com/xraph/flowstate/state"
	"github.com/xraph/flowstate/strategy"
	"github.com/xraph/flowstate/validation"
)

// Orchestrator owns the assembled subsystems and drives workflow runs
// end to end: state creation, strategy execution, and the closing
// status transition.
type Orchestrator struct {
	cfg       flowstate.Config
	store     state.Store
	logger    *slog.Logger
	validator *validation.Validator
	bus       *event.Bus
	manager   *state.Manager
	evaluator *condition.Evaluator
	executor  *node.Executor
	registry  *strategy.Registry
	scheduler *sched.Scheduler
	factory   *node.Factory

	mws []node.Middleware

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu        sync.RWMutex
	workflows map[string]*graph.Graph
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the default configuration.
func WithConfig(cfg flowstate.Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger sets the logger shared by all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithValidator replaces the default validator (default rule set, lenient
// mode).
func WithValidator(v *validation.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithMiddleware adds node middleware to the executor chain, after the
// built-in recover/tracing/metrics/logging stack.
func WithMiddleware(mws ...node.Middleware) Option {
	return func(o *Orchestrator) { o.mws = append(o.mws, mws...) }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.meterProvider = mp }
}

// New assembles an Orchestrator over the given store.
func New(store state.Store, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, flowstate.ErrNoStore
	}

	o := &Orchestrator{
		cfg:       flowstate.DefaultConfig(),
		store:     store,
		logger:    slog.Default(),
		workflows: map[string]*graph.Graph{},
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.validator == nil {
		o.validator = validation.New(o.logger)
	}

	o.bus = event.NewBus(o.logger)
	o.evaluator = condition.NewEvaluator()
	o.factory = node.NewFactory()

	managerOpts := []state.ManagerOption{
		state.WithMaxHistory(o.cfg.MaxHistory),
		state.WithDefaultTransactionTimeout(o.cfg.TransactionTimeout),
	}
	if o.cfg.SnapshotOnCreate {
		managerOpts = append(managerOpts, state.WithSnapshotOnCreate())
	}
	o.manager = state.NewManager(store, validation.NewAdapter(o.validator), o.bus, o.logger, managerOpts...)

	// Build tracing middleware (custom provider or global).
	var tracingMw node.Middleware
	if o.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(o.tracerProvider.Tracer("github.com/xraph/flowstate"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw node.Middleware
	if o.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(o.meterProvider.Meter("github.com/xraph/flowstate"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging.
	allMws := []node.Middleware{
		mw.Recover(o.logger),
		tracingMw,
		metricsMw,
		mw.Logging(o.logger),
	}
	allMws = append(allMws, o.mws...)

	o.executor = node.NewExecutor(o.bus, o.logger, node.WithMiddleware(allMws...))
	o.registry = strategy.NewRegistry()

	o.scheduler = sched.NewScheduler(o.startScheduled, o.bus, o.logger,
		sched.WithTickInterval(o.cfg.SchedulerTick),
	)

	return o, nil
}

// ──────────────────────────────────────────────────
// Workflow registration
// ──────────────────────────────────────────────────

// RegisterWorkflow validates and registers a workflow graph under its
// name. Re-registration replaces the previous graph.
func (o *Orchestrator) RegisterWorkflow(g *graph.Graph) error {
	if g.Name == "" {
		return fmt.Errorf("engine: workflow graph without a name")
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("engine: register workflow %q: %w", g.Name, err)
	}
	if g.ID.IsNil() {
		g.ID = id.NewWorkflowID()
	}

	o.mu.Lock()
	o.workflows[g.Name] = g
	o.mu.Unlock()

	o.logger.Info("workflow registered",
		slog.String("workflow", g.Name),
		slog.String("workflow_id", g.ID.String()),
		slog.Int("states", len(g.States)),
		slog.Int("transitions", len(g.Transitions)),
	)
	return nil
}

// Workflow returns a registered graph by name.
func (o *Orchestrator) Workflow(name string) (*graph.Graph, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.workflows[name]
	return g, ok
}

// Workflows lists registered workflow names, sorted.
func (o *Orchestrator) Workflows() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.workflows))
	for name := range o.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ──────────────────────────────────────────────────
// Runs
// ──────────────────────────────────────────────────

// Run executes a registered workflow under the named strategy (empty
// picks the configured default). It creates a PENDING state, moves it to
// RUNNING, executes the graph, and closes the state as COMPLETED or
// FAILED. The run result and closing state travel back to the caller;
// run lifecycle events go out on the bus.
func (o *Orchestrator) Run(ctx context.Context, workflowName, strategyName string, vars map[string]any) (*graph.Result, error) {
	g, ok := o.Workflow(workflowName)
	if !ok {
		return nil, fmt.Errorf("engine: workflow %q: %w", workflowName, flowstate.ErrWorkflowNotFound)
	}
	return o.RunGraph(ctx, g, strategyName, vars)
}

// RunGraph executes an already-validated graph without requiring prior
// registration.
func (o *Orchestrator) RunGraph(ctx context.Context, g *graph.Graph, strategyName string, vars map[string]any) (*graph.Result, error) {
	return o.runGraph(ctx, g, strategyName, vars, id.NewExecutionID())
}

// runGraph is the shared run path. execID identifies this run in
// execution context and run events; scheduled starts pass the id they
// returned to the scheduler so both refer to the same run.
func (o *Orchestrator) runGraph(ctx context.Context, g *graph.Graph, strategyName string, vars map[string]any, execID id.ExecutionID) (*graph.Result, error) {
	if strategyName == "" {
		strategyName = o.cfg.Strategy
	}

	strat, err := o.registry.New(strategyName, strategy.Deps{
		Executor:  o.executor,
		Evaluator: o.evaluator,
		Logger:    o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: strategy %q: %w", strategyName, err)
	}

	initial := g.InitialState()
	if initial == nil {
		return nil, fmt.Errorf("engine: graph %q not validated", g.Name)
	}

	ws, err := o.manager.CreateState(ctx, g.ID, state.StatusPending, initial.ID, vars, "engine")
	if err != nil {
		return nil, fmt.Errorf("engine: run %q: %w", g.Name, err)
	}

	if _, err := o.manager.TransitionState(ctx, ws.ID, state.Transition{
		From:   state.StatusPending,
		To:     state.StatusRunning,
		Step:   initial.ID,
		Actor:  "engine",
		Reason: "run started",
	}); err != nil {
		return nil, fmt.Errorf("engine: run %q: start: %w", g.Name, err)
	}

	ec := node.NewExecutionContext(g.ID, ws.ID, o.bus, o.logger)
	ec.ExecutionID = execID
	for k, v := range vars {
		ec.Variables[k] = v
	}

	o.emitRun(ctx, event.TypeRunStarted, g, ec, map[string]any{
		"strategy": strategyName,
	})

	res, execErr := strat.Execute(ctx, g, ec)

	switch {
	case execErr != nil:
		o.closeRun(ctx, ws.ID, state.StatusFailed, res, execErr.Error())
		o.emitRun(ctx, event.TypeRunFailed, g, ec, map[string]any{
			"error": execErr.Error(),
		})
		return res, fmt.Errorf("engine: run %q: %w", g.Name, execErr)

	case res.Success:
		o.closeRun(ctx, ws.ID, state.StatusCompleted, res, "run completed")
		o.emitRun(ctx, event.TypeRunCompleted, g, ec, map[string]any{
			"strategy": res.Strategy,
			"visited":  res.Visited(),
			"elapsed":  res.FinishedAt.Sub(res.StartedAt).String(),
		})
		return res, nil

	case res.Suspended:
		o.closeRun(ctx, ws.ID, state.StatusWaiting, res, "run suspended")
		o.emitRun(ctx, event.TypeRunSuspended, g, ec, map[string]any{
			"strategy": res.Strategy,
			"visited":  res.Visited(),
		})
		return res, nil

	default:
		reason := "run failed"
		for _, rec := range res.Records {
			if !rec.Success && !rec.Skipped {
				reason = fmt.Sprintf("state %s failed: %s", rec.StateID, rec.Error)
				break
			}
		}
		o.closeRun(ctx, ws.ID, state.StatusFailed, res, reason)
		o.emitRun(ctx, event.TypeRunFailed, g, ec, map[string]any{
			"reason": reason,
		})
		return res, nil
	}
}

// closeRun moves the run's state to its terminal status, attaching the
// result summary to the state data. Close failures are logged, not
// returned; the run outcome already stands.
func (o *Orchestrator) closeRun(ctx context.Context, stateID id.StateID, to state.Status, res *graph.Result, reason string) {
	data := map[string]any{}
	if res != nil {
		data["result"] = map[string]any{
			"strategy": res.Strategy,
			"success":  res.Success,
			"visited":  res.Visited(),
		}
	}

	if _, err := o.manager.TransitionState(ctx, stateID, state.Transition{
		From:   state.StatusRunning,
		To:     to,
		Data:   data,
		Actor:  "engine",
		Reason: reason,
	}); err != nil {
		o.logger.Error("closing transition failed",
			slog.String("state_id", stateID.String()),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) emitRun(ctx context.Context, eventType string, g *graph.Graph, ec *node.ExecutionContext, payload map[string]any) {
	payload["workflow"] = g.Name
	if _, err := o.bus.Emit(ctx, eventType, payload, event.Metadata{
		WorkflowID:  g.ID,
		StateID:     ec.StateID,
		ExecutionID: ec.ExecutionID,
	}); err != nil {
		o.logger.Debug("emit failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Scheduling
// ──────────────────────────────────────────────────

// Schedule registers a cron-scheduled start of a registered workflow.
func (o *Orchestrator) Schedule(name, cronExpr, workflowName, strategyName string, vars map[string]any) (*sched.Entry, error) {
	if _, ok := o.Workflow(workflowName); !ok {
		return nil, fmt.Errorf("engine: schedule %q: workflow %q not registered", name, workflowName)
	}
	return o.scheduler.Register(name, cronExpr, workflowName, strategyName, vars)
}

// startScheduled is the sched.StartFunc implementation. The run proceeds
// in the background; the returned execution id identifies it in run
// events.
func (o *Orchestrator) startScheduled(ctx context.Context, workflowName, strategyName string, vars map[string]any) (id.ExecutionID, error) {
	g, ok := o.Workflow(workflowName)
	if !ok {
		return id.ID{}, fmt.Errorf("engine: workflow %q not registered", workflowName)
	}

	execID := id.NewExecutionID()
	go func() {
		if _, err := o.runGraph(context.WithoutCancel(ctx), g, strategyName, vars, execID); err != nil {
			o.logger.Error("scheduled run failed",
				slog.String("workflow", workflowName),
				slog.String("error", err.Error()),
			)
		}
	}()
	return execID, nil
}

// ──────────────────────────────────────────────────
// Lifecycle and accessors
// ──────────────────────────────────────────────────

// Start launches the scheduler tick loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.scheduler.Start(ctx)
}

// Stop shuts the orchestrator down: scheduler first, then the event bus
// (draining in-flight deliveries), then the state manager and store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
		defer cancel()
	}

	if err := o.scheduler.Stop(ctx); err != nil {
		o.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	if err := o.bus.Shutdown(ctx); err != nil {
		o.logger.Error("bus shutdown error", slog.String("error", err.Error()))
	}
	return o.manager.Close(ctx)
}

// Manager returns the state manager.
func (o *Orchestrator) Manager() *state.Manager { return o.manager }

// Bus returns the event bus.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Executor returns the node executor.
func (o *Orchestrator) Executor() *node.Executor { return o.executor }

// Evaluator returns the shared condition evaluator.
func (o *Orchestrator) Evaluator() *condition.Evaluator { return o.evaluator }

// Strategies returns the strategy registry.
func (o *Orchestrator) Strategies() *strategy.Registry { return o.registry }

// Scheduler returns the cron scheduler.
func (o *Orchestrator) Scheduler() *sched.Scheduler { return o.scheduler }

// Factory returns the node factory.
func (o *Orchestrator) Factory() *node.Factory { return o.factory }

// Validator returns the validator.
func (o *Orchestrator) Validator() *validation.Validator { return o.validator }

// Ping verifies the backing store is reachable.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}
