// Package flowstate provides a stateful workflow orchestration core for Go.
// It drives long-running, multi-step processes through a validated state
// machine, executes composable node graphs (task, condition, loop, parallel),
// and notifies interested parties of progress via a prioritized event bus.
//
// Flowstate is designed as a library, not a service. Import it, configure a
// store, build a graph, and run it:
//
//	orc, err := engine.New(memory.New(), engine.WithLogger(logger))
//	if err != nil { ... }
//	if err := orc.RegisterWorkflow(g); err != nil { ... }
//	res, err := orc.Run(ctx, "order-fulfillment", "", vars)
//
// # Architecture
//
// The core is layered leaf-first: the event bus has no dependencies and every
// other component emits into it; the validator is a pure rule engine over
// state/transition pairs; the state manager owns the authoritative workflow
// state lifecycle (create, update, transition, checkpoint, transaction) on top
// of a pluggable state.Store; nodes are units of executable work with retry
// and timeout; execution strategies traverse a workflow graph by invoking
// nodes and recording per-state outcomes.
//
// Durable persistence sits behind the state.Store interface with memory,
// Redis and Postgres (bun) backends under store/.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package flowstate
