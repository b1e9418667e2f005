// Package engine wires all flowstate subsystems together: the state
// manager, validator, event bus, node executor, strategy registry, and
// scheduler. It exposes the Orchestrator, the single entry point for
// registering workflow graphs and running them.
//
// This package exists to break the import cycle: the root flowstate
// package defines Config and the shared sentinel errors (imported by
// state, event, node, etc.) and so cannot import those packages back.
// The engine package sits above all subsystem packages and below the
// application layer.
//
// # Usage
//
//	orc, err := engine.New(memory.New())
//	if err != nil { ... }
//	defer orc.Stop(ctx)
//
//	if err := orc.RegisterWorkflow(g); err != nil { ... }
//	res, err := orc.Run(ctx, "order-fulfillment", "adaptive", vars)
package engine
