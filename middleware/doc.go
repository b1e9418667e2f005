// Package middleware provides composable middleware for node execution.
//
// A [node.Middleware] is a function that wraps a node execution attempt.
// Middleware are composed with [node.Chain] and run around every attempt
// the executor makes, right-to-left: the first middleware in the slice is
// the outermost wrapper.
//
//	exec := node.NewExecutor(bus, logger,
//	    node.WithMiddleware(middleware.Logging(logger), middleware.Recover(logger)),
//	)
//
// # Built-in Middleware
//
//   - [Logging] — logs node name, attempt, duration, and outcome per attempt
//   - [Recover] — catches panics in node code and converts them to errors
//   - [Timeout] — enforces a global per-attempt deadline on top of node timeouts
//   - [Throttle] — rate-limits attempt starts with a shared token bucket
//   - [Tracing] — wraps each attempt in an OpenTelemetry span
//   - [Metrics] — records per-node duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() node.Middleware {
//	    return func(ctx context.Context, inv *node.Invocation, next node.Handler) (*node.Result, error) {
//	        // pre-processing
//	        res, err := next(ctx)
//	        // post-processing
//	        return res, err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., rate limiting, circuit breaking).
package middleware
