package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/xraph/flowstate/node"
)

// Throttle returns middleware that rate-limits attempt starts with a
// shared token bucket of r attempts per second and the given burst.
// Attempts block on the bucket; a cancelled context aborts the wait.
func Throttle(r rate.Limit, burst int) node.Middleware {
	limiter := rate.NewLimiter(r, burst)
	return ThrottleWithLimiter(limiter)
}

// ThrottleWithLimiter returns throttling middleware over a caller-owned
// limiter, letting several executors share one bucket.
func ThrottleWithLimiter(limiter *rate.Limiter) node.Middleware {
	return func(ctx context.Context, inv *node.Invocation, next node.Handler) (*node.Result, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("throttle: node %s: %w", inv.Node.Name(), err)
		}
		return next(ctx)
	}
}
