package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/flowstate/node"
)

// Timeout returns middleware that enforces a deadline on every attempt,
// on top of any node-level timeout the executor already applies. When the
// deadline is exceeded the attempt context is cancelled and node code
// should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger, d time.Duration) node.Middleware {
	return func(ctx context.Context, inv *node.Invocation, next node.Handler) (*node.Result, error) {
		if d > 0 {
			logger.Debug("attempt deadline set",
				slog.String("node", inv.Node.Name()),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
