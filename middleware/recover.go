package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/flowstate/node"
)

// Recover returns middleware that recovers from panics in the node chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) node.Middleware {
	return func(ctx context.Context, inv *node.Invocation, next node.Handler) (res *node.Result, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("node panicked",
					slog.String("node", inv.Node.Name()),
					slog.Int("attempt", inv.Attempt),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				res = nil
				retErr = fmt.Errorf("panic in node %s: %v", inv.Node.Name(), r)
			}
		}()
		return next(ctx)
	}
}
