package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/flowstate/node"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) node.Middleware {
	return func(ctx context.Context, inv *node.Invocation, next node.Handler) (*node.Result, error) {
		logger.Info("node attempt started",
			slog.String("node", inv.Node.Name()),
			slog.String("node_type", inv.Node.Type()),
			slog.Int("attempt", inv.Attempt),
			slog.String("execution_id", inv.ExecutionID.String()),
		)

		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			logger.Error("node attempt errored",
				slog.String("node", inv.Node.Name()),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		case res != nil && !res.Success:
			logger.Warn("node attempt failed",
				slog.String("node", inv.Node.Name()),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("reason", res.FailureReason),
			)
		default:
			logger.Info("node attempt completed",
				slog.String("node", inv.Node.Name()),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return res, err
	}
}
