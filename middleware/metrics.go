package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/flowstate/node"
)

// meterName is the instrumentation scope name for flowstate metrics.
const meterName = "github.com/xraph/flowstate"

// Metrics returns middleware that records per-node execution metrics using
// the global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - flowstate.node.duration (Float64Histogram): attempt time in seconds,
//     with attributes: node_name, node_type, status ("ok" or "error")
//   - flowstate.node.attempts (Int64Counter): total attempts,
//     with attributes: node_name, node_type, status ("ok" or "error")
func Metrics() node.Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) node.Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"flowstate.node.duration",
		metric.WithDescription("Duration of node execution attempts in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	attempts, aErr := meter.Int64Counter(
		"flowstate.node.attempts",
		metric.WithDescription("Total number of node execution attempts"),
		metric.WithUnit("{attempt}"),
	)
	_ = aErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, inv *node.Invocation, next node.Handler) (*node.Result, error) {
		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil || (res != nil && !res.Success) {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("node_name", inv.Node.Name()),
			attribute.String("node_type", inv.Node.Type()),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)

		return res, err
	}
}
