package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/flowstate/node"
)

// tracerName is the instrumentation scope name for flowstate tracing.
const tracerName = "github.com/xraph/flowstate"

// Tracing returns middleware that wraps each node attempt in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a pass-through
// with zero overhead.
//
// Span attributes include: flowstate.node.name, flowstate.node.type,
// flowstate.attempt, flowstate.execution_id, flowstate.workflow_id.
// On error, the span status is set to codes.Error with the error message.
func Tracing() node.Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) node.Middleware {
	return func(ctx context.Context, inv *node.Invocation, next node.Handler) (*node.Result, error) {
		ctx, span := tracer.Start(ctx, "flowstate.node.execute",
			trace.WithAttributes(
				attribute.String("flowstate.node.name", inv.Node.Name()),
				attribute.String("flowstate.node.type", inv.Node.Type()),
				attribute.Int("flowstate.attempt", inv.Attempt),
				attribute.String("flowstate.execution_id", inv.ExecutionID.String()),
				attribute.String("flowstate.workflow_id", inv.WorkflowID.String()),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res, err := next(ctx)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res != nil && !res.Success:
			span.SetStatus(codes.Error, res.FailureReason)
		default:
			span.SetStatus(codes.Ok, "")
		}

		return res, err
	}
}
