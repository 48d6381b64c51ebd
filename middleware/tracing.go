package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/signoff/outbox"
)

// tracerName is the instrumentation scope name for signoff tracing.
const tracerName = "github.com/xraph/signoff"

// Tracing returns middleware that wraps each delivery attempt in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a pass-through
// with zero overhead.
//
// Span attributes include: signoff.message.id, signoff.message.recipient,
// signoff.message.retry_count. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, m *outbox.Message, next Handler) error {
		ctx, span := tracer.Start(ctx, "signoff.message.deliver",
			trace.WithAttributes(
				attribute.String("signoff.message.id", m.ID.String()),
				attribute.String("signoff.message.recipient", m.Recipient),
				attribute.Int("signoff.message.retry_count", m.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
