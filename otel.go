package otpfetch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/javi11/otpfetch"

type tracing struct {
	tracer trace.Tracer
}

func newTracing(tp trace.TracerProvider) *tracing {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &tracing{tracer: tp.Tracer(instrumentationName)}
}

// startSpan starts an internal span and returns a func that ends it with the
// outcome of the operation.
func (t *tracing) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
