package opserve

import (
	"context"

	"github.com/albertbausili/opserve/internal/h1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for invocation spans.
const TracerName = "github.com/albertbausili/opserve"

var propagator = propagation.TraceContext{}

// startSpan starts the server span of an invocation, continuing the trace
// from the W3C traceparent header when present. Without a configured tracer
// provider the span is a no-op.
func startSpan(parent context.Context, d *OperationDescriptor, head *h1.Head) (context.Context, trace.Span) {
	ctx := propagator.Extract(parent, headCarrier{head: head})
	return otel.Tracer(TracerName).Start(ctx, string(d.id),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", head.Method),
			attribute.String("http.route", d.pattern),
			attribute.String("url.path", head.Path),
		),
	)
}

func annotateSpan(span trace.Span, correlationID string) {
	span.SetAttributes(attribute.String("opserve.correlation_id", correlationID))
}

// end finishes the invocation span with the outcome.
func (c *InvocationContext) end(o Outcome) {
	annotateSpan(c.span, c.correlationID)
	c.span.SetAttributes(attribute.String("opserve.outcome", o.Label()))
	switch o := o.(type) {
	case Success:
		c.span.SetAttributes(attribute.Int("http.response.status_code", o.Status))
		c.span.SetStatus(codes.Ok, "")
	case InternalFailure:
		c.span.RecordError(o.Cause)
		c.span.SetStatus(codes.Error, o.Label())
	default:
		c.span.SetStatus(codes.Error, o.Label())
	}
	c.span.End()
}

// headCarrier adapts a request head to propagation.TextMapCarrier. Only
// extraction is supported.
type headCarrier struct {
	head *h1.Head
}

func (c headCarrier) Get(key string) string { return c.head.Get(key) }

func (c headCarrier) Set(string, string) {}

func (c headCarrier) Keys() []string {
	keys := make([]string, 0, len(c.head.Headers))
	for _, kv := range c.head.Headers {
		keys = append(keys, kv[0])
	}
	return keys
}
