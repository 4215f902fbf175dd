package opserve

import (
	"context"
	"log/slog"

	"github.com/albertbausili/opserve/internal/h1"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http/httpguts"
)

// InvocationContext is created for each request that reaches an operation
// and lives until its response is produced.
type InvocationContext struct {
	ctx           context.Context
	correlationID string
	logger        *slog.Logger
	reporter      OperationReporter
	operation     OperationID
	head          *h1.Head
	span          trace.Span
}

// ReportingContext is request-scoped reporting data supplied by an input.
type ReportingContext struct {
	// CorrelationID replaces the generated or header-provided ID when set.
	CorrelationID string
	// Attrs are added to the invocation logger.
	Attrs []slog.Attr
}

// ReportingSource is implemented by inputs that carry their own reporting
// data. It takes precedence over the per-request defaults.
type ReportingSource interface {
	ReportingContext() ReportingContext
}

func newInvocationContext(parent context.Context, d *OperationDescriptor, head *h1.Head, logger *slog.Logger) *InvocationContext {
	if parent == nil {
		parent = context.Background()
	}
	id := head.Get("x-request-id")
	if !validCorrelationID(id) {
		id = newCorrelationID()
	}
	ctx, span := startSpan(parent, d, head)
	ctx = WithCorrelationID(ctx, id)

	reporter := d.reporter
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &InvocationContext{
		ctx:           ctx,
		correlationID: id,
		logger:        logger.With("operation", string(d.id)),
		reporter:      reporter,
		operation:     d.id,
		head:          head,
		span:          span,
	}
}

func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// validCorrelationID reports whether id can be echoed as a header value.
func validCorrelationID(id string) bool {
	return id != "" && httpguts.ValidHeaderFieldValue(id)
}

// substitute applies an input-supplied reporting context. An ID that cannot
// be echoed in a header is ignored.
func (c *InvocationContext) substitute(rc ReportingContext) {
	if validCorrelationID(rc.CorrelationID) {
		c.correlationID = rc.CorrelationID
		c.ctx = WithCorrelationID(c.ctx, rc.CorrelationID)
	}
	if len(rc.Attrs) > 0 {
		args := make([]any, len(rc.Attrs))
		for i, a := range rc.Attrs {
			args[i] = a
		}
		c.logger = c.logger.With(args...)
	}
	annotateSpan(c.span, c.correlationID)
}

// Context returns the request context. It carries the correlation ID and
// the invocation span.
func (c *InvocationContext) Context() context.Context { return c.ctx }

// CorrelationID returns the request correlation ID.
func (c *InvocationContext) CorrelationID() string { return c.correlationID }

// Logger returns the request-scoped logger.
func (c *InvocationContext) Logger() *slog.Logger { return c.logger }

// Reporter returns the reporting handle of the operation.
func (c *InvocationContext) Reporter() OperationReporter { return c.reporter }

// Operation returns the operation being invoked.
func (c *InvocationContext) Operation() OperationID { return c.operation }

// Method returns the request method.
func (c *InvocationContext) Method() string { return c.head.Method }

// Path returns the request path without the query string.
func (c *InvocationContext) Path() string { return c.head.Path }

// Query returns the raw query string.
func (c *InvocationContext) Query() string { return c.head.Query }

// Header returns the first value of the named request header.
func (c *InvocationContext) Header(name string) string { return c.head.Get(name) }
