package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const treeScopeName = "github.com/arborhq/arbor/tree"

// TreeMetrics instruments tree operations (insert, move, delete, rebuild,
// validate). Instruments come from the global providers, so they are no-ops
// unless Init enabled telemetry.
type TreeMetrics struct {
	tracer  trace.Tracer
	ops     metric.Int64Counter
	dur     metric.Float64Histogram
	errs    metric.Int64Counter
	retries metric.Int64Counter
}

// NewTreeMetrics creates the arbor.tree.* instruments.
func NewTreeMetrics() *TreeMetrics {
	m := Meter(treeScopeName)
	ops, _ := m.Int64Counter("arbor.tree.operations",
		metric.WithDescription("Total tree operations executed"),
	)
	dur, _ := m.Float64Histogram("arbor.tree.operation.duration",
		metric.WithDescription("Tree operation duration in milliseconds, retries included"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("arbor.tree.errors",
		metric.WithDescription("Total failed tree operations"),
	)
	retries, _ := m.Int64Counter("arbor.tree.retries",
		metric.WithDescription("Tree operation attempts re-run after a conflict"),
	)
	return &TreeMetrics{
		tracer:  Tracer(treeScopeName),
		ops:     ops,
		dur:     dur,
		errs:    errs,
		retries: retries,
	}
}

// TreeOp is one running, instrumented tree operation.
type TreeOp struct {
	m     *TreeMetrics
	ctx   context.Context
	span  trace.Span
	start time.Time
	attrs []attribute.KeyValue // metric attributes; kept low-cardinality
}

// Start begins a span for the named operation. mode labels both the span and
// the metrics; spanAttrs (node ids, scopes) go on the span only.
func (m *TreeMetrics) Start(ctx context.Context, name, mode string, spanAttrs ...attribute.KeyValue) (context.Context, *TreeOp) {
	attrs := []attribute.KeyValue{
		attribute.String("arbor.operation", name),
		attribute.String("arbor.numbering", mode),
	}
	ctx, span := m.tracer.Start(ctx, "tree."+name,
		trace.WithAttributes(attrs...),
		trace.WithAttributes(spanAttrs...),
	)
	m.ops.Add(ctx, 1, metric.WithAttributes(attrs...))
	return ctx, &TreeOp{m: m, ctx: ctx, span: span, start: time.Now(), attrs: attrs}
}

// SetAttributes adds span attributes learned while the operation runs.
func (op *TreeOp) SetAttributes(attrs ...attribute.KeyValue) {
	op.span.SetAttributes(attrs...)
}

// Retry records that the operation is about to be re-run.
func (op *TreeOp) Retry(attempt int, err error) {
	op.m.retries.Add(op.ctx, 1, metric.WithAttributes(op.attrs...))
	op.span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("arbor.attempt", attempt),
		attribute.String("error", err.Error()),
	))
}

// End finishes the span, recording duration and err.
func (op *TreeOp) End(err error) {
	op.m.dur.Record(op.ctx, float64(time.Since(op.start).Milliseconds()), metric.WithAttributes(op.attrs...))
	if err != nil {
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
		op.m.errs.Add(op.ctx, 1, metric.WithAttributes(op.attrs...))
	}
	op.span.End()
}
