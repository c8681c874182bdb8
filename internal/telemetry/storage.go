package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/arborhq/arbor/internal/storage"
)

const storageScopeName = "github.com/arborhq/arbor/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every transaction gets a span and is counted in arbor.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner     storage.Storage
	tracer    trace.Tracer
	txs       metric.Int64Counter
	dur       metric.Float64Histogram
	errs      metric.Int64Counter
	conflicts metric.Int64Counter
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	return newInstrumentedStorage(s)
}

func newInstrumentedStorage(s storage.Storage) *InstrumentedStorage {
	m := Meter(storageScopeName)
	txs, _ := m.Int64Counter("arbor.storage.transactions",
		metric.WithDescription("Total storage transactions executed"),
	)
	dur, _ := m.Float64Histogram("arbor.storage.transaction.duration",
		metric.WithDescription("Storage transaction duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("arbor.storage.errors",
		metric.WithDescription("Total failed storage transactions"),
	)
	conflicts, _ := m.Int64Counter("arbor.storage.conflicts",
		metric.WithDescription("Transactions that lost a race (serialization conflicts and lock timeouts)"),
	)
	return &InstrumentedStorage{
		inner:     s,
		tracer:    Tracer(storageScopeName),
		txs:       txs,
		dur:       dur,
		errs:      errs,
		conflicts: conflicts,
	}
}

// Unwrap returns the decorated store.
func (s *InstrumentedStorage) Unwrap() storage.Storage {
	return s.inner
}

// RunInTransaction implements storage.Storage.
func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, opts storage.TxOptions, fn func(tx storage.Transaction) error) error {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", s.inner.Backend()),
		attribute.Bool("arbor.tx.read_only", opts.ReadOnly),
	}
	ctx, span := s.tracer.Start(ctx, "storage.transaction",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()
	s.txs.Add(ctx, 1, metric.WithAttributes(attrs...))
	start := time.Now()

	err := s.inner.RunInTransaction(ctx, opts, fn)

	s.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
		if storage.IsRetryable(err) {
			s.conflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}
	return err
}

// Backend implements storage.Storage.
func (s *InstrumentedStorage) Backend() string {
	return s.inner.Backend()
}

// Close implements storage.Storage.
func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
