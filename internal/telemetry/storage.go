package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/types"
)

const storageScopeName = "github.com/fieldvault/fieldvault/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in fv.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner  storage.Storage
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("fv.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("fv.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("fv.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStorage{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func appAttr(application string) attribute.KeyValue {
	return attribute.String("fv.application", application)
}

// ── Field dictionary ────────────────────────────────────────────────────────

func (s *InstrumentedStorage) DefineField(ctx context.Context, application string, input *types.FieldDefinitionInput, actor string) (*types.FieldDefinition, error) {
	attrs := []attribute.KeyValue{
		appAttr(application),
		attribute.String("fv.field", input.FieldName),
		attribute.String("fv.actor", actor),
	}
	ctx, span, t := s.op(ctx, "DefineField", attrs...)
	v, err := s.inner.DefineField(ctx, application, input, actor)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) LookupFields(ctx context.Context, application string, names []string) (map[string]*types.FieldDefinition, error) {
	attrs := []attribute.KeyValue{appAttr(application), attribute.Int("fv.field.count", len(names))}
	ctx, span, t := s.op(ctx, "LookupFields", attrs...)
	v, err := s.inner.LookupFields(ctx, application, names)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListFields(ctx context.Context, application string) ([]*types.FieldDefinition, error) {
	attrs := []attribute.KeyValue{appAttr(application)}
	ctx, span, t := s.op(ctx, "ListFields", attrs...)
	v, err := s.inner.ListFields(ctx, application)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetFieldDefinitionHistory(ctx context.Context, application, name string) ([]*types.FieldDefinitionVersion, error) {
	attrs := []attribute.KeyValue{appAttr(application), attribute.String("fv.field", name)}
	ctx, span, t := s.op(ctx, "GetFieldDefinitionHistory", attrs...)
	v, err := s.inner.GetFieldDefinitionHistory(ctx, application, name)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Context resolution ──────────────────────────────────────────────────────

func (s *InstrumentedStorage) ResolveContext(ctx context.Context, application string, keys map[string]string) (int64, error) {
	attrs := []attribute.KeyValue{appAttr(application), attribute.Int("fv.context.keys", len(keys))}
	ctx, span, t := s.op(ctx, "ResolveContext", attrs...)
	v, err := s.inner.ResolveContext(ctx, application, keys)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) FindContext(ctx context.Context, application string, keys map[string]string) (int64, error) {
	attrs := []attribute.KeyValue{appAttr(application), attribute.Int("fv.context.keys", len(keys))}
	ctx, span, t := s.op(ctx, "FindContext", attrs...)
	v, err := s.inner.FindContext(ctx, application, keys)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetCurrentValues(ctx context.Context, application string, contextGroupID int64, names []string) (map[string]*types.FieldView, error) {
	attrs := []attribute.KeyValue{
		appAttr(application),
		attribute.Int64("fv.context.group", contextGroupID),
		attribute.Int("fv.field.count", len(names)),
	}
	ctx, span, t := s.op(ctx, "GetCurrentValues", attrs...)
	v, err := s.inner.GetCurrentValues(ctx, application, contextGroupID, names)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetFieldAuditTrail(ctx context.Context, application string, contextGroupID int64, name string) ([]*types.VersionRecord, error) {
	attrs := []attribute.KeyValue{
		appAttr(application),
		attribute.Int64("fv.context.group", contextGroupID),
		attribute.String("fv.field", name),
	}
	ctx, span, t := s.op(ctx, "GetFieldAuditTrail", attrs...)
	v, err := s.inner.GetFieldAuditTrail(ctx, application, contextGroupID, name)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Audit events ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) WriteAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	attrs := []attribute.KeyValue{appAttr(event.Application), attribute.String("fv.event.type", event.EventType)}
	ctx, span, t := s.op(ctx, "WriteAuditEvent", attrs...)
	err := s.inner.WriteAuditEvent(ctx, event)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetAuditEvents(ctx context.Context, application string, limit int) ([]*types.AuditEvent, error) {
	attrs := []attribute.KeyValue{appAttr(application)}
	ctx, span, t := s.op(ctx, "GetAuditEvents", attrs...)
	v, err := s.inner.GetAuditEvents(ctx, application, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Transactions ────────────────────────────────────────────────────────────

// RunInTransaction traces the whole transaction as one span; the per-field
// operations inside are not individually traced, keeping the lock window
// free of exporter work.
func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
