package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/linlurui/decentri-license/internal/errors"
)

const (
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// Metrics holds the license manager instruments.
type Metrics struct {
	Imports             metric.Int64Counter
	Verifications       metric.Int64Counter
	VerificationLatency metric.Float64Histogram
	Bindings            metric.Int64Counter
	UsageRecords        metric.Int64Counter
	ChainAppends        metric.Int64Counter
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	Conflicts           metric.Int64Counter
	OperationDuration   metric.Float64Histogram
}

// InitializeMetrics creates every license instrument on meter.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Imports, "license_imports_total", "Tokens imported, by result"},
		{&m.Verifications, "license_verifications_total", "Token verifications, by result"},
		{&m.Bindings, "license_bindings_total", "Device binding attempts, by result"},
		{&m.UsageRecords, "license_usage_records_total", "Usage records appended, by result"},
		{&m.ChainAppends, "license_chain_appends_total", "States written to the chain log"},
		{&m.CacheHits, "license_cache_hits_total", "Verification cache hits"},
		{&m.CacheMisses, "license_cache_misses_total", "Verification cache misses"},
		{&m.Conflicts, "license_conflicts_total", "Token conflicts, by outcome"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.VerificationLatency, err = meter.Float64Histogram(
		"license_verification_duration_seconds",
		metric.WithDescription("Trust and state chain verification latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification latency histogram: %w", err)
	}

	m.OperationDuration, err = meter.Float64Histogram(
		"license_operation_duration_seconds",
		metric.WithDescription("License manager operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	return m, nil
}

func resultLabel(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("result", "success")
	}
	return attribute.String("result", "failure")
}

func (m *Manager) recordVerification(ctx context.Context, d time.Duration, valid bool) {
	if m.metrics == nil {
		return
	}
	m.metrics.Verifications.Add(ctx, 1, metric.WithAttributes(resultLabel(valid)))
	m.metrics.VerificationLatency.Record(ctx, d.Seconds())
}

func (m *Manager) recordCache(ctx context.Context, hit bool) {
	if m.metrics == nil {
		return
	}
	if hit {
		m.metrics.CacheHits.Add(ctx, 1)
	} else {
		m.metrics.CacheMisses.Add(ctx, 1)
	}
}

func (m *Manager) recordConflict(ctx context.Context, outcome string) {
	if m.metrics == nil {
		return
	}
	m.metrics.Conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Manager) recordCounter(ctx context.Context, c metric.Int64Counter, ok bool) {
	if m.metrics == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(resultLabel(ok)))
}

// traceOperation runs fn inside a span named license.<operation> and records
// its duration.
func (m *Manager) traceOperation(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license."+operation,
		trace.WithAttributes(
			attribute.String("license.operation", operation),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	start := m.now()
	err := fn(ctx)
	duration := m.now().Sub(start)

	if m.metrics != nil {
		m.metrics.OperationDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("operation", operation), resultLabel(err == nil)))
	}

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", classifyError(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// classifyError names the error type for span attributes.
func classifyError(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Type)
	}
	return "UNKNOWN"
}
