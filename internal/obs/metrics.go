// Package obs wires OpenTelemetry metrics/tracing and a Prometheus scrape
// bridge around the lease manager and trace writer.
package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// LeaseMetrics records acquire/renew/release outcomes for one LeaseManager.
// All methods are nil-safe so callers can pass a nil *LeaseMetrics when
// metrics are disabled.
type LeaseMetrics struct {
	attempts metric.Int64Counter
	duration metric.Int64Histogram
	holding  metric.Int64ObservableGauge
	held     int64
}

// NewLeaseMetrics constructs the lease meter instruments. Instrument
// creation failures are logged and leave the corresponding field nil.
func NewLeaseMetrics(logger pslog.Logger) *LeaseMetrics {
	meter := otel.Meter("pkt.systems/hostlease/leasemgr")
	m := &LeaseMetrics{}

	var err error
	m.attempts, err = meter.Int64Counter(
		"hostlease.lease.attempts",
		metric.WithDescription("Lease acquire/renew/release attempts"),
	)
	logInitError(logger, "hostlease.lease.attempts", err)

	m.duration, err = meter.Int64Histogram(
		"hostlease.lease.duration_ms",
		metric.WithDescription("Lease provider round-trip duration"),
		metric.WithUnit("ms"),
	)
	logInitError(logger, "hostlease.lease.duration_ms", err)

	m.holding, err = meter.Int64ObservableGauge(
		"hostlease.lease.holding",
		metric.WithDescription("1 when this instance currently holds the lease, else 0"),
	)
	logInitError(logger, "hostlease.lease.holding", err)
	if m.holding != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.holding, m.held)
			return nil
		}, m.holding); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "hostlease.lease.holding", "error", err)
		}
	}
	return m
}

// RecordAttempt records one acquire/renew/release outcome.
func (m *LeaseMetrics) RecordAttempt(ctx context.Context, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("hostlease.lease.op", op),
		attribute.String("hostlease.lease.result", resultLabel(err)),
	}
	if m.attempts != nil {
		m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

// SetHolding updates the observable holding gauge.
func (m *LeaseMetrics) SetHolding(holding bool) {
	if m == nil {
		return
	}
	if holding {
		m.held = 1
	} else {
		m.held = 0
	}
}

// WriterMetrics records BufferedTraceWriter flush behavior.
type WriterMetrics struct {
	flushes   metric.Int64Counter
	batchSize metric.Int64Histogram
	dropped   metric.Int64Counter
}

// NewWriterMetrics constructs the trace-writer meter instruments.
func NewWriterMetrics(logger pslog.Logger) *WriterMetrics {
	meter := otel.Meter("pkt.systems/hostlease/tracewriter")
	m := &WriterMetrics{}

	var err error
	m.flushes, err = meter.Int64Counter(
		"hostlease.tracewriter.flushes",
		metric.WithDescription("Buffer flush attempts"),
	)
	logInitError(logger, "hostlease.tracewriter.flushes", err)

	m.batchSize, err = meter.Int64Histogram(
		"hostlease.tracewriter.batch_size",
		metric.WithDescription("Records per flushed batch"),
	)
	logInitError(logger, "hostlease.tracewriter.batch_size", err)

	m.dropped, err = meter.Int64Counter(
		"hostlease.tracewriter.dropped",
		metric.WithDescription("Events discarded by level/system-trace filtering"),
	)
	logInitError(logger, "hostlease.tracewriter.dropped", err)

	return m
}

// RecordFlush records the outcome and size of one flush.
func (m *WriterMetrics) RecordFlush(ctx context.Context, batchSize int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("hostlease.tracewriter.result", resultLabel(err)))
	if m.flushes != nil {
		m.flushes.Add(ctx, 1, attrs)
	}
	if m.batchSize != nil && batchSize > 0 {
		m.batchSize.Record(ctx, int64(batchSize))
	}
}

// RecordDropped increments the discarded-event counter.
func (m *WriterMetrics) RecordDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	if m.dropped != nil {
		m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("hostlease.tracewriter.drop_reason", reason)))
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func logInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
