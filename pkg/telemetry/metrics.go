package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	batchRequestCounter   metric.Int64Counter
	batchFailureCounter   metric.Int64Counter
	batchSkippedCounter   metric.Int64Counter
	sourceFailureCounter  metric.Int64Counter
	batchLatencyHistogram metric.Float64Histogram
)

// BatchMetrics captures the fields needed to record batch processing telemetry metrics.
type BatchMetrics struct {
	DirectoryID string
	Standard    string
	Federated   bool
	Skipped     bool
	Status      string
	Failures    int
	Entries     int
	Duration    time.Duration
}

// RecordBatchMetrics emits counters and histograms that describe one processed batch.
func RecordBatchMetrics(ctx context.Context, metrics BatchMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("directory.id", metrics.DirectoryID),
		attribute.String("directory.standard", metrics.Standard),
		attribute.Bool("batch.federated", metrics.Federated),
		attribute.String("batch.status", metrics.Status),
	}

	batchRequestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		batchLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Failures > 0 {
		batchFailureCounter.Add(ctx, int64(metrics.Failures), metric.WithAttributes(attrs...))
	}

	if metrics.Skipped {
		batchSkippedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordSourceFailure counts a failed data source dispatch.
func RecordSourceFailure(ctx context.Context, directoryID, source string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	sourceFailureCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("directory.id", directoryID),
		attribute.String("datasource.name", source),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("pdti.directory")

		batchRequestCounter, metricsInitErr = meter.Int64Counter(
			"pdti.batch.requests_total",
			metric.WithDescription("Batch requests processed partitioned by audit status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		batchFailureCounter, metricsInitErr = meter.Int64Counter(
			"pdti.batch.failures_total",
			metric.WithDescription("Failures captured as error entries during batch processing"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		batchSkippedCounter, metricsInitErr = meter.Int64Counter(
			"pdti.batch.skipped_total",
			metric.WithDescription("Batches whose dispatch was skipped by an interceptor"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sourceFailureCounter, metricsInitErr = meter.Int64Counter(
			"pdti.datasource.failures_total",
			metric.WithDescription("Local data source dispatch failures"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		batchLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"pdti.batch.duration_ms",
			metric.WithDescription("Observed batch processing latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordAuditEvent attaches the audit outcome of a request to the provided span.
func RecordAuditEvent(span trace.Span, status string, failures int, saveErr error) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("audit.status", status),
		attribute.Int("audit.failures.count", failures),
		attribute.Bool("audit.saved", saveErr == nil),
	}

	span.AddEvent("audit.recorded", trace.WithAttributes(attrs...))
}
