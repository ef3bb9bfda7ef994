package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service's instruments:
// - HTTP latency, traffic and errors
// - job starts, outcomes, durations and live workers
// - credit movements by ledger entry kind
// - callback delivery
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter
	StartsRateLimited   metric.Int64Counter

	JobDuration     metric.Float64Histogram
	JobsStarted     metric.Int64Counter
	JobsFinished    metric.Int64Counter
	JobsDegraded    metric.Int64Counter
	JobsActive      metric.Int64UpDownCounter
	RefundsFailed   metric.Int64Counter
	CreditsMoved    metric.Int64Counter
	ArchiveUploads  metric.Int64Counter
	ArchiveFailures metric.Int64Counter

	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("automation")
	m := &Metrics{meter: meter}

	b := builder{meter: meter}
	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")
	m.StartsRateLimited = b.counter("automation_starts_rate_limited_total", "Start requests rejected by the per-user rate limit")

	m.JobDuration = b.histogram("job_duration_seconds", "Worker run time from launch to terminal state in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 900, 1800)
	m.JobsStarted = b.counter("jobs_started_total", "Jobs whose worker was launched")
	m.JobsFinished = b.counter("jobs_finished_total", "Jobs that reached a terminal state")
	m.JobsDegraded = b.counter("jobs_degraded_total", "Successful jobs that produced no artifact matching their patterns")
	m.JobsActive = b.upDownCounter("jobs_active", "Jobs currently running (saturation)")
	m.RefundsFailed = b.counter("credit_refunds_failed_total", "Refunds that could not be applied after retries")
	m.CreditsMoved = b.counter("credits_total", "Credits moved through the ledger by entry kind")
	m.ArchiveUploads = b.counter("archive_uploads_total", "Artifacts copied to the archive bucket")
	m.ArchiveFailures = b.counter("archive_failures_total", "Artifacts that failed to archive")

	m.DispatcherDuration = b.histogram("dispatcher_duration_seconds", "Callback delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = b.counter("dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = b.counter("dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = b.counter("dispatcher_dropped_total", "Total events dropped because the queue was full")
	if b.err == nil {
		m.DispatcherQueueSize, b.err = meter.Int64Gauge(
			"dispatcher_queue_size",
			metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
		)
	}
	if b.err != nil {
		return nil, nil, b.err
	}

	return m, promhttp.Handler(), nil
}

// builder keeps the first instrument registration error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.err = err
	return c
}

func (b *builder) upDownCounter(name, desc string) metric.Int64UpDownCounter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.err = err
	return c
}

func (b *builder) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.err = err
	return h
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordStartRateLimited records a start request rejected by the rate limiter.
func (m *Metrics) RecordStartRateLimited(ctx context.Context) {
	m.StartsRateLimited.Add(ctx, 1)
}

// RecordJobStarted records a launched worker.
func (m *Metrics) RecordJobStarted(ctx context.Context, serviceID string) {
	attrs := metric.WithAttributes(serviceAttr(serviceID))
	m.JobsStarted.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobFinished records a job reaching a terminal status. launched is
// false for jobs whose worker never started, which were not counted active.
func (m *Metrics) RecordJobFinished(ctx context.Context, serviceID, status string, launched bool, durationSeconds float64) {
	attrs := metric.WithAttributes(serviceAttr(serviceID), jobStatusAttr(status))
	m.JobsFinished.Add(ctx, 1, attrs)
	if launched {
		m.JobDuration.Record(ctx, durationSeconds, attrs)
		m.JobsActive.Add(ctx, -1, metric.WithAttributes(serviceAttr(serviceID)))
	}
}

// RecordJobDegraded records a success that fell back to a placeholder artifact.
func (m *Metrics) RecordJobDegraded(ctx context.Context, serviceID string) {
	m.JobsDegraded.Add(ctx, 1, metric.WithAttributes(serviceAttr(serviceID)))
}

// RecordRefundFailed records a refund that was given up on.
func (m *Metrics) RecordRefundFailed(ctx context.Context) {
	m.RefundsFailed.Add(ctx, 1)
}

// RecordCredits records credits moved by a ledger entry.
func (m *Metrics) RecordCredits(ctx context.Context, kind string, amount int64) {
	if amount <= 0 {
		return
	}
	m.CreditsMoved.Add(ctx, amount, metric.WithAttributes(kindAttr(kind)))
}

// RecordArchive records the outcome of archiving one artifact.
func (m *Metrics) RecordArchive(ctx context.Context, success bool) {
	if success {
		m.ArchiveUploads.Add(ctx, 1)
		return
	}
	m.ArchiveFailures.Add(ctx, 1)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
