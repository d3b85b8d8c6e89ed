package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the service metrics. All recorders are safe to
// call on a disabled collector.
type MetricsCollector struct {
	meter metric.Meter

	// Task lifecycle metrics
	tasksCreated   metric.Int64Counter
	tasksClaimed   metric.Int64Counter
	tasksFinished  metric.Int64Counter
	claimLatency   metric.Float64Histogram
	executionTime  metric.Float64Histogram
	queueDepth     metric.Int64UpDownCounter
	workersActive  metric.Int64UpDownCounter
	sweeperExpired metric.Int64Counter

	// HTTP metrics
	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram

	provider *sdkmetric.MeterProvider
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool
}

// NewMetricsCollector creates a metrics collector backed by a Prometheus
// exporter. A disabled config yields a collector whose recorders are no-ops.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("taskexec")

	tasksCreated, err := meter.Int64Counter(
		"taskexec.tasks.created.total",
		metric.WithDescription("Total number of tasks submitted"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_created counter: %w", err)
	}

	tasksClaimed, err := meter.Int64Counter(
		"taskexec.tasks.claimed.total",
		metric.WithDescription("Total number of tasks claimed by workers"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_claimed counter: %w", err)
	}

	tasksFinished, err := meter.Int64Counter(
		"taskexec.tasks.finished.total",
		metric.WithDescription("Total number of tasks reaching a terminal status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_finished counter: %w", err)
	}

	claimLatency, err := meter.Float64Histogram(
		"taskexec.claim.wait",
		metric.WithDescription("Time from task creation to claim in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim_wait histogram: %w", err)
	}

	executionTime, err := meter.Float64Histogram(
		"taskexec.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_duration histogram: %w", err)
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"taskexec.queue.pending",
		metric.WithDescription("Number of pending tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_pending gauge: %w", err)
	}

	workersActive, err := meter.Int64UpDownCounter(
		"taskexec.workers.active",
		metric.WithDescription("Number of registered non-offline workers"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workers_active gauge: %w", err)
	}

	sweeperExpired, err := meter.Int64Counter(
		"taskexec.sweeper.expired.total",
		metric.WithDescription("Total number of tasks expired by the timeout sweeper"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper_expired counter: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"taskexec.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests counter: %w", err)
	}

	httpLatency, err := meter.Float64Histogram(
		"taskexec.http.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_duration histogram: %w", err)
	}

	return &MetricsCollector{
		meter:          meter,
		tasksCreated:   tasksCreated,
		tasksClaimed:   tasksClaimed,
		tasksFinished:  tasksFinished,
		claimLatency:   claimLatency,
		executionTime:  executionTime,
		queueDepth:     queueDepth,
		workersActive:  workersActive,
		sweeperExpired: sweeperExpired,
		httpRequests:   httpRequests,
		httpLatency:    httpLatency,
		provider:       provider,
	}, nil
}

// Handler returns the Prometheus scrape handler for mounting on the API
// router.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// Shutdown flushes and stops the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordTaskCreated records a task submission.
func (m *MetricsCollector) RecordTaskCreated(ctx context.Context, problemID, backendType string) {
	if m == nil || m.tasksCreated == nil {
		return
	}
	m.tasksCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("problem_id", problemID),
		attribute.String("backend_type", backendType),
	))
	m.queueDepth.Add(ctx, 1)
}

// RecordTaskClaimed records a successful claim and the time the task spent
// queued.
func (m *MetricsCollector) RecordTaskClaimed(ctx context.Context, backendType string, queuedFor time.Duration) {
	if m == nil || m.tasksClaimed == nil {
		return
	}
	m.tasksClaimed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend_type", backendType),
	))
	m.claimLatency.Record(ctx, queuedFor.Seconds())
	m.queueDepth.Add(ctx, -1)
}

// RecordTaskFinished records a task reaching a terminal status.
func (m *MetricsCollector) RecordTaskFinished(ctx context.Context, status string, duration time.Duration) {
	if m == nil || m.tasksFinished == nil {
		return
	}
	m.tasksFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	if duration > 0 {
		m.executionTime.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

// RecordSweeperExpired records tasks expired in one sweep.
func (m *MetricsCollector) RecordSweeperExpired(ctx context.Context, count int) {
	if m == nil || m.sweeperExpired == nil || count == 0 {
		return
	}
	m.sweeperExpired.Add(ctx, int64(count))
}

// WorkerRegistered bumps the active worker gauge.
func (m *MetricsCollector) WorkerRegistered(ctx context.Context) {
	if m == nil || m.workersActive == nil {
		return
	}
	m.workersActive.Add(ctx, 1)
}

// WorkerOffline drops the active worker gauge.
func (m *MetricsCollector) WorkerOffline(ctx context.Context) {
	if m == nil || m.workersActive == nil {
		return
	}
	m.workersActive.Add(ctx, -1)
}

// RecordHTTPRequest records one API request.
func (m *MetricsCollector) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
