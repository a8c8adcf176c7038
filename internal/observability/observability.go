// Package observability wires structured logging and OpenTelemetry metrics
// for the batch engine, adapted from the teacher's
// internal/observability/observability.go: the crawl/worker/job metric
// names are replaced with batch/scheduler/execution names, and the OTLP
// trace-exporter machinery is dropped since this module's go.mod carries
// only the metrics side of the teacher's OTel stack (see DESIGN.md).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	MeterProvider  *sdkmetric.MeterProvider
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
}

var (
	initOnce sync.Once

	runningExecutionsGauge   metric.Int64Gauge
	schedulerConcurrencyGauge metric.Int64Gauge
	invokerErrorsCounter     metric.Int64Counter
	executionOutcomeCounter  metric.Int64Counter
	executionDurationHist    metric.Float64Histogram
	batchProgressGauge       metric.Float64Gauge
)

// SetupLogging configures the global zerolog logger, grounded on the
// teacher's cmd/app/main.go setupLogging: console writer in development,
// JSON in other environments.
func SetupLogging(env, logLevel string) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "batchengine").
		Logger()
}

// Init configures metrics exporters. When cfg.Enabled is false the
// function is a no-op that returns a nil Providers.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "batchengine"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	var initErr error
	initOnce.Do(func() {
		initErr = initInstruments(meterProvider)
	})
	if initErr != nil {
		return nil, initErr
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return meterProvider.Shutdown(ctx)
	}

	return &Providers{
		MeterProvider:  meterProvider,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
	}, nil
}

func initInstruments(meterProvider *sdkmetric.MeterProvider) error {
	meter := meterProvider.Meter("batchengine/scheduler")

	var err error
	runningExecutionsGauge, err = meter.Int64Gauge(
		"batchengine.executions.running",
		metric.WithDescription("Number of Executions currently RUNNING for a batch"),
	)
	if err != nil {
		return err
	}

	schedulerConcurrencyGauge, err = meter.Int64Gauge(
		"batchengine.scheduler.worker_concurrency",
		metric.WithDescription("Configured max_concurrency for a batch's Scheduler"),
	)
	if err != nil {
		return err
	}

	invokerErrorsCounter, err = meter.Int64Counter(
		"batchengine.invoker.errors_total",
		metric.WithDescription("Invoker errors observed by the Scheduler, by classification"),
	)
	if err != nil {
		return err
	}

	executionOutcomeCounter, err = meter.Int64Counter(
		"batchengine.executions.outcomes_total",
		metric.WithDescription("Terminal Execution outcomes, by state"),
	)
	if err != nil {
		return err
	}

	executionDurationHist, err = meter.Float64Histogram(
		"batchengine.executions.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Wall-clock time of one Execution attempt"),
	)
	if err != nil {
		return err
	}

	batchProgressGauge, err = meter.Float64Gauge(
		"batchengine.batches.progress_percentage",
		metric.WithDescription("Latest computed progress percentage for a batch"),
	)
	return err
}

// RecordRunningExecutions records the current in-flight Execution count
// for a batch.
func RecordRunningExecutions(ctx context.Context, batchID string, count int64) {
	if runningExecutionsGauge == nil {
		return
	}
	runningExecutionsGauge.Record(ctx, count, metric.WithAttributes(attribute.String("batch.id", batchID)))
}

// RecordSchedulerConcurrency records a Scheduler's configured
// max_concurrency, once at construction.
func RecordSchedulerConcurrency(ctx context.Context, batchID string, maxConcurrency int64) {
	if schedulerConcurrencyGauge == nil {
		return
	}
	schedulerConcurrencyGauge.Record(ctx, maxConcurrency, metric.WithAttributes(attribute.String("batch.id", batchID)))
}

// RecordInvokerError increments the invoker error counter for a
// classification (transient/permanent).
func RecordInvokerError(ctx context.Context, batchID, classification string) {
	if invokerErrorsCounter == nil {
		return
	}
	invokerErrorsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("classification", classification),
	))
}

// RecordExecutionOutcome records a terminal Execution state transition and
// its wall-clock duration.
func RecordExecutionOutcome(ctx context.Context, batchID, state string, duration time.Duration) {
	if executionOutcomeCounter != nil {
		executionOutcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.String("state", state),
		))
	}
	if executionDurationHist != nil {
		executionDurationHist.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.String("state", state),
		))
	}
}

// RecordBatchProgress records a batch's latest progress percentage.
func RecordBatchProgress(ctx context.Context, batchID string, percentage float64) {
	if batchProgressGauge == nil {
		return
	}
	batchProgressGauge.Record(ctx, percentage, metric.WithAttributes(attribute.String("batch.id", batchID)))
}
