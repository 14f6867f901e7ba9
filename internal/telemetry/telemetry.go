package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *prometheus.Registry

	// Sync engine
	cyclesTotal   metric.Int64Counter
	cycleDuration metric.Float64Histogram
	copiesTotal   metric.Int64Counter
	copiedBytes   metric.Int64Counter
	copyDuration  metric.Float64Histogram
	reapsTotal    metric.Int64Counter
	records       metric.Int64Gauge

	// Collaborators
	clientOperationsTotal metric.Int64Counter
	clientErrors          metric.Int64Counter
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, additionally pushes metrics over OTLP/gRPC.
	OTLPEndpoint string
	OTLPInterval time.Duration
}

// New creates a new telemetry instance. A disabled config yields a Telemetry
// whose methods are no-ops.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		interval := cfg.OTLPInterval
		if interval <= 0 {
			interval = time.Minute
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(interval))))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		registry:       registry,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordCycle records the outcome of one sync cycle.
func (t *Telemetry) RecordCycle(ctx context.Context, status string, duration time.Duration) {
	if t == nil || t.cyclesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))
	t.cyclesTotal.Add(ctx, 1, attrs)
	t.cycleDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCopy records the outcome of syncing one download.
func (t *Telemetry) RecordCopy(ctx context.Context, status string, transferred int64, duration time.Duration) {
	if t == nil || t.copiesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))
	t.copiesTotal.Add(ctx, 1, attrs)
	t.copyDuration.Record(ctx, duration.Seconds(), attrs)

	if transferred > 0 {
		t.copiedBytes.Add(ctx, transferred)
	}
}

// RecordReap records a retention decision that was acted upon.
func (t *Telemetry) RecordReap(ctx context.Context, status string) {
	if t == nil || t.reapsTotal == nil {
		return
	}

	t.reapsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRecords records how many sync records exist per status.
func (t *Telemetry) RecordRecords(ctx context.Context, byStatus map[string]int64) {
	if t == nil || t.records == nil {
		return
	}

	for status, n := range byStatus {
		t.records.Record(ctx, n, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordClientOperation records torrent client operation metrics.
func (t *Telemetry) RecordClientOperation(ctx context.Context, client, operation, status string) {
	if t == nil || t.clientOperationsTotal == nil {
		return
	}

	t.clientOperationsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == statusError {
		t.clientErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("client", client),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordDBOperation records state store operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(t.meterProvider.Shutdown(ctx), t.tracerProvider.Shutdown(ctx))
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.cyclesTotal, err = t.meter.Int64Counter("sync_cycles_total",
		metric.WithDescription("Total number of sync cycles"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create sync_cycles_total counter: %w", err)
	}

	if t.cycleDuration, err = t.meter.Float64Histogram("sync_cycle_duration_seconds",
		metric.WithDescription("Sync cycle duration in seconds"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create sync_cycle_duration histogram: %w", err)
	}

	if t.copiesTotal, err = t.meter.Int64Counter("copies_total",
		metric.WithDescription("Total number of download copy attempts"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create copies_total counter: %w", err)
	}

	if t.copiedBytes, err = t.meter.Int64Counter("copied_bytes_total",
		metric.WithDescription("Bytes written to the destination share"), metric.WithUnit("By")); err != nil {
		return fmt.Errorf("failed to create copied_bytes_total counter: %w", err)
	}

	if t.copyDuration, err = t.meter.Float64Histogram("copy_duration_seconds",
		metric.WithDescription("Download copy duration in seconds"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create copy_duration histogram: %w", err)
	}

	if t.reapsTotal, err = t.meter.Int64Counter("reaps_total",
		metric.WithDescription("Total number of retention deletions"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create reaps_total counter: %w", err)
	}

	if t.records, err = t.meter.Int64Gauge("sync_records",
		metric.WithDescription("Number of sync records per status"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create sync_records gauge: %w", err)
	}

	if t.clientOperationsTotal, err = t.meter.Int64Counter("client_operations_total",
		metric.WithDescription("Total number of torrent client operations"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create client_operations_total counter: %w", err)
	}

	if t.clientErrors, err = t.meter.Int64Counter("client_errors_total",
		metric.WithDescription("Total number of torrent client errors"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create client_errors counter: %w", err)
	}

	if t.dbOperationsTotal, err = t.meter.Int64Counter("db_operations_total",
		metric.WithDescription("Total number of database operations"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	if t.dbOperationDuration, err = t.meter.Float64Histogram("db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
