// Package telemetry provides OpenTelemetry metrics for the cache tiers.
// Library code records through nil-safe package helpers, so hosts that never
// call InitMetrics pay nothing.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/tiercache/tiercache"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics handler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheRequestsTotal metric.Int64Counter
	evictionsTotal     metric.Int64Counter
	evictionBytesTotal metric.Int64Counter
	recallsTotal       metric.Int64Counter
	prefetchTotal      metric.Int64Counter
	ramBytes           metric.Int64Gauge
	ramEntries         metric.Int64Gauge

	storeOpsTotal   metric.Int64Counter
	storeOpDuration metric.Float64Histogram
	storeBytesTotal metric.Int64Counter

	cleanupDeletedTotal metric.Int64Counter
	cleanupDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tiercache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporters configured, still collect via a no-op reader so
	// instruments stay non-nil and cheap.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	cacheRequestsTotal, err := meter.Int64Counter(
		"tiercache_requests_total",
		metric.WithDescription("Total cache get requests by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"tiercache_evictions_total",
		metric.WithDescription("Total entries evicted from RAM to overflow storage"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	evictionBytesTotal, err := meter.Int64Counter(
		"tiercache_eviction_bytes_total",
		metric.WithDescription("Total estimated bytes evicted from RAM"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	recallsTotal, err := meter.Int64Counter(
		"tiercache_recalls_total",
		metric.WithDescription("Total entries recalled from overflow storage into RAM"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	prefetchTotal, err := meter.Int64Counter(
		"tiercache_prefetch_total",
		metric.WithDescription("Total entries warmed into RAM by prefetch"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	ramBytes, err := meter.Int64Gauge(
		"tiercache_ram_bytes",
		metric.WithDescription("Estimated bytes held in the RAM tier"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	ramEntries, err := meter.Int64Gauge(
		"tiercache_ram_entries",
		metric.WithDescription("Entries held in the RAM tier"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	storeOpsTotal, err := meter.Int64Counter(
		"tiercache_store_operations_total",
		metric.WithDescription("Total overflow storage operations by op and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	storeOpDuration, err := meter.Float64Histogram(
		"tiercache_store_operation_duration_seconds",
		metric.WithDescription("Duration of overflow storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	storeBytesTotal, err := meter.Int64Counter(
		"tiercache_store_bytes_total",
		metric.WithDescription("Total container bytes transferred to/from overflow storage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cleanupDeletedTotal, err := meter.Int64Counter(
		"tiercache_cleanup_deleted_total",
		metric.WithDescription("Total rows deleted by cleanup cycles"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cleanupDuration, err := meter.Float64Histogram(
		"tiercache_cleanup_duration_seconds",
		metric.WithDescription("Duration of cleanup cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		cacheRequestsTotal:  cacheRequestsTotal,
		evictionsTotal:      evictionsTotal,
		evictionBytesTotal:  evictionBytesTotal,
		recallsTotal:        recallsTotal,
		prefetchTotal:       prefetchTotal,
		ramBytes:            ramBytes,
		ramEntries:          ramEntries,
		storeOpsTotal:       storeOpsTotal,
		storeOpDuration:     storeOpDuration,
		storeBytesTotal:     storeBytesTotal,
		cleanupDeletedTotal: cleanupDeletedTotal,
		cleanupDuration:     cleanupDuration,
		meterProvider:       mp,
		promHandler:         promHandler,
	}
	return nil
}

// RecordCacheRequest records one Manager.Get by result ("ram_hit",
// "overflow_hit" or "miss").
func RecordCacheRequest(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordEviction records entries moved from RAM to overflow storage.
func RecordEviction(ctx context.Context, entries int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, int64(entries))
	globalMetrics.evictionBytesTotal.Add(ctx, bytes)
}

// RecordRecall records entries promoted back into RAM.
func RecordRecall(ctx context.Context, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.recallsTotal.Add(ctx, int64(entries))
}

// RecordPrefetch records entries warmed into RAM by Prefetch.
func RecordPrefetch(ctx context.Context, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.prefetchTotal.Add(ctx, int64(entries))
}

// UpdateRAMUsage updates the RAM tier gauges. Called synchronously after
// mutations that change the running totals.
func UpdateRAMUsage(ctx context.Context, bytes int64, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.ramBytes.Record(ctx, bytes)
	globalMetrics.ramEntries.Record(ctx, int64(entries))
}

// RecordStoreOp records one overflow storage operation.
// op is "store", "retrieve" etc.; outcome is "ok", "hit", "miss", "corrupt" or "error".
func RecordStoreOp(ctx context.Context, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.storeOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordCleanupCycle records one cleanup cycle's deleted counts and duration.
func RecordCleanupCycle(ctx context.Context, expired, evicted int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cleanupDeletedTotal.Add(ctx, expired,
		metric.WithAttributes(attribute.String("reason", "expired")))
	globalMetrics.cleanupDeletedTotal.Add(ctx, evicted,
		metric.WithAttributes(attribute.String("reason", "capacity")))
	globalMetrics.cleanupDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
