package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for
// testing. Returns the reader (to collect metrics); cleanup is registered.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	cacheRequestsTotal, err := meter.Int64Counter("tiercache_requests_total")
	require.NoError(t, err)

	evictionsTotal, err := meter.Int64Counter("tiercache_evictions_total")
	require.NoError(t, err)

	evictionBytesTotal, err := meter.Int64Counter("tiercache_eviction_bytes_total")
	require.NoError(t, err)

	recallsTotal, err := meter.Int64Counter("tiercache_recalls_total")
	require.NoError(t, err)

	prefetchTotal, err := meter.Int64Counter("tiercache_prefetch_total")
	require.NoError(t, err)

	ramBytes, err := meter.Int64Gauge("tiercache_ram_bytes")
	require.NoError(t, err)

	ramEntries, err := meter.Int64Gauge("tiercache_ram_entries")
	require.NoError(t, err)

	storeOpsTotal, err := meter.Int64Counter("tiercache_store_operations_total")
	require.NoError(t, err)

	storeOpDuration, err := meter.Float64Histogram("tiercache_store_operation_duration_seconds")
	require.NoError(t, err)

	storeBytesTotal, err := meter.Int64Counter("tiercache_store_bytes_total")
	require.NoError(t, err)

	cleanupDeletedTotal, err := meter.Int64Counter("tiercache_cleanup_deleted_total")
	require.NoError(t, err)

	cleanupDuration, err := meter.Float64Histogram("tiercache_cleanup_duration_seconds")
	require.NoError(t, err)

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
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordCacheRequest(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheRequest(context.Background(), "ram_hit")
	RecordCacheRequest(context.Background(), "ram_hit")
	RecordCacheRequest(context.Background(), "miss")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "tiercache_requests_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "result", "ram_hit"):
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "result", "miss"):
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected data point attributes: %v", dp.Attributes)
		}
	}
}

func TestRecordStoreOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordStoreOp(context.Background(), "retrieve", "hit", 5*time.Millisecond, 2048)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "tiercache_store_operations_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "op", "retrieve"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "hit"))

	histDps := findHistogram(rm, "tiercache_store_operation_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	bytesDps := findCounter(rm, "tiercache_store_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 2048, bytesDps[0].Value)
}

func TestRecordStoreOpZeroBytesSkipsByteCounter(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordStoreOp(context.Background(), "retrieve", "miss", 1*time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	require.Len(t, findCounter(rm, "tiercache_store_operations_total"), 1)
	require.Empty(t, findCounter(rm, "tiercache_store_bytes_total"))
}

func TestRecordEvictionAndRecall(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordEviction(context.Background(), 3, 4096)
	RecordRecall(context.Background(), 2)
	RecordPrefetch(context.Background(), 5)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "tiercache_evictions_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 3, dps[0].Value)

	bytesDps := findCounter(rm, "tiercache_eviction_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 4096, bytesDps[0].Value)

	recallDps := findCounter(rm, "tiercache_recalls_total")
	require.Len(t, recallDps, 1)
	require.EqualValues(t, 2, recallDps[0].Value)

	prefetchDps := findCounter(rm, "tiercache_prefetch_total")
	require.Len(t, prefetchDps, 1)
	require.EqualValues(t, 5, prefetchDps[0].Value)
}

func TestUpdateRAMUsage(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateRAMUsage(context.Background(), 1<<20, 42)
	UpdateRAMUsage(context.Background(), 2<<20, 41)

	rm := collectMetrics(t, reader)

	// Gauges report the latest recorded value.
	bytesDps := findGauge(rm, "tiercache_ram_bytes")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 2<<20, bytesDps[0].Value)

	entryDps := findGauge(rm, "tiercache_ram_entries")
	require.Len(t, entryDps, 1)
	require.EqualValues(t, 41, entryDps[0].Value)
}

func TestRecordCleanupCycle(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCleanupCycle(context.Background(), 7, 3, 20*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "tiercache_cleanup_deleted_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "reason", "expired"):
			require.EqualValues(t, 7, dp.Value)
		case hasAttr(dp.Attributes, "reason", "capacity"):
			require.EqualValues(t, 3, dp.Value)
		default:
			t.Fatalf("unexpected data point attributes: %v", dp.Attributes)
		}
	}

	histDps := findHistogram(rm, "tiercache_cleanup_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestNilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	// Should not panic before InitMetrics is called.
	RecordCacheRequest(context.Background(), "miss")
	RecordEviction(context.Background(), 1, 100)
	RecordRecall(context.Background(), 1)
	RecordPrefetch(context.Background(), 1)
	UpdateRAMUsage(context.Background(), 100, 1)
	RecordStoreOp(context.Background(), "store", "ok", time.Millisecond, 100)
	RecordCleanupCycle(context.Background(), 0, 0, time.Millisecond)
}

func TestPrometheusHandlerNotFoundBeforeInit(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
