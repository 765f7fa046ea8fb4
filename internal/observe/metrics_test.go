package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWith returns the value of the data point carrying key=value.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordBackendCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBackendCall(ctx, "elevenlabs", "generate", "ok", 0.4)
	m.RecordBackendCall(ctx, "elevenlabs", "generate", "ok", 1.2)
	m.RecordBackendCall(ctx, "elevenlabs", "generate", "error", 0.1)

	rm := collect(t, reader)
	if got := sumWith(t, rm, "narrator.backend.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}

	met := findMetric(rm, "narrator.backend.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 3 {
		t.Errorf("unexpected histogram data points %+v", hist.DataPoints)
	}
}

func TestAudioCacheInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, false)
	m.RecordCacheLookup(ctx, false)
	m.RecordCacheEviction(ctx, 3)
	m.RecordCacheEviction(ctx, 0)
	m.RecordCacheBytes(ctx, 1000)
	m.RecordCacheBytes(ctx, -400)

	rm := collect(t, reader)
	if got := sumWith(t, rm, "narrator.audio_cache.lookups", "result", "miss"); got != 2 {
		t.Errorf("misses = %d, want 2", got)
	}

	tests := []struct {
		name string
		want int64
	}{
		{"narrator.audio_cache.evictions", 3},
		{"narrator.audio_cache.bytes", 600},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no sum data", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestBatchInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AddActiveBatches(ctx, 1)
	m.AddActiveBatches(ctx, 1)
	m.AddActiveBatches(ctx, -1)
	m.RecordBatchItem(ctx, "generated")
	m.RecordBatchItem(ctx, "cached")
	m.RecordBatchItem(ctx, "cached")
	m.RecordVoiceCatalog(ctx, "openai", "fetched")

	rm := collect(t, reader)
	if got := sumWith(t, rm, "narrator.batch.items", "status", "cached"); got != 2 {
		t.Errorf("cached items = %d, want 2", got)
	}
	if got := sumWith(t, rm, "narrator.voice_catalog.lookups", "backend", "openai"); got != 1 {
		t.Errorf("voice catalog lookups = %d, want 1", got)
	}
	met := findMetric(rm, "narrator.batch.active")
	if met == nil {
		t.Fatal("active batches metric not found")
	}
	if sum := met.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 1 {
		t.Errorf("active batches = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordBackendCall(ctx, "x", "generate", "ok", 1)
	m.RecordCacheLookup(ctx, true)
	m.RecordCacheEviction(ctx, 1)
	m.RecordCacheBytes(ctx, 1)
	m.RecordVoiceCatalog(ctx, "x", "fresh")
	m.RecordBatchItem(ctx, "generated")
	m.AddActiveBatches(ctx, 1)
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
