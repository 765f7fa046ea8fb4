// Package observe provides application-wide observability primitives for
// narrator: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All Record* helpers are safe to call on a nil *Metrics, so packages can
// take an optional metrics dependency without guarding every call site.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all narrator metrics.
const meterName = "github.com/MrWong99/narrator"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Synthesis backends ---

	// BackendDuration tracks backend call latency. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("op", ...)
	BackendDuration metric.Float64Histogram

	// BackendRequests counts backend calls. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("op", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// --- Audio artifact cache ---

	// AudioCacheLookups counts cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	AudioCacheLookups metric.Int64Counter

	// AudioCacheEvictions counts entries removed to satisfy the byte budget.
	AudioCacheEvictions metric.Int64Counter

	// AudioCacheBytes tracks the bytes currently held by the cache.
	AudioCacheBytes metric.Int64UpDownCounter

	// --- Voice catalog cache ---

	// VoiceCatalogFetches counts voice catalog lookups. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("result", "fresh"|"fetched"|"stale"|"error")
	VoiceCatalogFetches metric.Int64Counter

	// --- Batches ---

	// BatchItems counts items processed by batch runs. Use with attribute:
	//   attribute.String("status", "generated"|"cached"|"failed")
	BatchItems metric.Int64Counter

	// ActiveBatches tracks the number of batch runs currently processing.
	ActiveBatches metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for remote
// synthesis calls, which range from sub-second cache-warm calls to long-form
// generation.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BackendDuration, err = m.Float64Histogram("narrator.backend.duration",
		metric.WithDescription("Latency of synthesis backend calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendRequests, err = m.Int64Counter("narrator.backend.requests",
		metric.WithDescription("Total synthesis backend calls by backend, operation, and status."),
	); err != nil {
		return nil, err
	}

	if met.AudioCacheLookups, err = m.Int64Counter("narrator.audio_cache.lookups",
		metric.WithDescription("Audio artifact cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.AudioCacheEvictions, err = m.Int64Counter("narrator.audio_cache.evictions",
		metric.WithDescription("Audio artifacts evicted to stay within the byte budget."),
	); err != nil {
		return nil, err
	}
	if met.AudioCacheBytes, err = m.Int64UpDownCounter("narrator.audio_cache.bytes",
		metric.WithDescription("Bytes currently held by the audio artifact cache."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if met.VoiceCatalogFetches, err = m.Int64Counter("narrator.voice_catalog.lookups",
		metric.WithDescription("Voice catalog lookups by backend and result."),
	); err != nil {
		return nil, err
	}

	if met.BatchItems, err = m.Int64Counter("narrator.batch.items",
		metric.WithDescription("Batch items processed by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveBatches, err = m.Int64UpDownCounter("narrator.batch.active",
		metric.WithDescription("Number of batch runs currently processing."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("narrator.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordBackendCall records one backend call with its latency in seconds.
func (m *Metrics) RecordBackendCall(ctx context.Context, backend, op, status string, seconds float64) {
	if m == nil {
		return
	}
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.BackendDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("op", op),
		),
	)
}

// RecordCacheLookup records an audio cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.AudioCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheEviction records n evicted entries.
func (m *Metrics) RecordCacheEviction(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AudioCacheEvictions.Add(ctx, int64(n))
}

// RecordCacheBytes records a change in the bytes held by the audio cache.
func (m *Metrics) RecordCacheBytes(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.AudioCacheBytes.Add(ctx, delta)
}

// RecordVoiceCatalog records a voice catalog lookup result.
func (m *Metrics) RecordVoiceCatalog(ctx context.Context, backend, result string) {
	if m == nil {
		return
	}
	m.VoiceCatalogFetches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("result", result),
		),
	)
}

// RecordBatchItem records one processed batch item.
func (m *Metrics) RecordBatchItem(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.BatchItems.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// AddActiveBatches adjusts the active batch gauge by delta.
func (m *Metrics) AddActiveBatches(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveBatches.Add(ctx, delta)
}
