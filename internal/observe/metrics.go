// Package observe provides application-wide observability primitives for
// Shelfwise: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Shelfwise metrics.
const meterName = "github.com/MrWong99/shelfwise"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// EncodeDuration tracks embedding encode latency.
	EncodeDuration metric.Float64Histogram

	// RetrieveDuration tracks vector-store nearest-neighbor search latency.
	RetrieveDuration metric.Float64Histogram

	// RerankDuration tracks cross-encoder scoring latency.
	RerankDuration metric.Float64Histogram

	// GenerateDuration tracks generative model latency (one-shot and full
	// stream duration).
	GenerateDuration metric.Float64Histogram

	// --- Counters ---

	// CacheEvents counts cache lookups. Use with attributes:
	//   attribute.String("cache", "ephemeral"|"durable"), attribute.String("op", ...), attribute.String("result", "hit"|"miss")
	CacheEvents metric.Int64Counter

	// Recommendations counts served recommendation results. Use with attributes:
	//   attribute.String("mode", "profile"|"title"|"query"|"stream"|"search")
	Recommendations metric.Int64Counter

	// ItemsEmbedded counts catalog items whose embedding was recomputed by
	// the maintenance pipeline. Use with attribute:
	//   attribute.String("status", "ok"|"failed")
	ItemsEmbedded metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts model backend errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("stage", "encode"|"rerank"|"generate")
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model-bound pipeline stages, whose tail is dominated by LLM generation.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		field *metric.Float64Histogram
		name  string
		desc  string
	}{
		{&met.EncodeDuration, "shelfwise.encode.duration", "Latency of embedding encode calls."},
		{&met.RetrieveDuration, "shelfwise.retrieve.duration", "Latency of vector nearest-neighbor search."},
		{&met.RerankDuration, "shelfwise.rerank.duration", "Latency of cross-encoder scoring."},
		{&met.GenerateDuration, "shelfwise.generate.duration", "Latency of generative model calls."},
	}
	for _, h := range histograms {
		if *h.field, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	if met.CacheEvents, err = m.Int64Counter("shelfwise.cache.events",
		metric.WithDescription("Cache lookups by cache kind, operation, and result."),
	); err != nil {
		return nil, err
	}
	if met.Recommendations, err = m.Int64Counter("shelfwise.recommendations",
		metric.WithDescription("Recommendation results served by mode."),
	); err != nil {
		return nil, err
	}
	if met.ItemsEmbedded, err = m.Int64Counter("shelfwise.items.embedded",
		metric.WithDescription("Catalog items processed by the embedding pipeline by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("shelfwise.provider.errors",
		metric.WithDescription("Model backend errors by provider and pipeline stage."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("shelfwise.http.request.duration",
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

// RecordStage records a pipeline-stage duration on hist with the given
// attributes. A nil hist is a no-op so callers can run without metrics in
// tests.
func RecordStage(ctx context.Context, hist metric.Float64Histogram, seconds float64, attrs ...attribute.KeyValue) {
	if hist == nil {
		return
	}
	hist.Record(ctx, seconds, metric.WithAttributes(attrs...))
}
