// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/voxgate-ai/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionFinalize tracks the end-of-utterance transcript flush
	// latency.
	TranscriptionFinalize metric.Float64Histogram

	// LLMDuration tracks response generation latency per turn.
	LLMDuration metric.Float64Histogram

	// TurnDuration tracks the full turn: finalize, generate, and speak.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsCreated counts sessions accepted by the supervisor.
	SessionsCreated metric.Int64Counter

	// SessionsEnded counts terminated sessions. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsEnded metric.Int64Counter

	// AudioChunksIn counts inbound client audio frames.
	AudioChunksIn metric.Int64Counter

	// Transcripts counts transcripts delivered to clients. Use with attribute:
	//   attribute.String("kind", "interim"|"final")
	Transcripts metric.Int64Counter

	// LLMRequests counts generation requests. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	LLMRequests metric.Int64Counter

	// LLMFallbacks counts canned fallback responses. Use with attribute:
	//   attribute.Int("tier", 1..3)
	LLMFallbacks metric.Int64Counter

	// TTSChunksOut counts synthesized audio frames sent to clients.
	TTSChunksOut metric.Int64Counter

	// ProviderReconnects counts mid-session stream re-establishments. Use
	// with attribute:
	//   attribute.String("provider", "stt"|"tts")
	ProviderReconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionFinalize, err = m.Float64Histogram("voxgate.stt.finalize.duration",
		metric.WithDescription("Latency of the end-of-utterance transcript flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxgate.llm.duration",
		metric.WithDescription("Latency of response generation per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxgate.turn.duration",
		metric.WithDescription("Full turn latency: finalize, generate, and speak."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsCreated, err = m.Int64Counter("voxgate.sessions.created",
		metric.WithDescription("Total sessions accepted by the supervisor."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("voxgate.sessions.ended",
		metric.WithDescription("Total terminated sessions by reason."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksIn, err = m.Int64Counter("voxgate.audio.chunks.in",
		metric.WithDescription("Total inbound client audio frames."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("voxgate.transcripts",
		metric.WithDescription("Total transcripts delivered to clients by kind."),
	); err != nil {
		return nil, err
	}
	if met.LLMRequests, err = m.Int64Counter("voxgate.llm.requests",
		metric.WithDescription("Total generation requests by status."),
	); err != nil {
		return nil, err
	}
	if met.LLMFallbacks, err = m.Int64Counter("voxgate.llm.fallbacks",
		metric.WithDescription("Total canned fallback responses by tier."),
	); err != nil {
		return nil, err
	}
	if met.TTSChunksOut, err = m.Int64Counter("voxgate.tts.chunks.out",
		metric.WithDescription("Total synthesized audio frames sent to clients."),
	); err != nil {
		return nil, err
	}
	if met.ProviderReconnects, err = m.Int64Counter("voxgate.provider.reconnects",
		metric.WithDescription("Total mid-session stream re-establishments by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionStart increments the session counters for a newly accepted
// session.
func (m *Metrics) RecordSessionStart(ctx context.Context) {
	m.SessionsCreated.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd decrements the active gauge and counts the termination
// reason.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscript counts one transcript delivery of the given kind.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordLLMRequest counts one generation request with its outcome.
func (m *Metrics) RecordLLMRequest(ctx context.Context, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordLLMFallback counts one canned fallback response at the given tier.
func (m *Metrics) RecordLLMFallback(ctx context.Context, tier int) {
	m.LLMFallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("tier", tier)),
	)
}

// RecordReconnect counts one mid-session stream re-establishment.
func (m *Metrics) RecordReconnect(ctx context.Context, provider string) {
	m.ProviderReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
