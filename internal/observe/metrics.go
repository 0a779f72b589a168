// Package observe provides application-wide observability primitives for
// the voice relay: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/voxrelay/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the latency from utterance commit to the first
	// reply fragment arriving from the AI service.
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// UtterancesForwarded counts utterances committed to the AI service.
	// Use with attribute: attribute.String("session", ...)
	UtterancesForwarded metric.Int64Counter

	// UtterancesGated counts finalized utterances discarded by the duration
	// or energy gate. Use with attributes:
	//   attribute.String("session", ...), attribute.String("reason", ...)
	UtterancesGated metric.Int64Counter

	// PlaybackFragments counts reply fragments handed to the scheduler.
	PlaybackFragments metric.Int64Counter

	// PlaybackCancellations counts reply generations cancelled before they
	// finished playing out.
	PlaybackCancellations metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// PlaybackFailures counts frames that could not be written to the voice
	// transport.
	PlaybackFailures metric.Int64Counter

	// ServiceErrors counts errors reported by the AI service session.
	// Use with attribute: attribute.String("session", ...)
	ServiceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of speakers with an open capture
	// buffer across all sessions.
	ActiveSpeakers metric.Int64UpDownCounter

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
	if met.TurnDuration, err = m.Float64Histogram("voxrelay.turn.duration",
		metric.WithDescription("Latency from utterance commit to first reply fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voxrelay.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UtterancesForwarded, err = m.Int64Counter("voxrelay.utterances.forwarded",
		metric.WithDescription("Total utterances committed to the AI service by session."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesGated, err = m.Int64Counter("voxrelay.utterances.gated",
		metric.WithDescription("Total utterances discarded by the duration or energy gate."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFragments, err = m.Int64Counter("voxrelay.playback.fragments",
		metric.WithDescription("Total reply fragments enqueued for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackCancellations, err = m.Int64Counter("voxrelay.playback.cancellations",
		metric.WithDescription("Total reply generations cancelled mid-playback."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxrelay.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PlaybackFailures, err = m.Int64Counter("voxrelay.playback.failures",
		metric.WithDescription("Total frames that could not be written to the voice transport."),
	); err != nil {
		return nil, err
	}
	if met.ServiceErrors, err = m.Int64Counter("voxrelay.service.errors",
		metric.WithDescription("Total errors reported by the AI service session."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("voxrelay.active_speakers",
		metric.WithDescription("Number of speakers with an open capture buffer."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
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

// RecordUtteranceForwarded records an utterance committed to the AI service.
func (m *Metrics) RecordUtteranceForwarded(ctx context.Context, session string) {
	m.UtterancesForwarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session", session)),
	)
}

// RecordUtteranceGated records an utterance discarded before forwarding.
// Reason is "duration" or "energy".
func (m *Metrics) RecordUtteranceGated(ctx context.Context, session, reason string) {
	m.UtterancesGated.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session", session),
			attribute.String("reason", reason),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordServiceError records an error reported by the AI service session.
func (m *Metrics) RecordServiceError(ctx context.Context, session string) {
	m.ServiceErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session", session)),
	)
}
