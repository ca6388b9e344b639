// Package observe provides application-wide observability primitives for
// Voxkeeper: OpenTelemetry metrics, structured logging helpers, and the HTTP
// middleware for the operational endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all Voxkeeper metrics.
const meterName = "github.com/voxkeeper/voxkeeper"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// ScheduleDelay tracks how long an inbound chunk waits between arrival
	// and its scheduled playback start. This is the jitter the playback
	// cursor absorbs.
	ScheduleDelay metric.Float64Histogram

	// HTTPRequestDuration tracks operational endpoint latency. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FramesForwarded counts microphone frames sent upstream.
	FramesForwarded metric.Int64Counter

	// FramesDropped counts microphone frames discarded before the wire. Use
	// with attribute: attribute.String("reason", "muted"|"overflow")
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts inbound audio chunks handed to the playback
	// scheduler.
	ChunksScheduled metric.Int64Counter

	// ChunksDropped counts inbound chunks discarded as undecodable.
	ChunksDropped metric.Int64Counter

	// Interruptions counts server-signalled barge-ins that flushed playback.
	Interruptions metric.Int64Counter

	// StatusTransitions counts state machine transitions. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	StatusTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// delayBuckets defines histogram bucket boundaries (in seconds) sized for
// network-jitter scale waits.
var delayBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ScheduleDelay, err = m.Float64Histogram("voxkeeper.playback.schedule_delay",
		metric.WithDescription("Wait between chunk arrival and scheduled playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(delayBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxkeeper.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesForwarded, err = m.Int64Counter("voxkeeper.capture.frames_forwarded",
		metric.WithDescription("Microphone frames sent upstream."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxkeeper.capture.frames_dropped",
		metric.WithDescription("Microphone frames discarded before the wire, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("voxkeeper.playback.chunks_scheduled",
		metric.WithDescription("Inbound audio chunks handed to the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("voxkeeper.playback.chunks_dropped",
		metric.WithDescription("Inbound audio chunks discarded as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxkeeper.session.interruptions",
		metric.WithDescription("Server-signalled barge-ins that flushed playback."),
	); err != nil {
		return nil, err
	}
	if met.StatusTransitions, err = m.Int64Counter("voxkeeper.session.status_transitions",
		metric.WithDescription("State machine transitions by source and destination status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxkeeper.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordFrameDropped records one discarded microphone frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordStatusTransition records one state machine transition.
func (m *Metrics) RecordStatusTransition(ctx context.Context, from, to string) {
	m.StatusTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
