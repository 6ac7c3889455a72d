// Package observe provides application-wide observability primitives for the
// coordinator: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// registers a Prometheus exporter bridge with the Prometheus default
// registry; no /metrics HTTP endpoint is served. A package-level default
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

// meterName is the instrumentation scope name used for all coordinator metrics.
const meterName = "github.com/dmrduck/coordinator"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// GainRecomputeDuration tracks how long a single Ducking Engine
	// recomputation pass takes (spec.md §5's "bounded time, no I/O" budget).
	GainRecomputeDuration metric.Float64Histogram

	// SessionConnectDuration tracks the time from a session connect attempt
	// to success or final failure, including retries.
	SessionConnectDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// GainRampsScheduled counts GainController ramp schedules. Use with
	// attribute: attribute.String("talkgroup_id", ...).
	GainRampsScheduled metric.Int64Counter

	// SpeakerEvents counts speaker-start/stop events delivered to the
	// Ducking Engine. Use with attributes:
	//   attribute.String("talkgroup_id", ...), attribute.String("edge", "start"|"stop")
	SpeakerEvents metric.Int64Counter

	// EmergencyOverrides counts emergency_override invocations. Use with
	// attribute: attribute.String("talkgroup_id", ...).
	EmergencyOverrides metric.Int64Counter

	// SessionConnectAttempts counts session connect attempts, including
	// retries. Use with attributes:
	//   attribute.String("talkgroup_id", ...), attribute.String("status", "ok"|"error")
	SessionConnectAttempts metric.Int64Counter

	// ReconnectAttempts counts automatic reconnection attempts. Use with
	// attribute: attribute.String("talkgroup_id", ...).
	ReconnectAttempts metric.Int64Counter

	// IgnoredUnknownOperations counts operations targeting an unknown
	// talkgroup (IgnoredUnknown, spec.md §7).
	IgnoredUnknownOperations metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live talkgroup sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of talkgroups with a currently
	// active speaker.
	ActiveSpeakers metric.Int64UpDownCounter

	// HoldTimersActive tracks the number of armed (not yet fired or
	// cancelled) hold timers.
	HoldTimersActive metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for the sub-200ms ramp/recompute latencies this system is built around.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GainRecomputeDuration, err = m.Float64Histogram("dmrduck.ducking.recompute.duration",
		metric.WithDescription("Latency of a single Ducking Engine gain recomputation pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionConnectDuration, err = m.Float64Histogram("dmrduck.session.connect.duration",
		metric.WithDescription("Time from a session connect attempt to success or final failure."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("dmrduck.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.GainRampsScheduled, err = m.Int64Counter("dmrduck.ducking.ramps_scheduled",
		metric.WithDescription("Total GainController ramp schedules by talkgroup."),
	); err != nil {
		return nil, err
	}
	if met.SpeakerEvents, err = m.Int64Counter("dmrduck.ducking.speaker_events",
		metric.WithDescription("Total speaker-start/stop events delivered to the Ducking Engine."),
	); err != nil {
		return nil, err
	}
	if met.EmergencyOverrides, err = m.Int64Counter("dmrduck.ducking.emergency_overrides",
		metric.WithDescription("Total emergency_override invocations by talkgroup."),
	); err != nil {
		return nil, err
	}
	if met.SessionConnectAttempts, err = m.Int64Counter("dmrduck.session.connect_attempts",
		metric.WithDescription("Total session connect attempts by talkgroup and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("dmrduck.session.reconnect_attempts",
		metric.WithDescription("Total automatic reconnection attempts by talkgroup."),
	); err != nil {
		return nil, err
	}
	if met.IgnoredUnknownOperations, err = m.Int64Counter("dmrduck.ignored_unknown_operations",
		metric.WithDescription("Total operations targeting an unknown talkgroup (logged, not surfaced as errors)."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("dmrduck.session.active",
		metric.WithDescription("Number of live talkgroup sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("dmrduck.ducking.active_speakers",
		metric.WithDescription("Number of talkgroups with a currently active speaker."),
	); err != nil {
		return nil, err
	}
	if met.HoldTimersActive, err = m.Int64UpDownCounter("dmrduck.ducking.hold_timers_active",
		metric.WithDescription("Number of armed hold timers."),
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

// RecordGainRampScheduled is a convenience method that records a ramp
// schedule for talkgroupID.
func (m *Metrics) RecordGainRampScheduled(ctx context.Context, talkgroupID string) {
	m.GainRampsScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("talkgroup_id", talkgroupID)))
}

// RecordSpeakerEvent is a convenience method that records a speaker-start or
// speaker-stop edge for talkgroupID.
func (m *Metrics) RecordSpeakerEvent(ctx context.Context, talkgroupID string, speaking bool) {
	edge := "stop"
	if speaking {
		edge = "start"
	}
	m.SpeakerEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("talkgroup_id", talkgroupID),
		attribute.String("edge", edge),
	))
}

// RecordEmergencyOverride is a convenience method that records an
// emergency_override invocation for talkgroupID.
func (m *Metrics) RecordEmergencyOverride(ctx context.Context, talkgroupID string) {
	m.EmergencyOverrides.Add(ctx, 1, metric.WithAttributes(attribute.String("talkgroup_id", talkgroupID)))
}

// RecordSessionConnectAttempt is a convenience method that records a session
// connect attempt outcome for talkgroupID.
func (m *Metrics) RecordSessionConnectAttempt(ctx context.Context, talkgroupID, status string) {
	m.SessionConnectAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("talkgroup_id", talkgroupID),
		attribute.String("status", status),
	))
}

// RecordReconnectAttempt is a convenience method that records an automatic
// reconnection attempt for talkgroupID.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, talkgroupID string) {
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("talkgroup_id", talkgroupID)))
}

// RecordIgnoredUnknown is a convenience method that records an operation
// targeting an unknown talkgroup.
func (m *Metrics) RecordIgnoredUnknown(ctx context.Context, operation string) {
	m.IgnoredUnknownOperations.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
