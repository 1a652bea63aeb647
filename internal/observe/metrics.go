// Package observe provides application-wide observability primitives for
// QuestWhisper: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All Record helpers accept a nil *Metrics and do nothing, so components can
// be built without instrumentation.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all QuestWhisper metrics.
const meterName = "github.com/questwhisper/questwhisper"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long the live-session handshake takes.
	ConnectDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool-proxy call latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture frames handed to an open session.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames that were not sent. Use with
	// attribute:
	//   attribute.String("reason", "stale"|"backpressure"|"encode")
	FramesDropped metric.Int64Counter

	// ServerEvents counts inbound session events. Use with attribute:
	//   attribute.String("kind", ...)
	ServerEvents metric.Int64Counter

	// PlaybackChunks counts synthesised chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackInterrupts counts playback interruptions. Use with attribute:
	//   attribute.String("source", "remote"|"barge_in")
	PlaybackInterrupts metric.Int64Counter

	// UsageTokens counts tokens reported by the remote endpoint. Use with
	// attribute:
	//   attribute.String("type", "prompt"|"response")
	UsageTokens metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BreakerTransitions counts circuit-breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts fatal session errors. Use with attribute:
	//   attribute.String("code", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveClients tracks the number of connected browser sockets.
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("questwhisper.session.connect.duration",
		metric.WithDescription("Latency of the live-session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("questwhisper.tool_execution.duration",
		metric.WithDescription("Latency of tool-proxy calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("questwhisper.capture.frames.sent",
		metric.WithDescription("Total capture frames sent to a live session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("questwhisper.capture.frames.dropped",
		metric.WithDescription("Total capture frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ServerEvents, err = m.Int64Counter("questwhisper.session.events",
		metric.WithDescription("Total server events received by kind."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("questwhisper.playback.chunks",
		metric.WithDescription("Total synthesised audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterrupts, err = m.Int64Counter("questwhisper.playback.interrupts",
		metric.WithDescription("Total playback interruptions by source."),
	); err != nil {
		return nil, err
	}
	if met.UsageTokens, err = m.Int64Counter("questwhisper.usage.tokens",
		metric.WithDescription("Total tokens reported by the live endpoint by type."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("questwhisper.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("questwhisper.breaker.transitions",
		metric.WithDescription("Total circuit-breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("questwhisper.session.errors",
		metric.WithDescription("Total fatal session errors by code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("questwhisper.active_sessions",
		metric.WithDescription("Number of open live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("questwhisper.active_clients",
		metric.WithDescription("Number of connected browser sockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("questwhisper.http.request.duration",
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

// RecordConnect records a handshake duration with its outcome status.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordFrameSent increments the sent-frame counter.
func (m *Metrics) RecordFrameSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.FramesSent.Add(ctx, 1)
}

// RecordFrameDropped increments the dropped-frame counter for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordServerEvent increments the server-event counter for kind.
func (m *Metrics) RecordServerEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ServerEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordPlaybackChunk increments the scheduled-chunk counter.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context) {
	if m == nil {
		return
	}
	m.PlaybackChunks.Add(ctx, 1)
}

// RecordInterrupt increments the interruption counter for source.
func (m *Metrics) RecordInterrupt(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.PlaybackInterrupts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordUsage adds reported prompt and response token counts.
func (m *Metrics) RecordUsage(ctx context.Context, prompt, response int) {
	if m == nil {
		return
	}
	m.UsageTokens.Add(ctx, int64(prompt), metric.WithAttributes(attribute.String("type", "prompt")))
	m.UsageTokens.Add(ctx, int64(response), metric.WithAttributes(attribute.String("type", "response")))
}

// RecordToolCall is a convenience method that records a tool call counter
// increment and its latency with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolExecutionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordBreakerState counts a transition of breaker into state.
func (m *Metrics) RecordBreakerState(ctx context.Context, breaker, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("state", state),
	))
}

// RecordSessionError increments the session-error counter for code.
func (m *Metrics) RecordSessionError(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// AddActiveSessions adjusts the open-session gauge by delta.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

// AddActiveClients adjusts the connected-client gauge by delta.
func (m *Metrics) AddActiveClients(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveClients.Add(ctx, delta)
}
