package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumValue returns the value of the data point carrying key=value, or -1.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
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
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"questwhisper.session.connect.duration", m.ConnectDuration},
		{"questwhisper.tool_execution.duration", m.ToolExecutionDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnect(ctx, 120*time.Millisecond, "ok")
	m.RecordFrameSent(ctx)
	m.RecordFrameSent(ctx)
	m.RecordFrameDropped(ctx, "stale")
	m.RecordServerEvent(ctx, "audio_chunk")
	m.RecordServerEvent(ctx, "audio_chunk")
	m.RecordServerEvent(ctx, "interrupted")
	m.RecordPlaybackChunk(ctx)
	m.RecordInterrupt(ctx, "barge_in")
	m.RecordUsage(ctx, 10, 25)
	m.RecordToolCall(ctx, "list_events", "ok", 50*time.Millisecond)
	m.RecordToolCall(ctx, "list_events", "error", 10*time.Millisecond)
	m.RecordSessionError(ctx, "remote_error")
	m.RecordBreakerState(ctx, "tools", "open")
	m.RecordBreakerState(ctx, "tools", "open")

	rm := collect(t, reader)

	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"questwhisper.capture.frames.sent", "", "", 2},
		{"questwhisper.capture.frames.dropped", "reason", "stale", 1},
		{"questwhisper.session.events", "kind", "audio_chunk", 2},
		{"questwhisper.session.events", "kind", "interrupted", 1},
		{"questwhisper.playback.chunks", "", "", 1},
		{"questwhisper.playback.interrupts", "source", "barge_in", 1},
		{"questwhisper.usage.tokens", "type", "prompt", 10},
		{"questwhisper.usage.tokens", "type", "response", 25},
		{"questwhisper.tool.calls", "status", "ok", 1},
		{"questwhisper.session.errors", "code", "remote_error", 1},
		{"questwhisper.breaker.transitions", "state", "open", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name+"/"+tc.value, func(t *testing.T) {
			if got := sumValue(t, rm, tc.name, tc.key, tc.value); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRecordHelpers_NilMetrics(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// None of these may panic.
	m.RecordConnect(ctx, time.Second, "ok")
	m.RecordFrameSent(ctx)
	m.RecordFrameDropped(ctx, "stale")
	m.RecordServerEvent(ctx, "error")
	m.RecordPlaybackChunk(ctx)
	m.RecordInterrupt(ctx, "remote")
	m.RecordUsage(ctx, 1, 1)
	m.RecordToolCall(ctx, "t", "ok", 0)
	m.RecordSessionError(ctx, "internal")
	m.RecordBreakerState(ctx, "tools", "closed")
	m.AddActiveSessions(ctx, 1)
	m.AddActiveClients(ctx, 1)
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(n) as Add(n).
	m.AddActiveSessions(ctx, 1)
	m.AddActiveSessions(ctx, 1)
	m.AddActiveClients(ctx, 3)
	m.AddActiveClients(ctx, -1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"questwhisper.active_sessions", 2},
		{"questwhisper.active_clients", 2},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumValue(t, rm, tc.name, "", ""); got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
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
