package observe

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestProviderConfig_Sampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tc := range tests {
		got := ProviderConfig{SampleRatio: tc.ratio}.sampler().Description()
		if !strings.HasPrefix(got, "ParentBased{root:") || !strings.Contains(got, tc.want) {
			t.Errorf("ratio %v: sampler = %q, want parent-based %s", tc.ratio, got, tc.want)
		}
	}
}

func TestInitProvider(t *testing.T) {
	prevTP, prevMP, prevProp := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
		otel.SetTextMapPropagator(prevProp)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "probe")
	if CorrelationID(ctx) == "" {
		t.Error("global tracer provider did not produce a sampled span")
	}
	span.End()

	if fields := otel.GetTextMapPropagator().Fields(); len(fields) == 0 || fields[0] != "traceparent" {
		t.Errorf("propagator fields = %v, want traceparent", fields)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
