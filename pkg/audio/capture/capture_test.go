package capture_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/questwhisper/questwhisper/pkg/audio"
	"github.com/questwhisper/questwhisper/pkg/audio/capture"
)

// ─── ChannelSource ───────────────────────────────────────────────────────────

func TestChannelSource_OpenWithoutDevice(t *testing.T) {
	t.Parallel()

	src := capture.NewChannelSource()
	err := src.Open(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Open: got %v, want ErrDeviceUnavailable", err)
	}
	if src.Frames() != nil {
		t.Error("Frames should be nil when not open")
	}
	if src.Push([]float32{0.1}) {
		t.Error("Push should fail when not open")
	}
}

func TestChannelSource_PushStampsFrames(t *testing.T) {
	t.Parallel()

	src := capture.NewChannelSource()
	src.Announce(audio.Format{SampleRate: 16000, Channels: 1})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	for range 3 {
		if !src.Push(make([]float32, 160)) {
			t.Fatal("Push returned false")
		}
	}

	frames := src.Frames()
	for i := range 3 {
		f := <-frames
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d format = %d/%d", i, f.SampleRate, f.Channels)
		}
		want := time.Duration(i) * 10 * time.Millisecond
		if f.Timestamp != want {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
		}
	}
}

func TestChannelSource_DropsWhenFull(t *testing.T) {
	t.Parallel()

	src := capture.NewChannelSource(capture.WithFrameBuffer(2))
	src.Announce(audio.Format{SampleRate: 16000})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	src.Push([]float32{0})
	src.Push([]float32{0})
	if src.Push([]float32{0}) {
		t.Error("third Push should be dropped")
	}
	if got := src.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestChannelSource_CloseAndReopen(t *testing.T) {
	t.Parallel()

	src := capture.NewChannelSource()
	src.Announce(audio.Format{SampleRate: 16000, Channels: 1})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	frames := src.Frames()

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-frames; ok {
		t.Error("frame channel should be closed")
	}
	if src.Push([]float32{0}) {
		t.Error("Push after Close should fail")
	}

	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if src.Frames() == nil {
		t.Error("Frames should be non-nil after reopen")
	}
}

func TestChannelSource_WithdrawClosesFrames(t *testing.T) {
	t.Parallel()

	src := capture.NewChannelSource()
	src.Announce(audio.Format{SampleRate: 48000, Channels: 2})
	if f, ok := src.Format(); !ok || f.Channels != 2 {
		t.Fatalf("Format = %v, %v", f, ok)
	}
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	frames := src.Frames()

	src.Withdraw()

	if _, ok := <-frames; ok {
		t.Error("frame channel should be closed after Withdraw")
	}
	if _, ok := src.Format(); ok {
		t.Error("Format should report no device after Withdraw")
	}
	if err := src.Open(context.Background()); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("Open after Withdraw: got %v, want ErrDeviceUnavailable", err)
	}
}

// ─── Encoder ─────────────────────────────────────────────────────────────────

func TestEncoder_Encode(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder()
	samples := make([]float32, 160)
	for i := range samples {
		samples[i] = 1
	}

	chunk, level, err := enc.Encode(audio.Frame{Samples: samples, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", chunk.MIMEType)
	}
	pcm, err := audio.DecodeChunk(chunk)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if len(pcm) != 320 {
		t.Errorf("pcm len = %d, want 320", len(pcm))
	}
	if level < 0.99 {
		t.Errorf("level = %f, want ~1", level)
	}
}

func TestEncoder_ConvertsFormat(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder()
	chunk, _, err := enc.Encode(audio.Frame{Samples: make([]float32, 960), SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	pcm, err := audio.DecodeChunk(chunk)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	// 10 ms at 16 kHz mono.
	if len(pcm) != 320 {
		t.Errorf("pcm len = %d, want 320", len(pcm))
	}
}

func TestEncoder_Errors(t *testing.T) {
	t.Parallel()

	enc := capture.NewEncoder()
	if _, _, err := enc.Encode(audio.Frame{SampleRate: 16000}); !errors.Is(err, capture.ErrEmptyFrame) {
		t.Errorf("empty frame: got %v, want ErrEmptyFrame", err)
	}
	if _, _, err := enc.Encode(audio.Frame{Samples: []float32{0.1}}); err == nil {
		t.Error("expected error for zero sample rate")
	}
	for _, bad := range []float32{float32(math.NaN()), float32(math.Inf(-1))} {
		f := audio.Frame{Samples: []float32{0.1, bad, 0.1}, SampleRate: 16000, Channels: 1}
		if _, _, err := enc.Encode(f); !errors.Is(err, capture.ErrNonFiniteSample) {
			t.Errorf("sample %v: got %v, want ErrNonFiniteSample", bad, err)
		}
	}
	// The encoder recovers on the next clean frame.
	chunk, level, err := enc.Encode(audio.Frame{Samples: []float32{0.5, 0.5}, SampleRate: 16000, Channels: 1})
	if err != nil || chunk.Data == "" || math.IsNaN(level) {
		t.Errorf("clean frame after bad one: chunk=%+v level=%v err=%v", chunk, level, err)
	}
}

// ─── SpeakingDetector ────────────────────────────────────────────────────────

func newDetector(t *testing.T) *capture.SpeakingDetector {
	t.Helper()
	d, err := capture.NewSpeakingDetector(capture.DefaultDetectorConfig())
	if err != nil {
		t.Fatalf("NewSpeakingDetector: %v", err)
	}
	return d
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestSpeakingDetector_StartAndDebouncedStop(t *testing.T) {
	t.Parallel()

	d := newDetector(t)

	if speaking, _ := d.Observe(0.2, ms(0)); speaking {
		t.Fatal("0.2 should not start speech")
	}
	speaking, changed := d.Observe(0.3, ms(10))
	if !speaking || !changed {
		t.Fatalf("0.3: speaking=%v changed=%v, want true/true", speaking, changed)
	}

	// Below stop threshold, but within the debounce window.
	for _, at := range []int{20, 100, 210} {
		if speaking, _ := d.Observe(0.01, ms(at)); !speaking {
			t.Fatalf("at %dms: stopped before debounce elapsed", at)
		}
	}

	speaking, changed = d.Observe(0.01, ms(220))
	if speaking || !changed {
		t.Fatalf("after debounce: speaking=%v changed=%v, want false/true", speaking, changed)
	}
	if d.Speaking() {
		t.Error("Speaking() should be false")
	}
}

func TestSpeakingDetector_RiseResetsDebounce(t *testing.T) {
	t.Parallel()

	d := newDetector(t)
	d.Observe(0.5, ms(0))

	d.Observe(0.01, ms(10))
	d.Observe(0.01, ms(150))
	// A rise above the stop threshold, still below start, restarts the window.
	d.Observe(0.05, ms(160))
	d.Observe(0.01, ms(170))

	if speaking, _ := d.Observe(0.01, ms(300)); !speaking {
		t.Fatal("debounce should have restarted at 170ms")
	}
	if speaking, changed := d.Observe(0.01, ms(370)); speaking || !changed {
		t.Fatalf("at 370ms: speaking=%v changed=%v, want false/true", speaking, changed)
	}
}

func TestSpeakingDetector_Reset(t *testing.T) {
	t.Parallel()

	d := newDetector(t)
	d.Observe(0.9, ms(0))
	d.Reset()
	if d.Speaking() {
		t.Error("Reset should clear speaking state")
	}
}

func TestDetectorConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     capture.DetectorConfig
		wantErr bool
	}{
		{"defaults", capture.DefaultDetectorConfig(), false},
		{"stop above start", capture.DetectorConfig{StartThreshold: 0.1, StopThreshold: 0.2}, true},
		{"stop equals start", capture.DetectorConfig{StartThreshold: 0.2, StopThreshold: 0.2}, true},
		{"zero start", capture.DetectorConfig{StartThreshold: 0, StopThreshold: 0}, true},
		{"negative debounce", capture.DetectorConfig{StartThreshold: 0.3, StopThreshold: 0.1, StopDebounce: -1}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}

	if _, err := capture.NewSpeakingDetector(capture.DetectorConfig{StartThreshold: 0.1, StopThreshold: 0.5}); err == nil {
		t.Error("NewSpeakingDetector should reject invalid config")
	}
}
