package audio_test

import (
	"math"
	"testing"

	"github.com/questwhisper/questwhisper/pkg/audio"
)

func constant(v float32, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := audio.RMS(constant(0.5, 64)); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS(0.5) = %f, want 0.5", got)
	}
	// Alternating ±1 has RMS 1.
	alt := []float32{1, -1, 1, -1}
	if got := audio.RMS(alt); math.Abs(got-1) > 1e-9 {
		t.Errorf("RMS(alt) = %f, want 1", got)
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{"silence", constant(0, 128), 0},
		{"empty", nil, 0},
		{"full scale", constant(1, 128), 1},
		{"-60 dBFS", constant(0.001, 128), 30.0 / 90.0},
		{"below range", constant(0.00001, 128), 0},
		{"NaN sample", append(constant(0.5, 127), float32(math.NaN())), 0},
		{"infinite sample", append(constant(0.5, 127), float32(math.Inf(1))), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.Level(tc.samples)
			if math.Abs(got-tc.want) > 1e-4 {
				t.Errorf("Level = %f, want %f", got, tc.want)
			}
		})
	}
}
