package audio_test

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/questwhisper/questwhisper/pkg/audio"
)

func TestFloatToPCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{1.5, 32767},
		{-2, -32768},
		{0.5, 16383},
		{-0.5, -16384},
		{float32(math.NaN()), 0},
	}
	for _, tc := range tests {
		pcm := audio.FloatToPCM16([]float32{tc.in})
		if len(pcm) != 2 {
			t.Fatalf("len = %d, want 2", len(pcm))
		}
		got := int16(binary.LittleEndian.Uint16(pcm))
		if got != tc.want {
			t.Errorf("FloatToPCM16(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestPCM16ToFloat(t *testing.T) {
	pcm := make([]byte, 6)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(0x8000)) // -32768
	binary.LittleEndian.PutUint16(pcm[2:], 16384)
	binary.LittleEndian.PutUint16(pcm[4:], 0)

	got, err := audio.PCM16ToFloat(pcm)
	if err != nil {
		t.Fatalf("PCM16ToFloat: %v", err)
	}
	want := []float32{-1, 0.5, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat_OddLength(t *testing.T) {
	_, err := audio.PCM16ToFloat([]byte{1, 2, 3})
	if !errors.Is(err, audio.ErrOddLength) {
		t.Fatalf("err = %v, want ErrOddLength", err)
	}
}

func TestEncodeChunk(t *testing.T) {
	chunk := audio.EncodeChunk([]float32{0, 1, -1}, audio.CaptureSampleRate)
	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", chunk.MIMEType)
	}
	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 6 {
		t.Fatalf("raw len = %d, want 6", len(raw))
	}

	back, err := audio.DecodeChunk(chunk)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if string(back) != string(raw) {
		t.Error("DecodeChunk did not return the encoded PCM")
	}
}

func TestFrameDuration(t *testing.T) {
	f := audio.Frame{Samples: make([]float32, 1600), SampleRate: 16000, Channels: 1}
	if got := f.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", got)
	}
	stereo := audio.Frame{Samples: make([]float32, 3200), SampleRate: 16000, Channels: 2}
	if got := stereo.Duration(); got != 100*time.Millisecond {
		t.Errorf("stereo Duration = %v, want 100ms", got)
	}
	if got := (audio.Frame{}).Duration(); got != 0 {
		t.Errorf("zero frame Duration = %v, want 0", got)
	}
}
