package capture

import (
	"errors"
	"fmt"
	"math"

	"github.com/questwhisper/questwhisper/pkg/audio"
)

// ErrEmptyFrame is returned by [Encoder.Encode] for frames without samples.
var ErrEmptyFrame = errors.New("capture: empty frame")

// ErrNonFiniteSample is returned by [Encoder.Encode] for frames holding NaN or
// infinite samples. Such frames are not passed to the resampler, whose state
// would otherwise carry the bad value into the next frame.
var ErrNonFiniteSample = errors.New("capture: non-finite sample")

// Encoder converts captured frames into [audio.EncodedChunk] values at the
// capture rate and measures their loudness.
//
// An Encoder holds per-stream conversion state; use one per capture stream.
type Encoder struct {
	conv audio.FormatConverter
}

// NewEncoder returns an Encoder targeting 16 kHz mono.
func NewEncoder() *Encoder {
	return &Encoder{conv: audio.FormatConverter{Target: audio.CaptureFormat}}
}

// Encode converts frame to PCM16 at [audio.CaptureSampleRate], base64-encodes
// it and returns the chunk together with the frame's loudness in [0,1].
func (e *Encoder) Encode(frame audio.Frame) (audio.EncodedChunk, float64, error) {
	if len(frame.Samples) == 0 {
		return audio.EncodedChunk{}, 0, ErrEmptyFrame
	}
	if frame.SampleRate <= 0 {
		return audio.EncodedChunk{}, 0, fmt.Errorf("capture: encode: invalid sample rate %d", frame.SampleRate)
	}
	for i, s := range frame.Samples {
		if f := float64(s); math.IsNaN(f) || math.IsInf(f, 0) {
			return audio.EncodedChunk{}, 0, fmt.Errorf("capture: encode: sample %d: %w", i, ErrNonFiniteSample)
		}
	}

	out := e.conv.Convert(frame)
	if len(out.Samples) == 0 {
		return audio.EncodedChunk{}, 0, ErrEmptyFrame
	}
	return audio.EncodeChunk(out.Samples, out.SampleRate), audio.Level(out.Samples), nil
}
