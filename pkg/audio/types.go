// Package audio holds the sample-level building blocks of the QuestWhisper
// voice pipeline: captured frames, transport-ready encoded chunks, PCM16
// conversion, loudness metering and format conversion.
//
// Nothing in this package blocks. [FormatConverter] and [Resampler] keep
// per-stream state between frames; everything else is stateless.
package audio

import (
	"fmt"
	"time"
)

const (
	// CaptureSampleRate is the rate at which microphone audio is sent to the
	// remote voice endpoint.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of the synthesised audio returned by the
	// remote voice endpoint.
	PlaybackSampleRate = 24000
)

// Frame is a block of captured samples as produced by the capture worklet.
// Samples are normalised to [-1, 1] and interleaved when Channels > 1.
type Frame struct {
	// Samples holds the raw floating-point samples.
	Samples []float32

	// SampleRate in Hz (16000 after conversion; browsers may deliver 44100 or 48000).
	SampleRate int

	// Channels is the number of interleaved channels. Capture is mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to the start of
	// the recording.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	n := len(f.Samples) / f.Channels
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}

// EncodedChunk is a frame of 16-bit PCM, base64-encoded for a JSON transport
// and tagged with its MIME descriptor. Ownership passes to the transport on
// send; it is discarded after transmission.
type EncodedChunk struct {
	// Data is the base64 (standard alphabet) encoding of little-endian PCM16.
	Data string

	// MIMEType describes the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// PCMMimeType returns the MIME descriptor for raw PCM16 at rate.
func PCMMimeType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}
