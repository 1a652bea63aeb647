// Package playback renders synthesised audio gaplessly against an output
// clock and supports immediate cancellation (barge-in).
//
// The [Scheduler] decodes PCM16 chunks as they stream in from the remote voice
// endpoint and queues each one to start exactly where the previous one ends.
// Rendering is delegated to an [Output], which owns the clock. [PacedOutput]
// is the real-time Output used by the relay; tests supply their own clock.
package playback

import "time"

// Buffer is a block of decoded mono output samples.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playing time of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Voice is a handle on one buffer scheduled on an [Output].
type Voice interface {
	// Stop cancels the buffer. If it has not started, it never plays; if it
	// is playing, it is cut off. Stop is idempotent and safe to call after
	// the buffer has finished.
	Stop()
}

// Output is an audio output device together with its monotonic clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current output clock time.
	Now() time.Duration

	// Start schedules buf to begin playing at clock time at and returns a
	// handle that can cancel it. If at is in the past the buffer plays
	// immediately.
	Start(buf Buffer, at time.Duration) Voice

	// Close releases the device. Buffers not yet played are discarded.
	Close() error
}
