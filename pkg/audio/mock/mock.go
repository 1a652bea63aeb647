// Package mock provides in-memory implementations of [capture.Source] and
// [playback.Output] for unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := mock.NewOutput()
//	sched := playback.NewScheduler(out)
//	sched.ScheduleChunk(pcm)
//	out.Advance(50 * time.Millisecond)
//	v := out.Voices()[0]
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/questwhisper/questwhisper/pkg/audio"
	"github.com/questwhisper/questwhisper/pkg/audio/capture"
	"github.com/questwhisper/questwhisper/pkg/audio/playback"
)

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a manually clocked [playback.Output]. Its clock only moves when
// the test calls [Output.Advance] or [Output.SetNow].
type Output struct {
	mu     sync.Mutex
	now    time.Duration
	voices []*Voice

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ playback.Output = (*Output)(nil)

// NewOutput returns an Output whose clock reads zero.
func NewOutput() *Output { return &Output{} }

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Start implements [playback.Output]. It records the buffer and returns a
// [Voice] that counts stops.
func (o *Output) Start(buf playback.Buffer, at time.Duration) playback.Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := &Voice{At: at, Duration: buf.Duration(), Samples: len(buf.Samples)}
	o.voices = append(o.voices, v)
	return v
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	o.mu.Unlock()
}

// SetNow sets the clock to t.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	o.now = t
	o.mu.Unlock()
}

// Voices returns a copy of the voices started so far, in order.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Voice(nil), o.voices...)
}

// CloseCount returns the number of Close calls.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// Voice is the [playback.Voice] returned by [Output.Start].
type Voice struct {
	// At is the scheduled start time.
	At time.Duration
	// Duration is the buffer's playing time.
	Duration time.Duration
	// Samples is the number of samples in the buffer.
	Samples int

	mu    sync.Mutex
	stops int
}

// Stop implements [playback.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stops++
	v.mu.Unlock()
}

// StopCount returns the number of Stop calls.
func (v *Voice) StopCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stops
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [capture.Source]. Frames are injected with [Source.Send].
type Source struct {
	mu     sync.Mutex
	frames chan audio.Frame

	// OpenErr, if non-nil, is returned by Open. Set it to
	// [capture.ErrDeviceUnavailable] to simulate a missing microphone.
	OpenErr error

	// Buffer is the frame channel capacity used by Open. Zero means 64.
	Buffer int

	// Unbuffered makes Open create an unbuffered channel, so that [Source.Feed]
	// returns only once the consumer has taken the frame.
	Unbuffered bool

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ capture.Source = (*Source)(nil)

// Open implements [capture.Source].
func (s *Source) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return s.OpenErr
	}
	if s.frames == nil {
		n := s.Buffer
		switch {
		case s.Unbuffered:
			n = 0
		case n <= 0:
			n = 64
		}
		s.frames = make(chan audio.Frame, n)
	}
	return nil
}

// Frames implements [capture.Source].
func (s *Source) Frames() <-chan audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close implements [capture.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.frames != nil {
		close(s.frames)
		s.frames = nil
	}
	return nil
}

// Send delivers f if the source is open. Returns false when closed or full.
func (s *Source) Send(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// Feed blocks until f is received or the timeout expires. It must not race
// with Close. Returns false if the source is not open or the timeout hit.
func (s *Source) Feed(f audio.Frame, timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.frames
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- f:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Lose simulates the device disappearing: the frame channel is closed
// without a Close call.
func (s *Source) Lose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames != nil {
		close(s.frames)
		s.frames = nil
	}
}

// CloseCount returns the number of Close calls.
func (s *Source) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}
