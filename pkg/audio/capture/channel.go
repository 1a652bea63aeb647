package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/questwhisper/questwhisper/pkg/audio"
)

// Compile-time interface assertion.
var _ Source = (*ChannelSource)(nil)

const defaultFrameBuffer = 64

// ChannelSourceOption configures a [ChannelSource].
type ChannelSourceOption func(*ChannelSource)

// WithFrameBuffer sets the capacity of the frame channel. Frames pushed while
// the channel is full are dropped.
func WithFrameBuffer(n int) ChannelSourceOption {
	return func(s *ChannelSource) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// ChannelSource is a [Source] fed by an external producer, such as a browser
// audio worklet relaying frames over a socket.
//
// The producer announces a device with [ChannelSource.Announce], delivers
// samples with [ChannelSource.Push] and reports a lost device with
// [ChannelSource.Withdraw]. Push never blocks: when the consumer falls behind,
// frames are dropped and counted.
//
// All methods are safe for concurrent use.
type ChannelSource struct {
	bufSize int

	mu      sync.Mutex
	format  *audio.Format
	frames  chan audio.Frame
	elapsed time.Duration

	dropped atomic.Uint64
}

// NewChannelSource creates a ChannelSource with no device announced.
func NewChannelSource(opts ...ChannelSourceOption) *ChannelSource {
	s := &ChannelSource{bufSize: defaultFrameBuffer}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Announce records that an input device with format f is available.
func (s *ChannelSource) Announce(f audio.Format) {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = &f
}

// Withdraw reports that the device is gone. An open frame channel is closed so
// the consumer observes the loss.
func (s *ChannelSource) Withdraw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = nil
	s.closeLocked()
}

// Format returns the announced device format and whether a device is present.
func (s *ChannelSource) Format() (audio.Format, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == nil {
		return audio.Format{}, false
	}
	return *s.format, true
}

// Open implements [Source].
func (s *ChannelSource) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == nil {
		return ErrDeviceUnavailable
	}
	if s.frames != nil {
		return nil
	}
	s.frames = make(chan audio.Frame, s.bufSize)
	s.elapsed = 0
	return nil
}

// Frames implements [Source].
func (s *ChannelSource) Frames() <-chan audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close implements [Source].
func (s *ChannelSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

// Push delivers samples captured by the announced device. The frame is
// stamped with the device format and its position in the stream. Returns false
// if the source is not open or the frame was dropped.
func (s *ChannelSource) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frames == nil || s.format == nil {
		return false
	}

	f := audio.Frame{
		Samples:    samples,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  s.elapsed,
	}
	s.elapsed += f.Duration()

	select {
	case s.frames <- f:
		return true
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("capture: frame buffer full, dropping frames", "dropped", n)
		}
		return false
	}
}

// Dropped returns the number of frames dropped because the consumer was slow.
func (s *ChannelSource) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *ChannelSource) closeLocked() {
	if s.frames != nil {
		close(s.frames)
		s.frames = nil
	}
}
