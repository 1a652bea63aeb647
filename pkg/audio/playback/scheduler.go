package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/questwhisper/questwhisper/pkg/audio"
)

// DefaultEpsilon is the scheduling headroom added to the output clock so that
// a chunk scheduled "now" does not start in the past by the time the device
// picks it up.
const DefaultEpsilon = 30 * time.Millisecond

// ErrClosed is returned by [Scheduler.ScheduleChunk] after [Scheduler.Teardown].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithEpsilon sets the scheduling headroom. Values of zero or less are
// ignored.
func WithEpsilon(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.epsilon = d
		}
	}
}

// WithSampleRate sets the rate of incoming PCM16 chunks. Defaults to
// [audio.PlaybackSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// Scheduled describes where a chunk was placed on the output clock.
type Scheduled struct {
	Start    time.Duration
	Duration time.Duration
}

// End returns the clock time at which the chunk finishes.
func (s Scheduled) End() time.Duration { return s.Start + s.Duration }

type pendingVoice struct {
	voice Voice
	end   time.Duration
}

// Scheduler queues decoded audio chunks back-to-back on an [Output].
//
// Each chunk starts at max(cursor, now+epsilon) and advances the cursor by its
// own duration, so consecutive chunks neither overlap nor leave gaps. Chunks
// are played strictly in the order they are scheduled; the scheduler never
// reorders.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out     Output
	epsilon time.Duration
	rate    int

	mu      sync.Mutex
	cursor  time.Duration
	pending []pendingVoice
	closed  bool
}

// NewScheduler creates a Scheduler rendering to out. The cursor starts at the
// output's current time.
func NewScheduler(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:     out,
		epsilon: DefaultEpsilon,
		rate:    audio.PlaybackSampleRate,
	}
	for _, o := range opts {
		o(s)
	}
	s.cursor = out.Now()
	return s
}

// ScheduleChunk decodes little-endian PCM16 and schedules it after everything
// already queued. An empty chunk schedules nothing and returns a zero-length
// placement at the cursor.
func (s *Scheduler) ScheduleChunk(pcm []byte) (Scheduled, error) {
	samples, err := audio.PCM16ToFloat(pcm)
	if err != nil {
		return Scheduled{}, fmt.Errorf("playback: schedule chunk: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Scheduled{}, ErrClosed
	}
	if len(samples) == 0 {
		return Scheduled{Start: s.cursor}, nil
	}

	buf := Buffer{Samples: samples, SampleRate: s.rate}
	now := s.out.Now()
	s.pruneLocked(now)

	start := max(s.cursor, now+s.epsilon)
	d := buf.Duration()
	v := s.out.Start(buf, start)
	s.pending = append(s.pending, pendingVoice{voice: v, end: start + d})
	s.cursor = start + d

	return Scheduled{Start: start, Duration: d}, nil
}

// Interrupt stops every buffer that is scheduled but not yet finished, clears
// the pending set and resets the cursor to now+epsilon. It returns the number
// of buffers stopped. Interrupt is idempotent and leaves the scheduler ready
// for new chunks.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	now := s.out.Now()
	s.pruneLocked(now)
	n := s.stopAllLocked()
	s.cursor = now + s.epsilon
	return n
}

// Teardown stops all buffers and closes the output. Subsequent calls are
// no-ops and return nil; later ScheduleChunk calls return [ErrClosed].
func (s *Scheduler) Teardown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopAllLocked()
	s.mu.Unlock()

	if err := s.out.Close(); err != nil {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}

// Pending returns the number of buffers scheduled but not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.pruneLocked(s.out.Now())
	return len(s.pending)
}

// Cursor returns the clock time at which the next chunk would start if the
// output were idle up to that point.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// pruneLocked drops finished buffers. Pending voices end in schedule order,
// so the finished ones form a prefix.
func (s *Scheduler) pruneLocked(now time.Duration) {
	i := 0
	for i < len(s.pending) && s.pending[i].end <= now {
		i++
	}
	if i > 0 {
		s.pending = append(s.pending[:0], s.pending[i:]...)
	}
}

func (s *Scheduler) stopAllLocked() int {
	n := len(s.pending)
	for _, p := range s.pending {
		p.voice.Stop()
	}
	s.pending = s.pending[:0]
	return n
}
