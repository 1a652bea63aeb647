package playback

import (
	"container/heap"
	"sync"
	"time"

	"github.com/questwhisper/questwhisper/pkg/audio"
)

// Compile-time interface assertion.
var _ Output = (*PacedOutput)(nil)

// PacedOption configures a [PacedOutput] during construction.
type PacedOption func(*PacedOutput)

// WithOnCut registers fn to be called when a buffer that was already handed
// to the sink is stopped before it finished playing. The receiver should
// flush whatever it has buffered. fn runs on the dispatch goroutine, in order
// with sink writes.
func WithOnCut(fn func()) PacedOption {
	return func(o *PacedOutput) {
		o.onCut = fn
	}
}

// PacedOutput is a real-time [Output] that hands each buffer to a sink as
// PCM16 bytes when the wall clock reaches its start time. It suits remote
// renderers (a browser tab) that play whatever they receive immediately.
//
// Buffers are released by a background dispatch goroutine in start-time
// order. Call [PacedOutput.Close] to stop it.
type PacedOutput struct {
	sink   func([]byte)
	onCut  func()
	origin time.Time

	mu     sync.Mutex
	queue  voiceHeap
	seq    uint64
	cut    bool
	closed bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewPacedOutput creates a PacedOutput whose clock starts at zero now. sink
// must not be nil; it is called sequentially from the dispatch goroutine and
// must not block for extended periods.
func NewPacedOutput(sink func([]byte), opts ...PacedOption) *PacedOutput {
	o := &PacedOutput{
		sink:   sink,
		origin: time.Now(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	heap.Init(&o.queue)
	o.wg.Add(1)
	go o.dispatch()
	return o
}

// Now implements [Output].
func (o *PacedOutput) Now() time.Duration {
	return time.Since(o.origin)
}

// Start implements [Output].
func (o *PacedOutput) Start(buf Buffer, at time.Duration) Voice {
	v := &pacedVoice{
		out: o,
		pcm: audio.FloatToPCM16(buf.Samples),
		at:  at,
		end: at + buf.Duration(),
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		v.stopped = true
		return v
	}
	o.seq++
	v.seq = o.seq
	heap.Push(&o.queue, v)
	o.wake()
	return v
}

// Close stops the dispatch goroutine and discards buffers that have not been
// released. Close is idempotent.
func (o *PacedOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for o.queue.Len() > 0 {
		v := heap.Pop(&o.queue).(*pacedVoice)
		v.stopped = true
	}
	o.mu.Unlock()

	close(o.done)
	o.wg.Wait()
	return nil
}

// wake signals the dispatch goroutine. Must be called with o.mu held.
func (o *PacedOutput) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// dispatch releases due buffers to the sink and emits cut notifications. It
// runs until Close is called.
func (o *PacedOutput) dispatch() {
	defer o.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, cut, wait := o.collect()

		if cut && o.onCut != nil {
			o.onCut()
		}
		for _, v := range due {
			o.sink(v.pcm)
		}

		if wait >= 0 {
			timer.Reset(wait)
		} else {
			timer.Stop()
		}

		select {
		case <-o.done:
			return
		case <-o.notify:
		case <-timer.C:
		}
	}
}

// collect pops every buffer whose start time has arrived and reports how long
// to wait for the next one (-1 when the queue is empty).
func (o *PacedOutput) collect() (due []*pacedVoice, cut bool, wait time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cut, o.cut = o.cut, false
	now := o.Now()
	for o.queue.Len() > 0 {
		v := o.queue[0]
		if v.stopped {
			heap.Pop(&o.queue)
			continue
		}
		if v.at > now {
			return due, cut, v.at - now
		}
		heap.Pop(&o.queue)
		v.sent = true
		due = append(due, v)
	}
	return due, cut, -1
}

// pacedVoice is one buffer queued on a PacedOutput. Its mutable fields are
// guarded by out.mu.
type pacedVoice struct {
	out     *PacedOutput
	pcm     []byte
	at, end time.Duration
	seq     uint64

	stopped bool
	sent    bool
}

// Stop implements [Voice].
func (v *pacedVoice) Stop() {
	o := v.out
	o.mu.Lock()
	defer o.mu.Unlock()

	if v.stopped {
		return
	}
	v.stopped = true
	if v.sent && !o.closed && v.end > o.Now() {
		o.cut = true
		o.wake()
	}
}
