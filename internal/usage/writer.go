package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

const (
	// DefaultQueueSize is the number of records a [Writer] buffers before it
	// starts dropping.
	DefaultQueueSize = 32

	// writeTimeout bounds a single store write.
	writeTimeout = 2 * time.Second
)

// WriterOption configures a [Writer].
type WriterOption func(*Writer)

// WithQueueSize sets the record buffer. Non-positive values are ignored.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.size = n
		}
	}
}

type pending struct {
	ctx context.Context
	rec Record
}

// Writer records the usage events of one session on a background goroutine,
// so a slow store never holds up the caller. When the buffer is full new
// records are dropped and counted.
type Writer struct {
	store     Store
	sessionID string
	size      int

	mu     sync.Mutex
	queue  chan pending
	closed bool

	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewWriter starts a Writer adding records of sessionID to store. Call
// [Writer.Close] to flush and stop it.
func NewWriter(store Store, sessionID string, opts ...WriterOption) *Writer {
	w := &Writer{store: store, sessionID: sessionID, size: DefaultQueueSize}
	for _, o := range opts {
		o(w)
	}
	w.queue = make(chan pending, w.size)
	w.wg.Go(w.loop)
	return w
}

// Record queues a usage event without blocking. Its signature matches the
// session usage callback. Events arriving after Close are dropped.
func (w *Writer) Record(ctx context.Context, u live.UsageMetadata) {
	p := pending{ctx: context.WithoutCancel(ctx), rec: NewRecord(w.sessionID, u)}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.drop("writer closed")
		return
	}
	select {
	case w.queue <- p:
	default:
		w.drop("queue full")
	}
}

// Dropped returns the number of records discarded so far.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Close stops accepting records and waits until the queued ones are written.
// It is idempotent.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) drop(reason string) {
	n := w.dropped.Add(1)
	slog.Warn("usage: record dropped", "session_id", w.sessionID, "reason", reason, "dropped", n)
}

func (w *Writer) loop() {
	for p := range w.queue {
		ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
		if err := w.store.Add(ctx, p.rec); err != nil {
			slog.Warn("usage: record failed", "session_id", w.sessionID, "err", err)
		}
		cancel()
	}
}
