// Package voice owns the per-client voice pipeline: the session transport
// state machine, the server-event dispatcher and the orchestrator that wires
// capture, transport and playback together.
//
// Every exported type is safe for concurrent use. There is no package-level
// mutable state; each client gets its own [Orchestrator].
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/questwhisper/questwhisper/internal/observe"
	"github.com/questwhisper/questwhisper/pkg/audio"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

// DefaultConnectTimeout bounds the remote handshake.
const DefaultConnectTimeout = 15 * time.Second

// State is the lifecycle state of a [Transport].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TransportOption configures a [Transport].
type TransportOption func(*Transport)

// WithConnectTimeout overrides [DefaultConnectTimeout]. Non-positive values
// are ignored.
func WithConnectTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithStateObserver registers fn to be called on every state transition.
// fn runs with the transport lock held and must not call back into the
// Transport.
func WithStateObserver(fn func(State)) TransportOption {
	return func(t *Transport) { t.observer = fn }
}

// WithToolHandler registers the handler installed on every new session.
func WithToolHandler(h live.ToolCallHandler) TransportOption {
	return func(t *Transport) { t.toolHandler = h }
}

// WithTransportMetrics records connect latency, sent and stale frames to m.
func WithTransportMetrics(m *observe.Metrics) TransportOption {
	return func(t *Transport) { t.metrics = m }
}

// Transport owns the lifecycle of one bidirectional session against a
// [live.Provider]: Idle → Connecting → Open → Closing → Closed, with
// Open → Closed reachable directly through [Transport.Abort].
//
// At most one session is open at a time. A Transport in the Closed state can
// be connected again.
type Transport struct {
	provider    live.Provider
	cfg         live.SessionConfig
	timeout     time.Duration
	observer    func(State)
	toolHandler live.ToolCallHandler
	metrics     *observe.Metrics

	mu            sync.Mutex
	state         State
	session       live.Session
	cancelConnect context.CancelFunc
	connectDone   chan struct{}
	aborted       bool
	closeDone     chan struct{}
}

// NewTransport returns an idle Transport that opens sessions on provider
// with cfg.
func NewTransport(provider live.Provider, cfg live.SessionConfig, opts ...TransportOption) *Transport {
	t := &Transport{
		provider: provider,
		cfg:      cfg,
		timeout:  DefaultConnectTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Events returns the open session's event channel, or nil when no session
// is open.
func (t *Transport) Events() <-chan live.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil
	}
	return t.session.Events()
}

// Connect opens a new session and blocks until the remote side confirms it.
//
// It fails with [live.ErrSessionActive] while a session is Connecting or
// Open, and with [live.ErrConnectionTimeout] when the handshake does not
// finish within the connect timeout. A [Transport.Close] issued while the
// handshake is in flight aborts it with [live.ErrSessionClosed]. On failure
// the transport ends in the Closed state and may be connected again.
//
// While a previous session is still being torn down, Connect waits for the
// teardown to finish before dialling, so two remote sessions never overlap.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	for t.closeDone != nil {
		done := t.closeDone
		t.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("voice: connect: %w", ctx.Err())
		}
		t.mu.Lock()
	}
	if t.state != StateIdle && t.state != StateClosed {
		st := t.state
		t.mu.Unlock()
		return fmt.Errorf("voice: connect while %s: %w", st, live.ErrSessionActive)
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	done := make(chan struct{})
	t.cancelConnect = cancel
	t.connectDone = done
	t.aborted = false
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	defer close(done)
	defer cancel()

	start := time.Now()
	sess, err := t.provider.Connect(cctx, t.cfg)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelConnect = nil

	if t.aborted {
		if sess != nil {
			_ = sess.Close()
		}
		t.setStateLocked(StateClosed)
		t.metrics.RecordConnect(ctx, time.Since(start), "aborted")
		return fmt.Errorf("voice: connect: %w", live.ErrSessionClosed)
	}
	if err != nil {
		t.setStateLocked(StateClosed)
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			t.metrics.RecordConnect(ctx, time.Since(start), "timeout")
			return fmt.Errorf("voice: connect after %s: %w", t.timeout, live.ErrConnectionTimeout)
		}
		t.metrics.RecordConnect(ctx, time.Since(start), "error")
		return fmt.Errorf("voice: connect: %w", err)
	}

	if t.toolHandler != nil {
		sess.OnToolCall(t.toolHandler)
	}
	t.session = sess
	t.setStateLocked(StateOpen)
	t.metrics.RecordConnect(ctx, time.Since(start), "ok")
	t.metrics.AddActiveSessions(ctx, 1)
	return nil
}

// SendFrame transmits chunk on the open session. It never fails because of
// the transport state: before Open it is a no-op, and once the transport is
// Closing or Closed the frame is dropped as a stale send. Errors from an
// open session are returned.
func (t *Transport) SendFrame(ctx context.Context, chunk audio.EncodedChunk) error {
	t.mu.Lock()
	st, sess := t.state, t.session
	t.mu.Unlock()

	switch st {
	case StateOpen:
	case StateClosing, StateClosed:
		t.dropStale(ctx)
		return nil
	default:
		return nil
	}

	if err := sess.SendAudio(ctx, chunk); err != nil {
		if errors.Is(err, live.ErrSessionClosed) || t.State() != StateOpen {
			t.dropStale(ctx)
			return nil
		}
		return fmt.Errorf("voice: send frame: %w", err)
	}
	t.metrics.RecordFrameSent(ctx)
	return nil
}

func (t *Transport) dropStale(ctx context.Context) {
	slog.Debug("voice: frame dropped", "err", live.ErrStaleSend)
	t.metrics.RecordFrameDropped(ctx, "stale")
}

// EndStream signals end of input without closing the session. It returns
// [live.ErrNotOpen] when no session is open.
func (t *Transport) EndStream(ctx context.Context) error {
	t.mu.Lock()
	st, sess := t.state, t.session
	t.mu.Unlock()
	if st != StateOpen {
		return fmt.Errorf("voice: end stream while %s: %w", st, live.ErrNotOpen)
	}
	if err := sess.EndAudioStream(ctx); err != nil {
		return fmt.Errorf("voice: end stream: %w", err)
	}
	return nil
}

// Close tears down the session and leaves the transport Closed. It is safe
// to call any number of times from any state; concurrent callers wait for
// the first teardown to finish.
func (t *Transport) Close() error {
	return t.shutdown(StateClosing)
}

// Abort closes the session after a remote error or abrupt disconnect,
// moving Open straight to Closed.
func (t *Transport) Abort() error {
	return t.shutdown(StateClosed)
}

func (t *Transport) shutdown(via State) error {
	t.mu.Lock()
	switch t.state {
	case StateIdle:
		t.setStateLocked(StateClosed)
		t.mu.Unlock()
		return nil
	case StateConnecting:
		t.aborted = true
		cancel, done := t.cancelConnect, t.connectDone
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-done
		return nil
	case StateClosing, StateClosed:
		// An abort reaches Closed before its teardown ends.
		done := t.closeDone
		t.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}

	sess := t.session
	t.session = nil
	done := make(chan struct{})
	t.closeDone = done
	t.setStateLocked(via)
	t.mu.Unlock()

	err := sess.Close()

	t.mu.Lock()
	if via == StateClosing {
		t.setStateLocked(StateClosed)
	}
	t.closeDone = nil
	t.mu.Unlock()
	close(done)

	t.metrics.AddActiveSessions(context.Background(), -1)
	if err != nil {
		return fmt.Errorf("voice: close session: %w", err)
	}
	return nil
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	if t.observer != nil {
		t.observer(s)
	}
}
