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
	"github.com/questwhisper/questwhisper/pkg/audio/capture"
	"github.com/questwhisper/questwhisper/pkg/audio/playback"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

// ErrOrchestratorClosed is returned by operations on a closed [Orchestrator].
var ErrOrchestratorClosed = errors.New("voice: orchestrator closed")

// Error codes surfaced in [Status.Error] in addition to [live.ErrorCode].
const (
	CodeDeviceUnavailable = "device_unavailable"
)

// Status is the user-visible state of an [Orchestrator].
type Status struct {
	// Connection is "connecting", "connected" or "disconnected".
	Connection string
	// Listening reports whether captured audio is being streamed.
	Listening bool
	// Level is the loudness of the last captured frame in [0,1].
	Level float64
	// Speaking is the debounced user-speaking flag.
	Speaking bool
	// Error is the code of the last failure, or "".
	Error string
}

// Config holds the dependencies of an [Orchestrator].
type Config struct {
	// SessionID identifies the client in logs and usage records.
	SessionID string

	// Provider opens remote sessions. Required.
	Provider live.Provider

	// Session is sent with every connect.
	Session live.SessionConfig

	// Source supplies captured frames. Required.
	Source capture.Source

	// NewOutput returns a fresh output clock for each session. Required.
	NewOutput func() playback.Output

	// Detector configures the user-speaking heuristic. Zero value means
	// [capture.DefaultDetectorConfig].
	Detector capture.DetectorConfig

	// Epsilon is the playback scheduling headroom. Zero means
	// [playback.DefaultEpsilon].
	Epsilon time.Duration

	// ConnectTimeout bounds the handshake. Zero means [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// ToolHandler answers tool calls issued by the model.
	ToolHandler live.ToolCallHandler

	// Usage receives usage metadata on the event loop and must not block.
	Usage UsageFunc

	// OnStatus is called after every status change. It must not block and
	// must not call back into the Orchestrator.
	OnStatus func(Status)

	// Metrics is optional.
	Metrics *observe.Metrics
}

type activeSession struct {
	sched  *playback.Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

type recording struct {
	stop chan struct{}
	done chan struct{}
}

// Orchestrator wires capture, transport and playback for one client and owns
// all of their state. The lifecycle is construct → Connect →
// StartRecording/StopRecording → Close. A session that ends on an error can
// be replaced by calling Connect again; a closed Orchestrator cannot.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	transport *Transport
	encoder   *capture.Encoder
	detector  *capture.SpeakingDetector
	metrics   *observe.Metrics
	ctx       context.Context

	// recMu serialises capture attach and detach. It is taken before mu.
	recMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	session *activeSession
	rec     *recording

	statusMu sync.Mutex
	status   Status
}

// New validates cfg and returns an idle Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	var errs []error
	if cfg.Provider == nil {
		errs = append(errs, errors.New("provider is required"))
	}
	if cfg.Source == nil {
		errs = append(errs, errors.New("capture source is required"))
	}
	if cfg.NewOutput == nil {
		errs = append(errs, errors.New("output factory is required"))
	}
	if cfg.Detector == (capture.DetectorConfig{}) {
		cfg.Detector = capture.DefaultDetectorConfig()
	}
	det, err := capture.NewSpeakingDetector(cfg.Detector)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("voice: new orchestrator: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		encoder:  capture.NewEncoder(),
		detector: det,
		metrics:  cfg.Metrics,
		ctx:      observe.WithSessionID(context.Background(), cfg.SessionID),
		status:   Status{Connection: "disconnected"},
	}
	o.transport = NewTransport(cfg.Provider, cfg.Session,
		WithConnectTimeout(cfg.ConnectTimeout),
		WithToolHandler(cfg.ToolHandler),
		WithTransportMetrics(cfg.Metrics),
		WithStateObserver(o.onTransportState),
	)
	return o, nil
}

// Transport exposes the underlying session transport.
func (o *Orchestrator) Transport() *Transport { return o.transport }

// Status returns a snapshot of the user-visible state.
func (o *Orchestrator) Status() Status {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.status
}

// Scheduler returns the playback scheduler of the current session, or nil.
func (o *Orchestrator) Scheduler() *playback.Scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	return o.session.sched
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Connect opens a remote session and starts dispatching its events to a
// fresh playback scheduler. It blocks until the handshake completes.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOrchestratorClosed
	}
	o.mu.Unlock()

	o.updateStatus(func(s *Status) { s.Error = "" })
	if err := o.transport.Connect(ctx); err != nil {
		if !errors.Is(err, live.ErrSessionActive) && !errors.Is(err, live.ErrSessionClosed) {
			o.updateStatus(func(s *Status) { s.Error = live.ErrorCode(err) })
		}
		return err
	}

	events := o.transport.Events()
	sched := playback.NewScheduler(o.cfg.NewOutput(), playback.WithEpsilon(o.cfg.Epsilon))
	disp := NewDispatcher(sched,
		WithDispatcherMetrics(o.metrics),
		WithUsage(o.cfg.Usage),
	)
	runCtx, cancel := context.WithCancel(o.ctx)
	s := &activeSession{sched: sched, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		_ = o.transport.Close()
		_ = sched.Teardown()
		return ErrOrchestratorClosed
	}
	o.session = s
	o.mu.Unlock()

	go o.dispatch(runCtx, s, disp, events)
	observe.Logger(o.ctx).Info("voice: session connected")
	return nil
}

// StartRecording opens the capture source and streams encoded frames to the
// open session. It fails with [live.ErrNotOpen] when no session is open and
// with [capture.ErrDeviceUnavailable] when there is no input device; neither
// affects the session. Calling it while already recording is a no-op.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	o.recMu.Lock()
	defer o.recMu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOrchestratorClosed
	}
	if o.session == nil || o.transport.State() != StateOpen {
		return fmt.Errorf("voice: start recording: %w", live.ErrNotOpen)
	}
	if o.rec != nil {
		return nil
	}

	if err := o.cfg.Source.Open(ctx); err != nil {
		code := live.ErrorCode(err)
		if errors.Is(err, capture.ErrDeviceUnavailable) {
			code = CodeDeviceUnavailable
		}
		o.updateStatus(func(s *Status) { s.Error = code })
		return fmt.Errorf("voice: start recording: %w", err)
	}

	o.detector.Reset()
	r := &recording{stop: make(chan struct{}), done: make(chan struct{})}
	o.rec = r
	go o.capture(o.cfg.Source.Frames(), r)

	o.updateStatus(func(s *Status) {
		s.Listening = true
		s.Error = ""
	})
	return nil
}

// StopRecording detaches capture from the transport and then signals end of
// input, letting the remote side finish its response. It is a no-op when not
// recording.
func (o *Orchestrator) StopRecording(ctx context.Context) error {
	o.recMu.Lock()
	defer o.recMu.Unlock()
	o.mu.Lock()
	r := o.detachLocked()
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	o.awaitDetach(r)

	if err := o.transport.EndStream(ctx); err != nil && !errors.Is(err, live.ErrNotOpen) {
		return fmt.Errorf("voice: stop recording: %w", err)
	}
	return nil
}

// Close tears down capture, playback and the session. It is safe to call any
// number of times from any state, including during Connect.
func (o *Orchestrator) Close() error {
	o.recMu.Lock()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.recMu.Unlock()
		return nil
	}
	o.closed = true
	r := o.detachLocked()
	s := o.session
	o.session = nil
	o.mu.Unlock()

	if r != nil {
		o.awaitDetach(r)
	}
	o.recMu.Unlock()
	if s != nil {
		s.cancel()
	}
	err := o.transport.Close()
	if s != nil {
		<-s.done
		if terr := s.sched.Teardown(); terr != nil {
			err = errors.Join(err, terr)
		}
	}
	observe.Logger(o.ctx).Info("voice: orchestrator closed")
	return err
}

// ── Session events ───────────────────────────────────────────────────────────

func (o *Orchestrator) dispatch(ctx context.Context, s *activeSession, d *Dispatcher, events <-chan live.Event) {
	defer close(s.done)

	err := d.Run(ctx, events)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("voice: event stream ended: %w", live.ErrUnexpectedClose)
	}
	o.fail(s, err)
}

// fail tears down the session s after a fatal error. It runs on the
// dispatch goroutine of s.
func (o *Orchestrator) fail(s *activeSession, err error) {
	code := live.ErrorCode(err)
	if errors.Is(err, live.ErrUnexpectedClose) {
		observe.Logger(o.ctx).Warn("voice: session closed unexpectedly", "err", err)
	} else {
		observe.Logger(o.ctx).Error("voice: session failed", "err", err)
	}
	o.metrics.RecordSessionError(o.ctx, code)

	o.recMu.Lock()
	o.mu.Lock()
	if o.session != s {
		o.mu.Unlock()
		o.recMu.Unlock()
		return
	}
	o.session = nil
	r := o.detachLocked()
	o.mu.Unlock()

	if r != nil {
		o.awaitDetach(r)
	}
	o.recMu.Unlock()
	s.cancel()
	if aerr := o.transport.Abort(); aerr != nil {
		slog.Debug("voice: abort transport", "err", aerr)
	}
	if terr := s.sched.Teardown(); terr != nil {
		slog.Debug("voice: teardown playback", "err", terr)
	}
	o.updateStatus(func(st *Status) { st.Error = code })
}

// ── Capture ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) detachLocked() *recording {
	r := o.rec
	o.rec = nil
	if r != nil {
		close(r.stop)
	}
	return r
}

// awaitDetach waits for the capture goroutine of r to exit and releases the
// source. No frame is sent after it returns.
func (o *Orchestrator) awaitDetach(r *recording) {
	<-r.done
	frames := o.cfg.Source.Frames()
	if err := o.cfg.Source.Close(); err != nil {
		slog.Debug("voice: close capture source", "err", err)
	}
	if frames != nil {
		audio.Drain(frames)
	}
	o.updateStatus(func(s *Status) {
		s.Listening = false
		s.Speaking = false
		s.Level = 0
	})
}

func (o *Orchestrator) capture(frames <-chan audio.Frame, r *recording) {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case f, ok := <-frames:
			if !ok {
				o.captureLost(r)
				return
			}
			select {
			case <-r.stop:
				return
			default:
			}
			o.handleFrame(f)
		}
	}
}

func (o *Orchestrator) handleFrame(f audio.Frame) {
	chunk, level, err := o.encoder.Encode(f)
	if err != nil {
		slog.Debug("voice: skip frame", "err", err)
		o.metrics.RecordFrameDropped(o.ctx, "encode")
		return
	}
	if err := o.transport.SendFrame(o.ctx, chunk); err != nil {
		slog.Debug("voice: send frame", "err", err)
	}

	speaking, changed := o.detector.Observe(level, f.Timestamp)
	if changed && speaking {
		o.bargeIn()
	}
	o.updateStatus(func(s *Status) {
		s.Level = level
		s.Speaking = speaking
	})
}

// bargeIn stops active playback when the user starts talking over it.
func (o *Orchestrator) bargeIn() {
	sched := o.Scheduler()
	if sched == nil || sched.Pending() == 0 {
		return
	}
	n := sched.Interrupt()
	o.metrics.RecordInterrupt(o.ctx, "barge_in")
	slog.Debug("voice: barge-in", "stopped", n)
}

// captureLost handles the input device disappearing mid-recording. The
// session stays open.
func (o *Orchestrator) captureLost(r *recording) {
	o.mu.Lock()
	lost := o.rec == r
	if lost {
		o.rec = nil
	}
	o.mu.Unlock()
	if !lost {
		return
	}

	observe.Logger(o.ctx).Warn("voice: capture device lost")
	o.updateStatus(func(s *Status) {
		s.Listening = false
		s.Speaking = false
		s.Level = 0
		s.Error = CodeDeviceUnavailable
	})
}

// ── Status ───────────────────────────────────────────────────────────────────

func (o *Orchestrator) onTransportState(st State) {
	conn := "disconnected"
	switch st {
	case StateConnecting:
		conn = "connecting"
	case StateOpen:
		conn = "connected"
	}
	o.updateStatus(func(s *Status) { s.Connection = conn })
}

func (o *Orchestrator) updateStatus(fn func(*Status)) {
	o.statusMu.Lock()
	prev := o.status
	fn(&o.status)
	cur := o.status
	o.statusMu.Unlock()

	if cur != prev && o.cfg.OnStatus != nil {
		o.cfg.OnStatus(cur)
	}
}
