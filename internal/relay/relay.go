// Package relay bridges browser clients to the voice pipeline over a
// WebSocket.
//
// Each socket at GET /v1/voice owns one [voice.Orchestrator]. The browser
// streams microphone frames as binary float32 little-endian messages and
// drives the session with JSON control messages:
//
//	{"type":"device","sample_rate":16000,"channels":1}
//	{"type":"device_lost"}
//	{"type":"connect"} {"type":"start"} {"type":"stop"} {"type":"close"}
//
// The server answers with {"type":"status",...} updates, {"type":"cut"} when
// playback is interrupted mid-buffer, {"type":"error",...} for rejected
// commands, and binary PCM16 24 kHz playback audio released in real time.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/questwhisper/questwhisper/internal/observe"
	"github.com/questwhisper/questwhisper/internal/usage"
	"github.com/questwhisper/questwhisper/internal/voice"
	"github.com/questwhisper/questwhisper/pkg/audio"
	"github.com/questwhisper/questwhisper/pkg/audio/capture"
	"github.com/questwhisper/questwhisper/pkg/audio/playback"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

const (
	// Path is the route the relay is mounted on.
	Path = "/v1/voice"

	readLimit    = 1 << 20
	writeTimeout = 5 * time.Second
	outboundSize = 64
)

// errClientClosed ends a connection after the browser sent "close".
var errClientClosed = errors.New("relay: client closed session")

// Settings are the per-session parameters. They can be replaced at runtime
// with [Handler.SetSettings]; new sessions pick up the latest value.
type Settings struct {
	Session        live.SessionConfig
	Detector       capture.DetectorConfig
	Epsilon        time.Duration
	ConnectTimeout time.Duration
}

// ToolFactory returns the tool-call handler for a session whose lifetime is
// bounded by ctx.
type ToolFactory func(ctx context.Context) live.ToolCallHandler

// Option configures a [Handler].
type Option func(*Handler)

// WithTools answers model tool calls through f.
func WithTools(f ToolFactory) Option {
	return func(h *Handler) { h.tools = f }
}

// WithUsageStore records usage metadata of every session in s.
func WithUsageStore(s usage.Store) Option {
	return func(h *Handler) { h.usage = s }
}

// WithMetrics records client and session metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithOriginPatterns sets the origins allowed to open a socket in addition
// to the request host.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// Handler accepts browser sockets. It is safe for concurrent use.
type Handler struct {
	provider live.Provider
	settings atomic.Pointer[Settings]
	tools    ToolFactory
	usage    usage.Store
	metrics  *observe.Metrics
	origins  []string

	mu       sync.Mutex
	draining bool
	conns    map[string]context.CancelFunc
	active   sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// New returns a Handler opening remote sessions through provider.
func New(provider live.Provider, s Settings, opts ...Option) *Handler {
	h := &Handler{provider: provider, conns: make(map[string]context.CancelFunc)}
	h.settings.Store(&s)
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetSettings replaces the settings used for sessions opened afterwards.
func (h *Handler) SetSettings(s Settings) {
	h.settings.Store(&s)
}

// Settings returns the current settings.
func (h *Handler) Settings() Settings {
	return *h.settings.Load()
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, h)
}

// Active returns the number of open sockets.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Drain refuses new sockets, ends the open ones and waits for their sessions
// to close or ctx to end.
func (h *Handler) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	for _, cancel := range h.conns {
		cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: drain: %w", ctx.Err())
	}
}

// track registers a socket. It returns false once draining has started.
func (h *Handler) track(id string, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.conns[id] = cancel
	h.active.Add(1)
	return true
}

func (h *Handler) untrack(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
	h.active.Done()
}

// ServeHTTP upgrades the request and serves the socket until either side
// closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observe.WithSessionID(r.Context(), id))
	defer cancel()
	log := observe.Logger(ctx)

	if !h.track(id, cancel) {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.untrack(id)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Warn("relay: accept failed", "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	g, gctx := errgroup.WithContext(ctx)
	c := &client{
		id:          id,
		ws:          ws,
		source:      capture.NewChannelSource(),
		out:         make(chan outbound, outboundSize),
		statusDirty: make(chan struct{}, 1),
		done:        gctx.Done(),
	}
	if h.usage != nil {
		c.usage = usage.NewWriter(h.usage, id)
		defer c.usage.Close()
	}

	orch, err := voice.New(h.orchestratorConfig(gctx, c))
	if err != nil {
		log.Error("relay: session setup failed", "err", err)
		ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	c.orch = orch
	c.setStatus(orch.Status())

	h.metrics.AddActiveClients(ctx, 1)
	defer h.metrics.AddActiveClients(ctx, -1)
	log.Info("relay: client connected", "remote", r.RemoteAddr)

	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	err = g.Wait()

	if cerr := orch.Close(); cerr != nil {
		log.Warn("relay: closing session", "err", cerr)
	}
	c.ops.Wait()

	switch {
	case errors.Is(err, errClientClosed):
		ws.Close(websocket.StatusNormalClosure, "")
		log.Info("relay: client closed session")
	case websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled):
		log.Info("relay: client disconnected")
	default:
		log.Warn("relay: connection ended", "err", err)
	}
}

func (h *Handler) orchestratorConfig(ctx context.Context, c *client) voice.Config {
	s := h.Settings()
	cfg := voice.Config{
		SessionID: c.id,
		Provider:  h.provider,
		Session:   s.Session,
		Source:    c.source,
		NewOutput: func() playback.Output {
			return playback.NewPacedOutput(c.sendAudio, playback.WithOnCut(c.sendCut))
		},
		Detector:       s.Detector,
		Epsilon:        s.Epsilon,
		ConnectTimeout: s.ConnectTimeout,
		OnStatus:       c.setStatus,
		Metrics:        h.metrics,
	}
	if h.tools != nil {
		cfg.ToolHandler = h.tools(ctx)
	}
	if c.usage != nil {
		cfg.Usage = c.usage.Record
	}
	return cfg
}

// ── client ───────────────────────────────────────────────────────────────────

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// client is the state of one socket.
type client struct {
	id     string
	ws     *websocket.Conn
	source *capture.ChannelSource
	orch   *voice.Orchestrator
	usage  *usage.Writer

	out  chan outbound
	done <-chan struct{}

	statusMu    sync.Mutex
	status      voice.Status
	statusDirty chan struct{}

	// ops tracks connect attempts running outside the read loop.
	ops sync.WaitGroup
}

func (c *client) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			c.handleAudio(ctx, data)
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observe.Logger(ctx).Debug("relay: bad control message", "err", err)
			c.reject(ctx, "", "malformed message")
			continue
		}
		if err := c.handleControl(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *client) handleAudio(ctx context.Context, data []byte) {
	samples, err := decodeFloat32LE(data)
	if err != nil {
		observe.Logger(ctx).Debug("relay: dropping frame", "bytes", len(data), "err", err)
		return
	}
	c.source.Push(samples)
}

func (c *client) handleControl(ctx context.Context, msg controlMessage) error {
	log := observe.Logger(ctx)
	switch msg.Type {
	case msgDevice:
		f := audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels}
		if f.SampleRate <= 0 {
			f.SampleRate = audio.CaptureSampleRate
		}
		c.source.Announce(f)
		log.Debug("relay: device announced", "format", f.String())
	case msgDeviceLost:
		c.source.Withdraw()
		log.Info("relay: device lost")
	case msgConnect:
		c.ops.Go(func() {
			if err := c.orch.Connect(ctx); err != nil {
				log.Warn("relay: connect failed", "err", err)
			}
		})
	case msgStart:
		if err := c.orch.StartRecording(ctx); err != nil {
			log.Info("relay: start rejected", "err", err)
			c.reject(ctx, msg.Type, err.Error())
		}
	case msgStop:
		if err := c.orch.StopRecording(ctx); err != nil {
			log.Info("relay: stop failed", "err", err)
			c.reject(ctx, msg.Type, err.Error())
		}
	case msgClose:
		return errClientClosed
	default:
		log.Debug("relay: unknown control message", "type", msg.Type)
		c.reject(ctx, msg.Type, "unknown message type")
	}
	return nil
}

// writeLoop is the only writer on the socket. Status updates are coalesced:
// only the latest one is sent.
func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-c.out:
			if err := c.write(ctx, m); err != nil {
				return err
			}
		case <-c.statusDirty:
			c.statusMu.Lock()
			msg := newStatusMessage(c.id, c.status)
			c.statusMu.Unlock()
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := c.write(ctx, outbound{typ: websocket.MessageText, data: data}); err != nil {
				return err
			}
		}
	}
}

func (c *client) write(ctx context.Context, m outbound) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, m.typ, m.data)
}

// setStatus is the orchestrator's status observer. It never blocks.
func (c *client) setStatus(s voice.Status) {
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
	select {
	case c.statusDirty <- struct{}{}:
	default:
	}
}

// enqueue hands m to the write loop, giving up once the socket is done.
func (c *client) enqueue(m outbound) {
	select {
	case c.out <- m:
	case <-c.done:
	}
}

func (c *client) sendAudio(pcm []byte) {
	c.enqueue(outbound{typ: websocket.MessageBinary, data: pcm})
}

func (c *client) sendCut() {
	data, _ := json.Marshal(noticeMessage{Type: msgCut})
	c.enqueue(outbound{typ: websocket.MessageText, data: data})
}

func (c *client) reject(ctx context.Context, command, reason string) {
	data, err := json.Marshal(noticeMessage{Type: msgError, Command: command, Message: reason})
	if err != nil {
		observe.Logger(ctx).Debug("relay: encode error notice", "err", err)
		return
	}
	c.enqueue(outbound{typ: websocket.MessageText, data: data})
}
