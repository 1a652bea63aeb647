// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64-encoded PCM16 realtime input;
// synthesised speech and control signals come back as [live.Event] values.
// Tool calls are surfaced via the [live.ToolCallHandler] callback.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/questwhisper/questwhisper/pkg/audio"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gemini-live-2.5-flash-preview"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keyPath         = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	constrainedPath = "google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContentConstrained"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithKeepalive sets the WebSocket ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	tokens    live.TokenSource
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a Gemini Live Provider that obtains a credential from tokens
// before each connect.
func New(tokens live.TokenSource, opts ...Option) *Provider {
	p := &Provider{
		tokens:    tokens,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect opens a Gemini Live session. It sends the setup message and blocks
// until the server acknowledges it with setupComplete, ctx ends, or the server
// reports an error.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	cred, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: credential: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, p.endpoint(cred), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(ctx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := sess.awaitSetupComplete(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusNormalClosure, "setup aborted")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	sess.wg.Add(1)
	go sess.receiveLoop()
	if p.keepalive > 0 {
		sess.wg.Add(1)
		go sess.keepaliveLoop(p.keepalive)
	}

	return sess, nil
}

// endpoint builds the WebSocket URL for cred. Ephemeral tokens must use the
// constrained endpoint with access_token; API keys use key.
func (p *Provider) endpoint(cred live.Credential) string {
	q := url.Values{}
	path := keyPath
	if cred.Ephemeral {
		path = constrainedPath
		q.Set("access_token", cred.Value)
	} else {
		q.Set("key", cred.Value)
	}
	return fmt.Sprintf("%s/%s?%s", p.baseURL, path, q.Encode())
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model               string               `json:"model"`
	GenerationConfig    generationConfig     `json:"generationConfig"`
	SystemInstruction   *systemInstruction   `json:"systemInstruction,omitempty"`
	Tools               []geminiTool         `json:"tools,omitempty"`
	RealtimeInputConfig *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection activityDetection `json:"automaticActivityDetection"`
}

type activityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio          *inlineData `json:"audio,omitempty"`
	AudioStreamEnd bool        `json:"audioStreamEnd,omitempty"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage      `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg          `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	UsageMetadata        *usageMetadata        `json:"usageMetadata,omitempty"`
	GoAway               *goAway               `json:"goAway,omitempty"`
	Error                *geminiError          `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

type usageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount"`
	ResponseTokenCount int `json:"responseTokenCount"`
	TotalTokenCount    int `json:"totalTokenCount"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event

	mu          sync.Mutex
	toolHandler live.ToolCallHandler
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(ctx context.Context, model string, cfg live.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" || cfg.Language != "" {
		sc := &speechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			sc.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	switch cfg.Sensitivity {
	case live.SensitivityLow:
		msg.Setup.RealtimeInputConfig = &realtimeInputConfig{AutomaticActivityDetection: activityDetection{
			StartOfSpeechSensitivity: "START_SENSITIVITY_LOW",
			EndOfSpeechSensitivity:   "END_SENSITIVITY_LOW",
		}}
	case live.SensitivityHigh:
		msg.Setup.RealtimeInputConfig = &realtimeInputConfig{AutomaticActivityDetection: activityDetection{
			StartOfSpeechSensitivity: "START_SENSITIVITY_HIGH",
			EndOfSpeechSensitivity:   "END_SENSITIVITY_HIGH",
		}}
	}

	return s.writeJSON(ctx, msg)
}

// awaitSetupComplete reads until the server acknowledges the setup.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return closeError(err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return toRemoteError(msg.Error)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.emit(live.ErrorEvent{Err: closeError(err)})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		s.emit(live.ErrorEvent{Err: toRemoteError(msg.Error)})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		go s.handleToolCall(msg.ToolCall)
	}
	if msg.ToolCallCancellation != nil {
		s.emit(live.ToolCallCancellation{IDs: msg.ToolCallCancellation.IDs})
	}
	if msg.UsageMetadata != nil {
		u := msg.UsageMetadata
		s.emit(live.UsageMetadata{
			PromptTokens:   u.PromptTokenCount,
			ResponseTokens: u.ResponseTokenCount,
			TotalTokens:    u.TotalTokenCount,
		})
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
	}
}

// handleServerContent emits interrupted first, then audio parts, then the
// turn boundary, so that an interruption never trails audio of the same
// message.
func (s *session) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		s.emit(live.Interrupted{})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			s.emit(live.AudioChunk{PCM: pcm, SampleRate: sampleRate(p.InlineData.MIMEType)})
		}
	}
	if sc.TurnComplete {
		s.emit(live.TurnComplete{})
	}
}

func (s *session) handleToolCall(tc *toolCallMsg) {
	s.mu.Lock()
	handler := s.toolHandler
	s.mu.Unlock()

	for _, fc := range tc.FunctionCalls {
		var result string
		if handler == nil {
			result = `{"error": "no tool handler registered"}`
		} else {
			argsJSON, err := json.Marshal(fc.Args)
			if err != nil {
				continue
			}
			var callErr error
			result, callErr = handler(fc.Name, string(argsJSON))
			if callErr != nil {
				result = fmt.Sprintf(`{"error": %q}`, callErr.Error())
			}
		}

		// Attempt to parse result as JSON; fall back to wrapping in {"output":...}.
		var respObj map[string]any
		if jsonErr := json.Unmarshal([]byte(result), &respObj); jsonErr != nil {
			respObj = map[string]any{"output": result}
		}

		resp := toolResponseMessage{
			ToolResponse: toolResponse{
				FunctionResponses: []functionResponse{
					{
						ID:       fc.ID,
						Name:     fc.Name,
						Response: respObj,
					},
				},
			},
		}
		if err := s.writeJSON(s.ctx, resp); err != nil && s.ctx.Err() == nil {
			slog.Warn("gemini: failed to send tool response", "tool", fc.Name, "err", err)
		}
	}
}

// emit delivers ev unless the session is shutting down.
func (s *session) emit(ev live.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio delivers one encoded capture chunk to the model.
func (s *session) SendAudio(ctx context.Context, chunk audio.EncodedChunk) error {
	if s.isClosed() {
		return fmt.Errorf("gemini: send audio: %w", live.ErrSessionClosed)
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &inlineData{MIMEType: chunk.MIMEType, Data: chunk.Data},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// EndAudioStream tells the server that the microphone stream has paused.
func (s *session) EndAudioStream(ctx context.Context) error {
	if s.isClosed() {
		return fmt.Errorf("gemini: end audio stream: %w", live.ErrSessionClosed)
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{AudioStreamEnd: true}}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: end audio stream: %w", err)
	}
	return nil
}

// Events returns the channel on which server events arrive.
func (s *session) Events() <-chan live.Event { return s.events }

// OnToolCall registers a callback for tool invocations from the model.
func (s *session) OnToolCall(handler live.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandler = handler
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.wg.Wait()
	return nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── helpers ────────────────────────────────────────────────────────────────────

func toRemoteError(ge *geminiError) *live.RemoteError {
	return &live.RemoteError{Code: ge.Code, Status: ge.Status, Message: ge.Message}
}

// closeError classifies a read error. Close frames carrying an error status
// become a [live.RemoteError]; anything else is an unexpected close.
func closeError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		default:
			return &live.RemoteError{Code: int(ce.Code), Status: ce.Code.String(), Message: ce.Reason}
		}
	}
	return fmt.Errorf("gemini: %w: %v", live.ErrUnexpectedClose, err)
}

// sampleRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000".
func sampleRate(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "rate" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return audio.PlaybackSampleRate
}
