// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to script inbound events and inspect what the caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.AudioChunk{PCM: pcm, SampleRate: 24000})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/questwhisper/questwhisper/pkg/audio"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session, if set, is returned by the next Connect call and then cleared.
	// Otherwise Connect returns a new Session created with NewSession.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// BlockConnect makes Connect wait until its context ends and return the
	// context error, simulating a handshake that never completes.
	BlockConnect bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every session handed out, in order.
	Sessions []*Session
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Connect records the call and returns Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.BlockConnect
	err := p.ConnectErr
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sess := p.Session
	p.Session = nil
	if sess == nil {
		sess = NewSession()
	}
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// LastSession returns the most recent session handed out, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	events    chan live.Event
	closeOnce sync.Once
	closed    bool
	handler   live.ToolCallHandler

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// EndAudioStreamErr, if non-nil, is returned by every EndAudioStream call.
	EndAudioStreamErr error

	// BlockClose, if non-nil, makes Close wait until it is closed, simulating
	// a slow remote teardown.
	BlockClose chan struct{}

	// SentChunks records every chunk passed to SendAudio, in order.
	SentChunks []audio.EncodedChunk

	// EndAudioStreamCalls is the number of EndAudioStream calls.
	EndAudioStreamCalls int

	// CloseCalls is the number of Close calls.
	CloseCalls int
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 256)}
}

// Emit queues ev for delivery on Events. It is a no-op after Close.
func (s *Session) Emit(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Drop simulates the remote side closing the connection: it emits an
// ErrorEvent wrapping live.ErrUnexpectedClose and closes the event channel.
func (s *Session) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- live.ErrorEvent{Err: fmt.Errorf("mock: %w", live.ErrUnexpectedClose)}
	s.closed = true
	s.closeOnce.Do(func() { close(s.events) })
}

// CallToolHandler invokes the registered tool handler as the remote side
// would. Returns an error if none is registered.
func (s *Session) CallToolHandler(name, args string) (string, error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return "", fmt.Errorf("mock: no tool handler registered")
	}
	return h(name, args)
}

// Chunks returns a copy of the chunks sent so far. Thread-safe.
func (s *Session) Chunks() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedChunk(nil), s.SentChunks...)
}

// EndStreamCount returns the number of EndAudioStream calls. Thread-safe.
func (s *Session) EndStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EndAudioStreamCalls
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls > 0
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(_ context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.SentChunks = append(s.SentChunks, chunk)
	return nil
}

// EndAudioStream records the call and returns EndAudioStreamErr.
func (s *Session) EndAudioStream(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndAudioStreamCalls++
	if s.closed {
		return live.ErrSessionClosed
	}
	return s.EndAudioStreamErr
}

// Events returns the scripted event channel.
func (s *Session) Events() <-chan live.Event { return s.events }

// OnToolCall records the handler.
func (s *Session) OnToolCall(handler live.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Close records the call and closes the event channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	block := s.BlockClose
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.closed = true
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
