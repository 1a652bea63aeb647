// Package live defines the Provider interface for real-time voice backends.
//
// A live provider wraps a bidirectional streaming voice endpoint: the caller
// streams microphone audio in and receives synthesised audio plus control
// events out, all over one long-lived session. Voice-activity detection,
// speech recognition and synthesis happen on the remote side.
//
// Inbound traffic is modelled as a closed set of [Event] variants delivered on
// a single channel, so consumers can switch exhaustively over them.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"

	"github.com/questwhisper/questwhisper/pkg/audio"
)

// ToolCallHandler is invoked by the session whenever the model requests a
// tool call. It receives the tool name and JSON-encoded arguments and returns
// a result string (JSON or plain text) that is sent back to the model, or an
// error that is reported to the model instead.
//
// The handler is called from the session's receive goroutine. It must not call
// blocking session methods; long-running tools should respect a deadline.
type ToolCallHandler func(name string, args string) (string, error)

// ToolDefinition declares a function the model may call.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does.
	Description string

	// Parameters is the JSON Schema describing the tool's input.
	Parameters map[string]any
}

// SessionConfig is the fixed configuration a session is opened with.
type SessionConfig struct {
	// Voice is the provider's prebuilt voice name, e.g. "Puck".
	Voice string

	// Language is a BCP-47 language code for speech input and output.
	Language string

	// Instructions is the system prompt.
	Instructions string

	// Tools are the functions offered to the model.
	Tools []ToolDefinition

	// Sensitivity tunes the remote voice-activity detector.
	Sensitivity Sensitivity
}

// Sensitivity controls how eagerly the remote side detects the start and end
// of user speech.
type Sensitivity string

const (
	SensitivityDefault Sensitivity = ""
	SensitivityLow     Sensitivity = "low"
	SensitivityHigh    Sensitivity = "high"
)

// IsValid reports whether s is a recognised sensitivity.
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivityDefault, SensitivityLow, SensitivityHigh:
		return true
	}
	return false
}

// Session is one open connection to a live voice endpoint. It is an interface
// so that test code can supply mock implementations without a network.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendAudio transmits one encoded capture chunk. Returns an error wrapping
	// [ErrSessionClosed] after Close or after the remote side went away.
	SendAudio(ctx context.Context, chunk audio.EncodedChunk) error

	// EndAudioStream signals end of input without closing the connection, so
	// the remote side can finish any in-flight response.
	EndAudioStream(ctx context.Context) error

	// Events returns the channel of inbound events. It is closed when the
	// session ends. If the connection dropped without Close being called, the
	// last event before closure is an [ErrorEvent].
	Events() <-chan Event

	// OnToolCall registers the tool-call handler. Passing nil clears it; tool
	// calls received without a handler are answered with an error.
	OnToolCall(handler ToolCallHandler)

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil. No ErrorEvent is emitted for a Close-initiated shutdown.
	Close() error
}

// Provider opens live sessions.
type Provider interface {
	// Connect opens a session. It returns only once the remote endpoint has
	// confirmed the session setup, or with an error if ctx ends first.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
