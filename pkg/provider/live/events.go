package live

import "fmt"

// EventKind identifies an [Event] variant.
type EventKind int

const (
	KindAudioChunk EventKind = iota + 1
	KindTurnComplete
	KindInterrupted
	KindToolCallCancellation
	KindUsageMetadata
	KindError
)

// String returns the wire-independent name of the kind.
func (k EventKind) String() string {
	switch k {
	case KindAudioChunk:
		return "audio_chunk"
	case KindTurnComplete:
		return "turn_complete"
	case KindInterrupted:
		return "interrupted"
	case KindToolCallCancellation:
		return "tool_call_cancellation"
	case KindUsageMetadata:
		return "usage_metadata"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a server event received from a [Session]. The set of
// implementations is closed: only the types in this file satisfy it.
type Event interface {
	Kind() EventKind
	event()
}

// AudioChunk carries a piece of synthesised speech.
type AudioChunk struct {
	// PCM is little-endian signed 16-bit mono audio.
	PCM []byte

	// SampleRate of PCM in Hz, 24000 for current models.
	SampleRate int
}

// TurnComplete marks the end of the model's turn.
type TurnComplete struct{}

// Interrupted reports that the remote side detected user speech and
// abandoned the current response. Audio already received for the turn is
// stale.
type Interrupted struct{}

// ToolCallCancellation reports that previously issued tool calls are no
// longer needed.
type ToolCallCancellation struct {
	IDs []string
}

// UsageMetadata reports token accounting for the session so far.
type UsageMetadata struct {
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
}

// ErrorEvent ends the session. Err is a [*RemoteError] when the remote side
// reported the failure, or wraps [ErrUnexpectedClose] when the connection
// dropped.
type ErrorEvent struct {
	Err error
}

func (AudioChunk) Kind() EventKind           { return KindAudioChunk }
func (TurnComplete) Kind() EventKind         { return KindTurnComplete }
func (Interrupted) Kind() EventKind          { return KindInterrupted }
func (ToolCallCancellation) Kind() EventKind { return KindToolCallCancellation }
func (UsageMetadata) Kind() EventKind        { return KindUsageMetadata }
func (ErrorEvent) Kind() EventKind           { return KindError }

func (AudioChunk) event()           {}
func (TurnComplete) event()         {}
func (Interrupted) event()          {}
func (ToolCallCancellation) event() {}
func (UsageMetadata) event()        {}
func (ErrorEvent) event()           {}
