package relay

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/questwhisper/questwhisper/internal/voice"
)

// Client → server control message types.
const (
	msgDevice     = "device"
	msgDeviceLost = "device_lost"
	msgConnect    = "connect"
	msgStart      = "start"
	msgStop       = "stop"
	msgClose      = "close"
)

// Server → client message types.
const (
	msgStatus = "status"
	msgCut    = "cut"
	msgError  = "error"
)

// errMisalignedFrame is returned for binary frames whose length is not a
// multiple of four bytes.
var errMisalignedFrame = errors.New("relay: frame length is not a multiple of 4")

// controlMessage is a text message sent by the browser.
type controlMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// statusMessage mirrors [voice.Status] on the wire.
type statusMessage struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id"`
	Connection string  `json:"connection"`
	Listening  bool    `json:"listening"`
	Level      float64 `json:"level"`
	Speaking   bool    `json:"speaking"`
	Error      string  `json:"error,omitempty"`
}

func newStatusMessage(id string, s voice.Status) statusMessage {
	return statusMessage{
		Type:       msgStatus,
		SessionID:  id,
		Connection: s.Connection,
		Listening:  s.Listening,
		Level:      math.Round(s.Level*1000) / 1000,
		Speaking:   s.Speaking,
		Error:      s.Error,
	}
}

// noticeMessage carries a cut signal or a rejected command.
type noticeMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Message string `json:"message,omitempty"`
}

// decodeFloat32LE decodes little-endian IEEE-754 samples, the audio-worklet
// wire format.
func decodeFloat32LE(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errMisalignedFrame
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
