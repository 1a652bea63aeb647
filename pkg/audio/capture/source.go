// Package capture turns microphone input into transport-ready audio.
//
// A [Source] yields raw [audio.Frame] values from an input device. The
// [Encoder] converts each frame to 16 kHz mono PCM16, base64-encodes it and
// measures its loudness. A [SpeakingDetector] folds the loudness stream into a
// debounced "user speaking" flag.
//
// Capture errors are local: a frame that cannot be encoded is skipped and the
// stream continues.
package capture

import (
	"context"
	"errors"

	"github.com/questwhisper/questwhisper/pkg/audio"
)

// ErrDeviceUnavailable is returned by [Source.Open] when no input device can
// be opened. It is not retryable without user action (granting permission or
// selecting a device).
var ErrDeviceUnavailable = errors.New("capture: device unavailable")

// Source is a live audio input device.
//
// Open must be called before Frames yields anything. Frames returns the
// channel for the current open period; it is closed by Close or when the
// device disappears. A Source may be reopened after Close.
type Source interface {
	// Open starts delivering frames. Returns [ErrDeviceUnavailable] if there
	// is no device to open.
	Open(ctx context.Context) error

	// Frames returns the frame channel of the current open period, or nil if
	// the source is not open.
	Frames() <-chan audio.Frame

	// Close stops delivery and closes the frame channel. Safe to call more
	// than once.
	Close() error
}
