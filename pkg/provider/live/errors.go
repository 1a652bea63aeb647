package live

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionTimeout means the remote handshake did not complete in
	// time. Retry by connecting again.
	ErrConnectionTimeout = errors.New("live: connection timeout")

	// ErrStaleSend marks a frame produced after the session left the open
	// state. Such frames are dropped.
	ErrStaleSend = errors.New("live: stale send")

	// ErrUnexpectedClose means the connection closed without a local Close.
	// This is not necessarily a failure (for example an idle timeout).
	ErrUnexpectedClose = errors.New("live: unexpected close")

	// ErrSessionActive is returned when connecting while another session is
	// still connecting, open or closing.
	ErrSessionActive = errors.New("live: session already active")

	// ErrNotOpen is returned by operations that need an open session.
	ErrNotOpen = errors.New("live: session not open")

	// ErrSessionClosed is returned by a [Session] after it was closed.
	ErrSessionClosed = errors.New("live: session closed")
)

// RemoteError is an error event reported by the remote endpoint. It is fatal
// for the session it arrived on.
type RemoteError struct {
	Code    int
	Status  string
	Message string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	switch {
	case e.Code != 0 && e.Status != "":
		return fmt.Sprintf("live: remote error %d %s: %s", e.Code, e.Status, msg)
	case e.Code != 0:
		return fmt.Sprintf("live: remote error %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("live: remote error: %s", msg)
}

// ErrorCode returns a short, stable code for err suitable for showing to end
// users and labelling metrics. Unknown errors map to "internal".
func ErrorCode(err error) string {
	var re *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionTimeout):
		return "connection_timeout"
	case errors.Is(err, ErrUnexpectedClose):
		return "unexpected_close"
	case errors.Is(err, ErrSessionActive):
		return "session_active"
	case errors.As(err, &re):
		return "remote_error"
	}
	return "internal"
}
