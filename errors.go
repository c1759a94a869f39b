package voicebridge

import "errors"

var (
	// ErrAlreadyConnected is returned by Connect on a bridge whose worker
	// is already running.
	ErrAlreadyConnected = errors.New("bridge is already connected")

	// ErrNotConnected is returned when sending to a bridge that has no
	// running worker.
	ErrNotConnected = errors.New("bridge is not connected")

	// ErrConnectTimeout is returned when the worker does not reach the
	// Connected state within the configured timeout.
	ErrConnectTimeout = errors.New("bridge connect timed out")

	// ErrConnectFailed is returned when the worker entered the Error state
	// during Connect; the underlying cause is in SharedState.LastError.
	ErrConnectFailed = errors.New("bridge failed to connect")

	// ErrChannelFull is returned when a bounded inbound channel cannot
	// accept another message without blocking.
	ErrChannelFull = errors.New("bridge channel is full")

	// ErrNativeUnavailable means the echo-cancelling capture library could
	// not be located or loaded; capture falls back to the plain mic.
	ErrNativeUnavailable = errors.New("native AEC capture unavailable")

	errUnsupportedEncoding = errors.New("unsupported audio chunk encoding")
)
