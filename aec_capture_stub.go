//go:build !cgo || (!darwin && !linux)

package voicebridge

import "log/slog"

func aecSupported() bool { return false }

// aecCapture is a stub on platforms without dlopen support; the input
// bridge uses the plain mic backend exclusively.
type aecCapture struct{}

func newAECCapture(path string, cfg Config, logger *slog.Logger) (*aecCapture, error) {
	return nil, ErrNativeUnavailable
}

func (a *aecCapture) Start() error { return ErrNativeUnavailable }

func (a *aecCapture) Stop() {}

func (a *aecCapture) ReadFrame() (Frame, bool) { return Frame{}, false }

func (a *aecCapture) Close() error { return nil }
