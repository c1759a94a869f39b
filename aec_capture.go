//go:build cgo && (darwin || linux)

package voicebridge

/*
#cgo linux LDFLAGS: -ldl

#include <dlfcn.h>
#include <stdbool.h>
#include <stdlib.h>

typedef void (*vb_void_fn)(void);
typedef unsigned char *(*vb_get_audio_fn)(int *, bool *);
typedef void (*vb_free_fn)(unsigned char *);

static void vb_call_void(void *fn) { ((vb_void_fn)fn)(); }

static unsigned char *vb_call_get(void *fn, int *size, bool *voice) {
	return ((vb_get_audio_fn)fn)(size, voice);
}

static void vb_call_free(void *fn, unsigned char *p) { ((vb_free_fn)fn)(p); }
*/
import "C"

import (
	"fmt"
	"log/slog"
	"time"
	"unsafe"
)

func aecSupported() bool { return true }

// aecCapture wraps the native echo-cancelling capture library, loaded at
// runtime with dlopen. The library handle owns the four entry points; they
// stay valid only while the handle is open, so the struct keeps both
// together and exposes nothing but the capture operations.
//
// The native side initializes asynchronously after startRecord returns.
// Calling stopRecord before that initialization finishes crashes inside the
// library, so Start confirms init by probing for audio before Stop is
// allowed to call into it.
type aecCapture struct {
	handle unsafe.Pointer

	startFn unsafe.Pointer
	stopFn  unsafe.Pointer
	getFn   unsafe.Pointer
	freeFn  unsafe.Pointer

	recording     bool
	initConfirmed bool

	settle        time.Duration
	probes        int
	probeInterval time.Duration

	log *slog.Logger
}

// newAECCapture loads the library at path and resolves its entry points.
// Any failure is reported as ErrNativeUnavailable; the caller falls back to
// the plain mic backend.
func newAECCapture(path string, cfg Config, logger *slog.Logger) (*aecCapture, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	handle := C.dlopen(cPath, C.RTLD_NOW)
	if handle == nil {
		return nil, fmt.Errorf("%w: dlopen %s: %s", ErrNativeUnavailable, path, C.GoString(C.dlerror()))
	}

	a := &aecCapture{
		handle:        handle,
		settle:        cfg.NativeInitSettle,
		probes:        cfg.NativeInitProbes,
		probeInterval: cfg.NativeInitProbeInterval,
		log:           logger,
	}

	for _, sym := range []struct {
		name string
		dst  *unsafe.Pointer
	}{
		{"startRecord", &a.startFn},
		{"stopRecord", &a.stopFn},
		{"getAudioData", &a.getFn},
		{"freeAudioData", &a.freeFn},
	} {
		cName := C.CString(sym.name)
		p := C.dlsym(handle, cName)
		C.free(unsafe.Pointer(cName))
		if p == nil {
			C.dlclose(handle)
			return nil, fmt.Errorf("%w: symbol %s missing in %s", ErrNativeUnavailable, sym.name, path)
		}
		*sym.dst = p
	}

	logger.Info("native AEC capture loaded", "path", path)
	return a, nil
}

func (a *aecCapture) Start() error {
	if a.recording {
		return nil
	}
	a.log.Info("starting native AEC recording")
	C.vb_call_void(a.startFn)

	// Give the async init a settle period, then verify it by reading
	// audio. Set recording first so ReadFrame is willing to poll.
	time.Sleep(a.settle)
	a.recording = true

	if probeReads(a, a.probes, a.probeInterval) {
		a.log.Info("native AEC recording started (audio confirmed)")
	} else {
		// The mic may simply be silent; proceed optimistically. The
		// native stop stays off-limits until audio confirms init.
		a.log.Warn("native AEC started but no audio observed yet")
	}
	return nil
}

func (a *aecCapture) Stop() {
	if !a.recording {
		return
	}
	if a.initConfirmed {
		C.vb_call_void(a.stopFn)
		a.log.Info("native AEC recording stopped")
	} else {
		a.log.Warn("skipping native stop, init never confirmed")
	}
	a.recording = false
}

// ReadFrame pulls one buffer from the native side. The returned native
// allocation is copied out and freed before returning.
func (a *aecCapture) ReadFrame() (Frame, bool) {
	if !a.recording {
		return Frame{}, false
	}

	var size C.int
	var voice C.bool
	data := C.vb_call_get(a.getFn, &size, &voice)
	if data == nil || size <= 0 {
		return Frame{}, false
	}

	raw := C.GoBytes(unsafe.Pointer(data), size)
	C.vb_call_free(a.freeFn, data)
	a.initConfirmed = true

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
	}
	return Frame{Samples: samples, VoiceActive: bool(voice)}, true
}

func (a *aecCapture) Close() error {
	a.Stop()
	if a.handle != nil {
		C.dlclose(a.handle)
		a.handle = nil
	}
	return nil
}
