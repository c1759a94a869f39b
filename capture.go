package voicebridge

import (
	"math"
	"time"
)

// Frame is one burst of captured PCM read in a single poll, paired with the
// backend's voice-activity judgment for that burst.
type Frame struct {
	Samples     []int16
	VoiceActive bool
}

// CaptureSource is the capability set shared by both capture backends.
// Exactly one source is active at a time; the input bridge worker owns the
// active source exclusively.
type CaptureSource interface {
	// Start begins capturing. Idempotent while already capturing.
	Start() error
	// Stop ends capturing and discards buffered audio. Idempotent.
	Stop()
	// ReadFrame returns the next available frame, or ok=false when no
	// audio is buffered or the source is stopped.
	ReadFrame() (frame Frame, ok bool)
}

// probeReads polls src.ReadFrame up to attempts times with a fixed backoff,
// reporting whether any read produced audio. Used to confirm that an
// asynchronously-initializing backend actually came up.
func probeReads(src CaptureSource, attempts int, backoff time.Duration) bool {
	for i := 0; i < attempts; i++ {
		if _, ok := src.ReadFrame(); ok {
			return true
		}
		time.Sleep(backoff)
	}
	return false
}

// int16ToFloat32 converts raw PCM to normalized floats in [-1, 1).
func int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// float32ToInt16 converts normalized floats to raw PCM with clamping.
func float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32767.0
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// rmsFloat32 is the root-mean-square energy of normalized samples, used for
// the mic level meter.
func rmsFloat32(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// rmsInt16 is the normalized RMS energy of raw PCM, used as the crude
// voice-activity signal in the mic fallback backend.
func rmsInt16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}
