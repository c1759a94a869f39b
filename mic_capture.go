package voicebridge

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// micCapture is the plain-microphone fallback backend: mono 16 kHz capture
// through malgo with voice activity judged per poll by a speechDetector
// (energy threshold by default, Silero when a model is configured).
//
// The malgo data callback appends into buf under mu; ReadFrame drains the
// whole buffer. Start/Stop/ReadFrame are called only from the bridge worker.
type micCapture struct {
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	detector speechDetector
	// rmsThreshold backs up the detector when it errors mid-run.
	rmsThreshold float64

	mu        sync.Mutex
	buf       []int16
	recording bool

	log *slog.Logger
}

func newMicCapture(detector speechDetector, rmsThreshold float64, logger *slog.Logger) (*micCapture, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("mic capture: init context: %w", err)
	}
	return &micCapture{
		ctx:          ctx,
		detector:     detector,
		rmsThreshold: rmsThreshold,
		log:          logger,
	}, nil
}

func (m *micCapture) Start() error {
	if m.recording {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	onRecvFrames := func(_, pSample []byte, framecount uint32) {
		if framecount == 0 {
			return
		}
		samples := make([]int16, framecount)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(pSample[i*2:]))
		}
		m.mu.Lock()
		m.buf = append(m.buf, samples...)
		m.mu.Unlock()
	}

	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		return fmt.Errorf("mic capture: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("mic capture: start device: %w", err)
	}

	m.device = device
	m.recording = true
	m.log.Info("mic capture started (no echo cancellation)")
	return nil
}

func (m *micCapture) Stop() {
	if !m.recording {
		return
	}
	m.device.Uninit()
	m.device = nil
	m.recording = false

	m.mu.Lock()
	m.buf = m.buf[:0]
	m.mu.Unlock()
	m.log.Info("mic capture stopped")
}

// ReadFrame drains all buffered samples and attaches the detector's verdict.
func (m *micCapture) ReadFrame() (Frame, bool) {
	if !m.recording {
		return Frame{}, false
	}

	m.mu.Lock()
	if len(m.buf) == 0 {
		m.mu.Unlock()
		return Frame{}, false
	}
	samples := make([]int16, len(m.buf))
	copy(samples, m.buf)
	m.buf = m.buf[:0]
	m.mu.Unlock()

	active, err := m.detector.Detect(samples)
	if err != nil {
		m.log.Warn("speech detector failed, using energy threshold", "error", err)
		active = rmsInt16(samples) > m.rmsThreshold
	}
	return Frame{Samples: samples, VoiceActive: active}, true
}

func (m *micCapture) Close() error {
	m.Stop()
	err := m.detector.Close()
	_ = m.ctx.Uninit()
	m.ctx.Free()
	return err
}
