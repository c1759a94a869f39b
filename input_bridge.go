package voicebridge

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ControlKind selects the control command variant.
type ControlKind int

const (
	// StartRecording starts the currently selected capture backend.
	StartRecording ControlKind = iota
	// StopRecording stops capturing; the worker stays connected.
	StopRecording
	// SetEchoCancellation atomically switches between the native AEC
	// backend and the plain mic, per the Enabled field.
	SetEchoCancellation
)

// ControlCommand is one inbound command for the input bridge worker.
type ControlCommand struct {
	Kind    ControlKind
	Enabled bool // used by SetEchoCancellation
}

// captureBackend is a CaptureSource the worker also owns the lifetime of.
type captureBackend interface {
	CaptureSource
	Close() error
}

// burstReads bounds how many backend reads one poll drains.
const burstReads = 100

// connectPollInterval is how often Connect re-checks the worker state.
const connectPollInterval = 100 * time.Millisecond

// InputBridge captures microphone audio, segments it with the VAD state
// machine, and publishes the capture-side outputs of the dataflow node. All
// capture and segmentation runs on one worker goroutine; the caller talks
// to it through Send and observes it through SharedState.
type InputBridge struct {
	nodeID string
	cfg    Config
	pub    Publisher
	shared *SharedState
	log    *slog.Logger

	state       atomic.Int32
	controlCh   chan ControlCommand
	stopCh      chan struct{}
	doneCh      chan struct{}
	isRecording atomic.Bool
	aecEnabled  atomic.Bool

	metrics bridgeMetrics

	// Backend constructors, swappable in tests.
	newAECBackend func() (captureBackend, error)
	newMicBackend func() (captureBackend, error)
}

// NewInputBridge validates cfg and builds an unconnected bridge. shared may
// be nil when no UI observes the bridge.
func NewInputBridge(nodeID string, cfg Config, pub Publisher, shared *SharedState, logger *slog.Logger) (*InputBridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node", nodeID)

	b := &InputBridge{
		nodeID:    nodeID,
		cfg:       cfg,
		pub:       pub,
		shared:    shared,
		log:       logger,
		controlCh: make(chan ControlCommand, 10),
	}
	b.newAECBackend = func() (captureBackend, error) {
		if !aecSupported() {
			return nil, ErrNativeUnavailable
		}
		path := resolveAECLibrary(cfg.AECLibraryPath, candidateBaseDirs())
		if path == "" {
			return nil, fmt.Errorf("%w: library not found", ErrNativeUnavailable)
		}
		return newAECCapture(path, cfg, logger)
	}
	b.newMicBackend = func() (captureBackend, error) {
		var detector speechDetector
		if cfg.SileroModelPath != "" {
			d, err := newSileroDetector(cfg.SileroModelPath, cfg.SileroThreshold)
			if err != nil {
				logger.Warn("silero VAD unavailable, using energy threshold", "error", err)
			} else {
				detector = d
			}
		}
		if detector == nil {
			detector = &rmsDetector{threshold: cfg.VADRMSThreshold}
		}
		return newMicCapture(detector, cfg.VADRMSThreshold, logger)
	}
	return b, nil
}

// sourceBackend adapts a plain CaptureSource to the worker-owned backend.
type sourceBackend struct{ CaptureSource }

func (s sourceBackend) Close() error {
	if c, ok := s.CaptureSource.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// UseCaptureSource replaces the default microphone backend with src, for
// offline replay of recorded audio. Must be called before Connect.
func (b *InputBridge) UseCaptureSource(src CaptureSource) {
	b.newMicBackend = func() (captureBackend, error) {
		return sourceBackend{src}, nil
	}
}

// State returns the current lifecycle state.
func (b *InputBridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

// IsRecording reports whether the worker is actively capturing.
func (b *InputBridge) IsRecording() bool { return b.isRecording.Load() }

// AECEnabled reports whether echo cancellation was last requested on.
func (b *InputBridge) AECEnabled() bool { return b.aecEnabled.Load() }

// Metrics returns a snapshot of the bridge's counters.
func (b *InputBridge) Metrics() MetricsSnapshot { return b.metrics.snapshot() }

// Send enqueues a control command for the worker. It fails with
// ErrChannelFull rather than blocking when the worker is not keeping up.
func (b *InputBridge) Send(cmd ControlCommand) error {
	select {
	case b.controlCh <- cmd:
		return nil
	default:
		return ErrChannelFull
	}
}

// Connect spawns the worker and waits for it to come up. Any worker from a
// previous connect cycle is stopped and joined first, so exactly one worker
// and one downstream registration exist at a time.
func (b *InputBridge) Connect() error {
	if b.State() == Connected {
		return ErrAlreadyConnected
	}

	if b.doneCh != nil {
		b.log.Info("waiting for previous worker to finish")
		if b.stopCh != nil {
			select {
			case <-b.stopCh:
			default:
				close(b.stopCh)
			}
		}
		<-b.doneCh
		b.doneCh = nil
		// Give the runtime a moment to clean up the old registration.
		time.Sleep(b.cfg.WorkerSettle)
	}

	b.state.Store(int32(Connecting))
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.runWorker(b.stopCh, b.doneCh)

	deadline := time.Now().Add(b.cfg.ConnectTimeout)
	for time.Now().Before(deadline) {
		switch b.State() {
		case Connected:
			b.log.Info("input bridge connected")
			return nil
		case StateError:
			return ErrConnectFailed
		case Connecting:
			time.Sleep(connectPollInterval)
		default:
			// Worker exited without reaching Connected.
			return ErrConnectFailed
		}
	}
	return ErrConnectTimeout
}

// Disconnect signals the worker to stop and joins it.
func (b *InputBridge) Disconnect() error {
	if b.doneCh != nil {
		b.state.Store(int32(Disconnecting))
	}
	if b.stopCh != nil {
		select {
		case <-b.stopCh:
		default:
			close(b.stopCh)
		}
	}
	if b.doneCh != nil {
		<-b.doneCh
		b.doneCh = nil
	}
	b.state.Store(int32(Disconnected))
	return nil
}

// runWorker is the poll loop. It owns both capture backends exclusively and
// never exits on a per-tick error, only on the stop signal or a failed
// bring-up.
func (b *InputBridge) runWorker(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	fail := func(msg string, err error) {
		b.log.Error(msg, "error", err)
		if b.shared != nil {
			b.shared.SetError(fmt.Sprintf("%s: %v", msg, err))
		}
		b.state.Store(int32(StateError))
	}

	if b.pub == nil {
		fail("pipeline init failed", fmt.Errorf("no publisher"))
		return
	}

	// Native AEC backend is optional; the mic fallback is required.
	var aec captureBackend
	if backend, err := b.newAECBackend(); err != nil {
		b.log.Warn("AEC capture unavailable, mic only", "error", err)
	} else {
		aec = backend
	}
	mic, err := b.newMicBackend()
	if err != nil {
		if aec != nil {
			_ = aec.Close()
		}
		fail("mic capture init failed", err)
		return
	}
	defer func() {
		if aec != nil {
			aec.Stop()
			_ = aec.Close()
		}
		mic.Stop()
		_ = mic.Close()
	}()

	aecAvailable := aec != nil
	if !aecAvailable {
		b.aecEnabled.Store(false)
	}

	var dumper *segmentDumper
	if b.cfg.SegmentDumpDir != "" {
		if dumper, err = newSegmentDumper(b.cfg.SegmentDumpDir); err != nil {
			b.log.Warn("segment dump disabled", "error", err)
			dumper = nil
		}
	}

	b.state.Store(int32(Connected))
	if b.shared != nil {
		b.shared.AddBridge(b.nodeID)
		b.shared.SetError("")
	}

	endpointer := NewEndpointer(b.cfg, b.log)
	seg := newSegmenter(b.cfg, endpointer, b.log)

	publishLog(b.pub, b.nodeID, "INFO", fmt.Sprintf(
		"config: speech_end_frames=%d question_end_silence_ms=%.0f aec_available=%v",
		b.cfg.SpeechEndFrames, b.cfg.QuestionEndSilenceMs, aecAvailable))
	publishLog(b.pub, b.nodeID, "INFO", fmt.Sprintf(
		"silence detection: speech_end=%dms (%d frames) + question_end=%.0fms",
		b.cfg.SpeechEndFrames*10, b.cfg.SpeechEndFrames, b.cfg.QuestionEndSilenceMs))

	usingAEC := b.aecEnabled.Load() && aecAvailable
	active := func() captureBackend {
		if usingAEC {
			return aec
		}
		return mic
	}

	// Recording starts as soon as the node is up.
	recordingActive := false
	startCapture := func() {
		if err := active().Start(); err != nil {
			b.log.Error("capture start failed", "error", err)
		}
		recordingActive = true
		b.isRecording.Store(true)
		if b.shared != nil {
			b.shared.SetRecording(true)
		}
		_ = b.pub.Publish(Output{ID: OutputStatus, Data: "recording"})
		if usingAEC {
			publishLog(b.pub, b.nodeID, "INFO", "recording started with AEC")
		} else {
			publishLog(b.pub, b.nodeID, "INFO", "recording started without AEC")
		}
	}
	stopCapture := func() {
		// Stop both; the inactive one is a no-op.
		if aec != nil {
			aec.Stop()
		}
		mic.Stop()
		recordingActive = false
		b.isRecording.Store(false)
		if b.shared != nil {
			b.shared.SetRecording(false)
		}
		_ = b.pub.Publish(Output{ID: OutputStatus, Data: "stopped"})
		publishLog(b.pub, b.nodeID, "INFO", "recording stopped")
	}

	startCapture()
	if b.shared != nil {
		b.shared.SetAECEnabled(usingAEC)
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
		}

		// Drain pending control commands.
	control:
		for {
			select {
			case cmd := <-b.controlCh:
				switch cmd.Kind {
				case StartRecording:
					if !recordingActive {
						startCapture()
					}
				case StopRecording:
					if recordingActive {
						stopCapture()
					}
				case SetEchoCancellation:
					newUsing := cmd.Enabled && aecAvailable
					if newUsing != usingAEC {
						// Atomic switch: stop current, flip, start new.
						if recordingActive {
							active().Stop()
						}
						usingAEC = newUsing
						if recordingActive {
							if err := active().Start(); err != nil {
								b.log.Error("capture start failed after switch", "error", err)
							}
							if usingAEC {
								publishLog(b.pub, b.nodeID, "INFO", "switched to AEC capture")
							} else {
								publishLog(b.pub, b.nodeID, "INFO", "switched to plain mic capture")
							}
						}
					}
					b.aecEnabled.Store(cmd.Enabled)
					if b.shared != nil {
						b.shared.SetAECEnabled(usingAEC)
					}
					b.log.Info("echo cancellation set", "enabled", cmd.Enabled, "usingAEC", usingAEC)
				}
			default:
				break control
			}
		}

		if !recordingActive {
			continue
		}
		b.metrics.polls.Add(1)

		// The turn-boundary timer runs every poll, audio or not.
		if ended, endedID := seg.checkTurnBoundary(); ended {
			b.metrics.turnsEnded.Add(1)
			_ = b.pub.Publish(Output{
				ID:   OutputQuestionEnded,
				Data: nowUnixSeconds(),
				Meta: map[string]string{MetaQuestionID: formatQuestionID(endedID)},
			})
			publishLog(b.pub, b.nodeID, "INFO", fmt.Sprintf(
				"question_ended sent, question_id=%d next=%d", endedID, seg.questionID()))
		}

		// Bounded burst drain from the active backend.
		var allAudio []float32
		voiceActive := false
		frameCount := 0
		src := active()
		for i := 0; i < burstReads; i++ {
			frame, ok := src.ReadFrame()
			if !ok {
				break
			}
			allAudio = append(allAudio, int16ToFloat32(frame.Samples)...)
			if frame.VoiceActive {
				voiceActive = true
			}
			frameCount++
		}
		if len(allAudio) == 0 {
			continue
		}
		b.metrics.frames.Add(uint64(frameCount))
		b.metrics.samples.Add(uint64(len(allAudio)))

		if b.shared != nil {
			b.shared.SetMicLevel(rmsFloat32(allAudio))
		}

		// Continuous feed, independent of VAD.
		_ = b.pub.Publish(Output{ID: OutputAudio, Data: allAudio})

		res := seg.process(allAudio, voiceActive, frameCount)
		if res.SpeechStarted || res.SpeechEnded {
			if b.shared != nil {
				b.shared.SetSpeaking(seg.speaking())
			}
		}
		if res.SpeechStarted {
			_ = b.pub.Publish(Output{ID: OutputSpeechStarted, Data: nowUnixSeconds()})
			_ = b.pub.Publish(Output{ID: OutputIsSpeaking, Data: true})
			publishLog(b.pub, b.nodeID, "INFO", fmt.Sprintf("speech started, question_id=%d", res.QuestionID))
		}
		if res.SpeechEnded {
			_ = b.pub.Publish(Output{ID: OutputSpeechEnded, Data: nowUnixSeconds()})
			_ = b.pub.Publish(Output{ID: OutputIsSpeaking, Data: false})
			publishLog(b.pub, b.nodeID, "INFO", fmt.Sprintf("speech ended, question_id=%d", res.QuestionID))
		}
		if res.Segment != nil {
			b.metrics.segments.Add(1)
			_ = b.pub.Publish(Output{
				ID:   OutputAudioSegment,
				Data: res.Segment,
				Meta: map[string]string{
					MetaQuestionID: formatQuestionID(res.QuestionID),
					MetaSampleRate: fmt.Sprintf("%d", SampleRate),
				},
			})
			publishLog(b.pub, b.nodeID, "INFO", fmt.Sprintf(
				"audio_segment sent, question_id=%d samples=%d", res.QuestionID, len(res.Segment)))
			if dumper != nil {
				if path, err := dumper.dump(res.Segment); err != nil {
					b.log.Warn("segment dump failed", "error", err)
				} else {
					b.log.Debug("segment dumped", "path", path)
				}
			}
		}
	}

	stopCapture()
	b.state.Store(int32(Disconnected))
	if b.shared != nil {
		b.shared.RemoveBridge(b.nodeID)
	}
	b.log.Info("input bridge worker ended")
}

func nowUnixSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func formatQuestionID(id uint32) string {
	return fmt.Sprintf("%d", id)
}
