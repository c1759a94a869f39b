package voicebridge

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// SampleRate is the capture and segmentation sample rate. Both backends
	// deliver mono 16 kHz; the VAD sizes below are derived from it.
	SampleRate = 16000

	// PollInterval is the worker loop tick for both bridges.
	PollInterval = 10 * time.Millisecond
)

// Config holds all tuning settings for the input and playback bridges.
// Zero values are replaced by defaults in Validate; a Config is read once at
// construction and never re-read mid-run.
type Config struct {
	// SpeechStartFrames is the number of consecutive voice-active polls
	// required to confirm speech (default 3).
	SpeechStartFrames int
	// SpeechEndFrames is the number of silent polls that ends a segment
	// (default 10, roughly 100ms at the 10ms poll interval).
	SpeechEndFrames int
	// MinSegmentSamples gates segment emission; shorter segments are
	// discarded (default 4800 = 0.3s).
	MinSegmentSamples int
	// MaxSegmentSamples flags a segment as oversized; the cut is deferred
	// to the next silent poll (default 160000 = 10s).
	MaxSegmentSamples int
	// HardCeilingFactor multiplied by MaxSegmentSamples force-cuts a
	// segment regardless of voice activity (default 1.5).
	HardCeilingFactor float64

	// QuestionEndSilenceMs is the fixed fallback silence duration that ends
	// a turn when the adaptive endpointer has no data (default 3000).
	QuestionEndSilenceMs float64

	// Adaptive endpointer settings; see Endpointer.
	AdaptiveEndpoint   bool
	AdaptiveWindowSize int
	AdaptivePercentile float64
	AdaptiveMargin     float64
	AdaptiveMinMs      float64
	AdaptiveMaxMs      float64

	// AECLibraryPath overrides the search for the native echo-cancelling
	// capture library. Empty means search the default candidates.
	AECLibraryPath string
	// NativeInitSettle is slept after starting the native capture before
	// probing it; the library initializes asynchronously (default 500ms).
	NativeInitSettle time.Duration
	// NativeInitProbes and NativeInitProbeInterval bound the read probes
	// used to confirm native initialization (defaults 10 and 50ms).
	NativeInitProbes        int
	NativeInitProbeInterval time.Duration

	// VADRMSThreshold is the normalized RMS energy above which the mic
	// fallback backend reports voice activity (default 0.01).
	VADRMSThreshold float64
	// SileroModelPath optionally points at a Silero VAD ONNX model; when
	// set the mic backend uses it instead of the RMS threshold.
	SileroModelPath string
	// SileroThreshold is the speech probability cutoff for the Silero
	// detector (default 0.5).
	SileroThreshold float32

	// SegmentDumpDir, when set, writes every emitted segment as a numbered
	// 16-bit mono WAV file for debugging.
	SegmentDumpDir string

	// ConnectTimeout bounds Connect waiting for the worker to come up
	// (default 10s). WorkerSettle is slept after joining a previous worker
	// before spawning a new one (default 500ms).
	ConnectTimeout time.Duration
	WorkerSettle   time.Duration
}

// Validate applies defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.SpeechStartFrames == 0 {
		c.SpeechStartFrames = 3
	}
	if c.SpeechEndFrames == 0 {
		c.SpeechEndFrames = 10
	}
	if c.MinSegmentSamples == 0 {
		c.MinSegmentSamples = 4800
	}
	if c.MaxSegmentSamples == 0 {
		c.MaxSegmentSamples = 160000
	}
	if c.HardCeilingFactor == 0 {
		c.HardCeilingFactor = 1.5
	}
	if c.QuestionEndSilenceMs == 0 {
		c.QuestionEndSilenceMs = 3000
	}
	if c.AdaptiveWindowSize == 0 {
		c.AdaptiveWindowSize = 20
	}
	if c.AdaptivePercentile == 0 {
		c.AdaptivePercentile = 0.85
	}
	if c.AdaptiveMargin == 0 {
		c.AdaptiveMargin = 1.5
	}
	if c.AdaptiveMinMs == 0 {
		c.AdaptiveMinMs = 100
	}
	if c.AdaptiveMaxMs == 0 {
		c.AdaptiveMaxMs = 3000
	}
	if c.NativeInitSettle == 0 {
		c.NativeInitSettle = 500 * time.Millisecond
	}
	if c.NativeInitProbes == 0 {
		c.NativeInitProbes = 10
	}
	if c.NativeInitProbeInterval == 0 {
		c.NativeInitProbeInterval = 50 * time.Millisecond
	}
	if c.VADRMSThreshold == 0 {
		c.VADRMSThreshold = 0.01
	}
	if c.SileroThreshold == 0 {
		c.SileroThreshold = 0.5
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WorkerSettle == 0 {
		c.WorkerSettle = 500 * time.Millisecond
	}

	if c.SpeechStartFrames < 1 {
		return errors.New("config: SpeechStartFrames must be >= 1")
	}
	if c.SpeechEndFrames < 1 {
		return errors.New("config: SpeechEndFrames must be >= 1")
	}
	if c.MinSegmentSamples < 0 {
		return errors.New("config: MinSegmentSamples must be >= 0")
	}
	if c.MaxSegmentSamples <= c.MinSegmentSamples {
		return errors.New("config: MaxSegmentSamples must exceed MinSegmentSamples")
	}
	if c.HardCeilingFactor < 1 {
		return errors.New("config: HardCeilingFactor must be >= 1")
	}
	if c.AdaptivePercentile <= 0 || c.AdaptivePercentile > 1 {
		return errors.New("config: AdaptivePercentile must be in (0, 1]")
	}
	if c.AdaptiveMargin <= 0 {
		return errors.New("config: AdaptiveMargin must be > 0")
	}
	if c.AdaptiveMinMs > c.AdaptiveMaxMs {
		return errors.New("config: AdaptiveMinMs must not exceed AdaptiveMaxMs")
	}
	if c.SileroThreshold < 0 || c.SileroThreshold > 1 {
		return errors.New("config: SileroThreshold must be in [0, 1]")
	}
	return nil
}

// FromEnv builds a Config from environment-style settings. lookup may be nil
// to read the process environment; tests inject a map-backed lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := Config{AdaptiveEndpoint: true}

	if v, ok := lookup("ADAPTIVE_ENDPOINT"); ok {
		cfg.AdaptiveEndpoint = v != "false" && v != "0"
	}
	if err := overrideInt(lookup, "SPEECH_END_FRAMES", &cfg.SpeechEndFrames); err != nil {
		return Config{}, err
	}
	if err := overrideFloat(lookup, "QUESTION_END_SILENCE_MS", &cfg.QuestionEndSilenceMs); err != nil {
		return Config{}, err
	}
	if err := overrideInt(lookup, "ADAPTIVE_WINDOW_SIZE", &cfg.AdaptiveWindowSize); err != nil {
		return Config{}, err
	}
	if err := overrideFloat(lookup, "ADAPTIVE_PERCENTILE", &cfg.AdaptivePercentile); err != nil {
		return Config{}, err
	}
	if err := overrideFloat(lookup, "ADAPTIVE_MARGIN", &cfg.AdaptiveMargin); err != nil {
		return Config{}, err
	}
	if err := overrideFloat(lookup, "ADAPTIVE_MIN_MS", &cfg.AdaptiveMinMs); err != nil {
		return Config{}, err
	}
	if err := overrideFloat(lookup, "ADAPTIVE_MAX_MS", &cfg.AdaptiveMaxMs); err != nil {
		return Config{}, err
	}
	if err := overrideFloat(lookup, "VAD_RMS_THRESHOLD", &cfg.VADRMSThreshold); err != nil {
		return Config{}, err
	}
	if v, ok := lookup("AEC_LIBRARY_PATH"); ok {
		cfg.AECLibraryPath = v
	}
	if v, ok := lookup("SILERO_VAD_MODEL"); ok {
		cfg.SileroModelPath = v
	}
	if v, ok := lookup("SEGMENT_DUMP_DIR"); ok {
		cfg.SegmentDumpDir = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = n
	return nil
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float64) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = f
	return nil
}
