package voicebridge

import (
	"log/slog"
	"math"
	"sort"
	"time"
)

// Endpointer adapts the end-of-turn silence threshold to the speaker's own
// pacing. It records the silence gap preceding each speech start and treats
// a gap well above the recent percentile as a sentence boundary, so a fast
// talker gets a tight threshold and a deliberate one is not cut off.
//
// Example: gaps [120 150 180 200 130 160 140 1500 170 190], P85 of the
// sorted list is 200ms; threshold = clamp(200*1.5, 100, 3000) = 300ms. The
// 1500ms outlier was a real sentence boundary and exceeds it.
//
// Not safe for concurrent use; owned by the input bridge worker.
type Endpointer struct {
	enabled     bool
	gapHistory  []float64
	windowSize  int
	percentile  float64
	margin      float64
	minMs       float64
	maxMs       float64
	lastEnd     time.Time
	haveLastEnd bool

	lastLoggedMs float64
	now          func() time.Time
	log          *slog.Logger
}

// minGapSamples is the number of recorded gaps required before the adaptive
// threshold replaces the fixed fallback.
const minGapSamples = 5

// thresholdLogShiftMs suppresses threshold logging for shifts smaller than
// this, so a stable speaker does not spam the log every poll.
const thresholdLogShiftMs = 150

// NewEndpointer builds an endpointer from the adaptive settings in cfg.
func NewEndpointer(cfg Config, logger *slog.Logger) *Endpointer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AdaptiveEndpoint {
		logger.Info("adaptive endpointer enabled",
			"window", cfg.AdaptiveWindowSize,
			"percentile", cfg.AdaptivePercentile,
			"margin", cfg.AdaptiveMargin,
			"minMs", cfg.AdaptiveMinMs,
			"maxMs", cfg.AdaptiveMaxMs,
		)
	}
	return &Endpointer{
		enabled:    cfg.AdaptiveEndpoint,
		gapHistory: make([]float64, 0, cfg.AdaptiveWindowSize+1),
		windowSize: cfg.AdaptiveWindowSize,
		percentile: cfg.AdaptivePercentile,
		margin:     cfg.AdaptiveMargin,
		minMs:      cfg.AdaptiveMinMs,
		maxMs:      cfg.AdaptiveMaxMs,
		now:        time.Now,
		log:        logger,
	}
}

// RecordSpeechStart records the silence gap since the last speech end. The
// oldest gap is evicted once the window is full. No-op while disabled or
// before the first speech end.
func (e *Endpointer) RecordSpeechStart() {
	if !e.enabled || !e.haveLastEnd {
		return
	}
	gapMs := float64(e.now().Sub(e.lastEnd)) / float64(time.Millisecond)
	e.gapHistory = append(e.gapHistory, gapMs)
	if len(e.gapHistory) > e.windowSize {
		e.gapHistory = e.gapHistory[1:]
	}
}

// RecordSpeechEnd stores the current timestamp as the last speech end.
func (e *Endpointer) RecordSpeechEnd() {
	e.lastEnd = e.now()
	e.haveLastEnd = true
}

// CurrentThresholdMs returns the adaptive end-of-turn silence threshold, or
// fallback unchanged while disabled or with fewer than five recorded gaps.
func (e *Endpointer) CurrentThresholdMs(fallback float64) float64 {
	if !e.enabled || len(e.gapHistory) < minGapSamples {
		return fallback
	}

	sorted := make([]float64, len(e.gapHistory))
	copy(sorted, e.gapHistory)
	sort.Float64s(sorted)

	// Gaps from normal intra-sentence pauses cluster below the percentile
	// value; a gap exceeding percentile*margin is a sentence boundary.
	idx := int(math.Round(float64(len(sorted)-1) * e.percentile))
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	pValue := sorted[idx]

	threshold := pValue * e.margin
	if threshold < e.minMs {
		threshold = e.minMs
	}
	if threshold > e.maxMs {
		threshold = e.maxMs
	}

	if math.Abs(threshold-e.lastLoggedMs) > thresholdLogShiftMs {
		e.log.Info("adaptive endpoint threshold shifted",
			"thresholdMs", threshold,
			"percentileMs", pValue,
			"medianMs", sorted[len(sorted)/2],
			"samples", len(sorted),
		)
		e.lastLoggedMs = threshold
	}

	return threshold
}
