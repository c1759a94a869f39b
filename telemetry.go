package voicebridge

import "sync/atomic"

// bridgeMetrics tracks per-bridge counters. Each bridge instance owns its
// own set; nothing here is process-global.
type bridgeMetrics struct {
	polls        atomic.Uint64
	frames       atomic.Uint64
	samples      atomic.Uint64
	segments     atomic.Uint64
	turnsEnded   atomic.Uint64
	chunks       atomic.Uint64
	acks         atomic.Uint64
	decodeErrors atomic.Uint64
}

// MetricsSnapshot is an immutable view of a bridge's counters.
type MetricsSnapshot struct {
	Polls        uint64
	Frames       uint64
	Samples      uint64
	Segments     uint64
	TurnsEnded   uint64
	Chunks       uint64
	Acks         uint64
	DecodeErrors uint64
}

func (m *bridgeMetrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Polls:        m.polls.Load(),
		Frames:       m.frames.Load(),
		Samples:      m.samples.Load(),
		Segments:     m.segments.Load(),
		TurnsEnded:   m.turnsEnded.Load(),
		Chunks:       m.chunks.Load(),
		Acks:         m.acks.Load(),
		DecodeErrors: m.decodeErrors.Load(),
	}
}
