package voicebridge

import (
	"math"
	"sync"
	"sync/atomic"
)

// BridgeState is the lifecycle state of a bridge worker.
//
//	Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected
//	                    |                          |
//	                  StateError <-----------------+
type BridgeState int32

const (
	Disconnected BridgeState = iota
	Connecting
	Connected
	Disconnecting
	StateError
)

func (s BridgeState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// AudioChunk is one decoded burst of playback audio.
type AudioChunk struct {
	Samples     []float32
	SampleRate  int
	Participant string
	QuestionID  string
}

// SharedState is the cross-goroutine telemetry block. Bridge workers write
// it; the UI goroutine only reads. Writes never block on UI activity.
type SharedState struct {
	micLevelBits atomic.Uint32
	recording    atomic.Bool
	aecEnabled   atomic.Bool
	speaking     atomic.Bool

	mu        sync.RWMutex
	lastError string
	bridges   map[string]struct{}

	// Audio is the decoded playback ring, appended to by the playback
	// bridge worker and drained by the playback consumer.
	Audio *AudioRing
}

func NewSharedState() *SharedState {
	return &SharedState{
		bridges: make(map[string]struct{}),
		Audio:   NewAudioRing(defaultRingCapacity),
	}
}

func (s *SharedState) SetMicLevel(level float32) {
	s.micLevelBits.Store(math.Float32bits(level))
}

func (s *SharedState) MicLevel() float32 {
	return math.Float32frombits(s.micLevelBits.Load())
}

func (s *SharedState) SetRecording(v bool) { s.recording.Store(v) }
func (s *SharedState) Recording() bool     { return s.recording.Load() }

func (s *SharedState) SetAECEnabled(v bool) { s.aecEnabled.Store(v) }
func (s *SharedState) AECEnabled() bool     { return s.aecEnabled.Load() }

func (s *SharedState) SetSpeaking(v bool) { s.speaking.Store(v) }
func (s *SharedState) Speaking() bool     { return s.speaking.Load() }

// SetError records the last bridge error; empty clears it.
func (s *SharedState) SetError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *SharedState) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

func (s *SharedState) AddBridge(node string) {
	s.mu.Lock()
	s.bridges[node] = struct{}{}
	s.mu.Unlock()
}

func (s *SharedState) RemoveBridge(node string) {
	s.mu.Lock()
	delete(s.bridges, node)
	s.mu.Unlock()
}

// ActiveBridges returns the registered bridge node ids.
func (s *SharedState) ActiveBridges() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bridges))
	for b := range s.bridges {
		out = append(out, b)
	}
	return out
}

// defaultRingCapacity is ~10s of 32kHz synthesis audio.
const defaultRingCapacity = 320000

// AudioRing queues decoded playback chunks. Pushes are monotonic: a full
// ring keeps accepting so that no utterance is overwritten mid-stream; the
// capacity only anchors the fill percentage used for backpressure.
type AudioRing struct {
	mu       sync.Mutex
	chunks   []AudioChunk
	queued   int // total queued samples
	capacity int
}

func NewAudioRing(capacitySamples int) *AudioRing {
	if capacitySamples <= 0 {
		capacitySamples = defaultRingCapacity
	}
	return &AudioRing{capacity: capacitySamples}
}

func (r *AudioRing) Push(chunk AudioChunk) {
	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.queued += len(chunk.Samples)
	r.mu.Unlock()
}

// Pop removes and returns the oldest chunk.
func (r *AudioRing) Pop() (AudioChunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chunks) == 0 {
		return AudioChunk{}, false
	}
	chunk := r.chunks[0]
	r.chunks = r.chunks[1:]
	r.queued -= len(chunk.Samples)
	return chunk, true
}

// FillPercent reports queued samples against capacity, capped at 100.
func (r *AudioRing) FillPercent() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	pct := float64(r.queued) / float64(r.capacity) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Len returns the number of queued chunks.
func (r *AudioRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Clear drops all queued audio.
func (r *AudioRing) Clear() {
	r.mu.Lock()
	r.chunks = nil
	r.queued = 0
	r.mu.Unlock()
}
