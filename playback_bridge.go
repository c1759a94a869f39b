package voicebridge

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"
)

// maxSeenSessions bounds the session dedup set. When it fills, the oldest
// half is evicted so long-running processes never grow without bound.
const maxSeenSessions = 100

// inboundChunk is one undecoded playback payload queued for the worker.
type inboundChunk struct {
	data any
	meta map[string]string
}

// PlaybackBridge receives synthesized audio chunks from upstream, decodes
// them, and queues them on the shared ring for the speaker consumer. Every
// chunk is acked with audio_complete so the upstream node can pace itself,
// and the ring fill percentage goes out as buffer_status for backpressure.
type PlaybackBridge struct {
	nodeID string
	cfg    Config
	pub    Publisher
	shared *SharedState
	log    *slog.Logger

	state    atomic.Int32
	chunkCh  chan inboundChunk
	statusCh chan float64
	stopCh   chan struct{}
	doneCh   chan struct{}

	metrics bridgeMetrics
}

// NewPlaybackBridge builds an unconnected playback bridge. shared must be
// non-nil; its Audio ring is where decoded chunks land.
func NewPlaybackBridge(nodeID string, cfg Config, pub Publisher, shared *SharedState, logger *slog.Logger) (*PlaybackBridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if shared == nil {
		return nil, fmt.Errorf("playback bridge: shared state required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaybackBridge{
		nodeID:   nodeID,
		cfg:      cfg,
		pub:      pub,
		shared:   shared,
		log:      logger.With("node", nodeID),
		chunkCh:  make(chan inboundChunk, 64),
		statusCh: make(chan float64, 16),
	}, nil
}

// State returns the current lifecycle state.
func (b *PlaybackBridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

// Metrics returns a snapshot of the bridge's counters.
func (b *PlaybackBridge) Metrics() MetricsSnapshot { return b.metrics.snapshot() }

// HandleChunk enqueues one upstream payload for decoding. It never blocks;
// when the worker lags it fails with ErrChannelFull and the chunk is lost
// (the upstream retries on a missing ack).
func (b *PlaybackBridge) HandleChunk(data any, meta map[string]string) error {
	if b.State() != Connected {
		return ErrNotConnected
	}
	select {
	case b.chunkCh <- inboundChunk{data: data, meta: meta}:
		return nil
	default:
		return ErrChannelFull
	}
}

// SendBufferStatus reports the playback consumer's buffer fill percentage;
// the worker forwards it upstream as the buffer_status output.
func (b *PlaybackBridge) SendBufferStatus(fillPct float64) error {
	if b.State() != Connected {
		return ErrNotConnected
	}
	select {
	case b.statusCh <- fillPct:
		return nil
	default:
		return ErrChannelFull
	}
}

// Connect spawns the worker, joining any previous one first.
func (b *PlaybackBridge) Connect() error {
	if b.State() == Connected {
		return ErrAlreadyConnected
	}

	if b.doneCh != nil {
		if b.stopCh != nil {
			select {
			case <-b.stopCh:
			default:
				close(b.stopCh)
			}
		}
		<-b.doneCh
		b.doneCh = nil
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
			b.log.Info("playback bridge connected")
			return nil
		case StateError:
			return ErrConnectFailed
		case Connecting:
			time.Sleep(connectPollInterval)
		default:
			return ErrConnectFailed
		}
	}
	return ErrConnectTimeout
}

// Disconnect signals the worker to stop and joins it.
func (b *PlaybackBridge) Disconnect() error {
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

func (b *PlaybackBridge) runWorker(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if b.pub == nil {
		b.log.Error("pipeline init failed", "error", "no publisher")
		b.shared.SetError("playback: no publisher")
		b.state.Store(int32(StateError))
		return
	}

	b.state.Store(int32(Connected))
	b.shared.AddBridge(b.nodeID)

	seen := make(map[string]struct{})
	var seenOrder []string

loop:
	for {
		select {
		case <-stop:
			break loop
		case fill := <-b.statusCh:
			_ = b.pub.Publish(Output{ID: OutputBufferStatus, Data: fill})
		case in := <-b.chunkCh:
			b.handle(in, seen, &seenOrder)
		}
	}

	b.state.Store(int32(Disconnected))
	b.shared.RemoveBridge(b.nodeID)
	b.log.Info("playback bridge worker ended")
}

// handle decodes one chunk, queues it, and acks it. The ack goes out even
// when decoding fails so the upstream sender never stalls waiting.
func (b *PlaybackBridge) handle(in inboundChunk, seen map[string]struct{}, seenOrder *[]string) {
	b.metrics.chunks.Add(1)

	questionID := in.meta[MetaQuestionID]
	defer func() {
		b.metrics.acks.Add(1)
		ack := Output{ID: OutputAudioComplete, Data: nowUnixSeconds(), Meta: map[string]string{}}
		if questionID != "" {
			ack.Meta[MetaQuestionID] = questionID
		}
		if p := in.meta[MetaParticipant]; p != "" {
			ack.Meta[MetaParticipant] = p
		}
		if s := in.meta[MetaSessionStatus]; s != "" {
			ack.Meta[MetaSessionStatus] = s
		}
		_ = b.pub.Publish(ack)
	}()

	samples, err := decodeSamples(in.data)
	if err != nil {
		b.metrics.decodeErrors.Add(1)
		b.log.Warn("chunk decode failed", "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	// First chunk of a new session announces it downstream, once.
	if questionID != "" {
		if _, ok := seen[questionID]; !ok {
			if len(seen) >= maxSeenSessions {
				evict := len(*seenOrder) / 2
				for _, id := range (*seenOrder)[:evict] {
					delete(seen, id)
				}
				*seenOrder = (*seenOrder)[evict:]
			}
			seen[questionID] = struct{}{}
			*seenOrder = append(*seenOrder, questionID)
			start := Output{
				ID:   OutputSessionStart,
				Data: nowUnixSeconds(),
				Meta: map[string]string{
					MetaQuestionID:    questionID,
					MetaSessionStatus: "started",
					MetaSource:        b.nodeID,
				},
			}
			if p := in.meta[MetaParticipant]; p != "" {
				start.Meta[MetaParticipant] = p
			}
			_ = b.pub.Publish(start)
			publishLog(b.pub, b.nodeID, "INFO", fmt.Sprintf("playback session started, question_id=%s", questionID))
		}
	}

	sampleRate := SampleRate
	if v := in.meta[MetaSampleRate]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sampleRate = n
		}
	}

	b.shared.Audio.Push(AudioChunk{
		Samples:     samples,
		SampleRate:  sampleRate,
		Participant: in.meta[MetaParticipant],
		QuestionID:  questionID,
	})
}

// decodeSamples converts an upstream payload into mono float32 samples.
// Flat slices of float32, float64, and int16 are accepted, plus one level
// of nesting for senders that batch frames.
func decodeSamples(data any) ([]float32, error) {
	switch v := data.(type) {
	case []float32:
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	case []float64:
		out := make([]float32, len(v))
		for i, s := range v {
			out[i] = float32(s)
		}
		return out, nil
	case []int16:
		return int16ToFloat32(v), nil
	case [][]float32:
		var out []float32
		for _, inner := range v {
			out = append(out, inner...)
		}
		return out, nil
	case [][]float64:
		var out []float32
		for _, inner := range v {
			for _, s := range inner {
				out = append(out, float32(s))
			}
		}
		return out, nil
	case [][]int16:
		var out []float32
		for _, inner := range v {
			out = append(out, int16ToFloat32(inner)...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedEncoding, data)
	}
}
