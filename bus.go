package voicebridge

import (
	"encoding/json"
	"time"
)

// Output ids published by the two bridges. The surrounding dataflow runtime
// routes them to downstream nodes by id.
const (
	// Input bridge outputs.
	OutputAudio         = "audio"         // continuous float stream, unsegmented
	OutputAudioSegment  = "audio_segment" // VAD-cut utterance
	OutputSpeechStarted = "speech_started"
	OutputSpeechEnded   = "speech_ended"
	OutputIsSpeaking    = "is_speaking"
	OutputQuestionEnded = "question_ended"
	OutputStatus        = "status" // "recording" / "stopped"
	OutputLog           = "log"

	// Playback bridge outputs.
	OutputBufferStatus  = "buffer_status"
	OutputSessionStart  = "session_start"
	OutputAudioComplete = "audio_complete"
)

// Metadata keys attached to outputs.
const (
	MetaQuestionID    = "question_id"
	MetaSampleRate    = "sample_rate"
	MetaParticipant   = "participant"
	MetaSource        = "source"
	MetaSessionStatus = "session_status"
)

// Output is one message on a named dataflow output.
type Output struct {
	ID   string
	Data any
	Meta map[string]string
}

// Publisher delivers bridge outputs to the dataflow runtime. Publish is
// called from the bridge worker goroutine; implementations must not block
// indefinitely.
type Publisher interface {
	Publish(out Output) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(out Output) error

func (f PublisherFunc) Publish(out Output) error { return f(out) }

// ChannelPublisher buffers outputs on a bounded channel for a consumer to
// drain. Publish never blocks; it fails with ErrChannelFull when the
// consumer lags behind.
type ChannelPublisher struct {
	ch chan Output
}

func NewChannelPublisher(capacity int) *ChannelPublisher {
	if capacity <= 0 {
		capacity = 256
	}
	return &ChannelPublisher{ch: make(chan Output, capacity)}
}

func (p *ChannelPublisher) Publish(out Output) error {
	select {
	case p.ch <- out:
		return nil
	default:
		return ErrChannelFull
	}
}

// Outputs returns the receive side for the dataflow consumer.
func (p *ChannelPublisher) Outputs() <-chan Output { return p.ch }

// logPayload is the wire form of the structured log output.
type logPayload struct {
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
	Node      string  `json:"node"`
}

// publishLog emits a structured JSON entry on the log output. Best effort;
// a full publisher drops the entry.
func publishLog(pub Publisher, node, level, message string) {
	payload, err := json.Marshal(logPayload{
		Level:     level,
		Message:   message,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Node:      node,
	})
	if err != nil {
		return
	}
	_ = pub.Publish(Output{ID: OutputLog, Data: string(payload)})
}
