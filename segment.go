package voicebridge

import (
	"log/slog"
	"math/rand"
	"time"
)

// newQuestionID returns a random six-digit correlation id for one turn.
func newQuestionID() uint32 {
	return uint32(rand.Intn(900000) + 100000)
}

// segmenter is the VAD segmentation state machine. It consumes one poll at a
// time (a burst of normalized samples plus the backend's voice-activity
// verdict) and cuts utterance segments. Pure logic apart from the clock; no
// capture, no outputs.
//
// States: idle -> buffering (candidate speech) -> speaking -> idle on cut.
// The turn-boundary timer runs only while idle and is driven separately via
// checkTurnBoundary.
type segmenter struct {
	cfg        Config
	endpointer *Endpointer

	isSpeaking    bool
	speechBuffer  [][]float32
	segmentBuffer []float32
	silenceCount  int
	maxExceeded   bool

	lastSpeechEnd   time.Time
	haveSpeechEnd   bool
	questionEndSent bool
	currentQuestion uint32
	hardCeiling     int

	now func() time.Time
	log *slog.Logger
}

// pollResult is returned by process on every poll.
type pollResult struct {
	SpeechStarted bool
	SpeechEnded   bool
	// Segment is set when a cut produced a large-enough utterance; it is
	// owned by the caller.
	Segment []float32
	// QuestionID tags Segment with the current turn.
	QuestionID uint32
}

func newSegmenter(cfg Config, ep *Endpointer, logger *slog.Logger) *segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &segmenter{
		cfg:             cfg,
		endpointer:      ep,
		currentQuestion: newQuestionID(),
		hardCeiling:     int(float64(cfg.MaxSegmentSamples) * cfg.HardCeilingFactor),
		now:             time.Now,
		log:             logger,
	}
}

func (s *segmenter) speaking() bool { return s.isSpeaking }

func (s *segmenter) questionID() uint32 { return s.currentQuestion }

// process advances the state machine with one poll worth of audio.
// frameCount is the number of backend reads the burst was drained from; it
// weights the silence counter when reads are batched.
func (s *segmenter) process(samples []float32, voiceActive bool, frameCount int) pollResult {
	var res pollResult
	if len(samples) == 0 {
		return res
	}
	if frameCount < 1 {
		frameCount = 1
	}

	if voiceActive {
		if !s.isSpeaking {
			s.silenceCount = 0
			buf := make([]float32, len(samples))
			copy(buf, samples)
			s.speechBuffer = append(s.speechBuffer, buf)

			if len(s.speechBuffer) >= s.cfg.SpeechStartFrames {
				s.isSpeaking = true
				res.SpeechStarted = true
				s.questionEndSent = false
				s.endpointer.RecordSpeechStart()

				// Seed the segment with everything buffered so far.
				s.segmentBuffer = s.segmentBuffer[:0]
				for _, b := range s.speechBuffer {
					s.segmentBuffer = append(s.segmentBuffer, b...)
				}
				s.log.Info("speech started", "questionID", s.currentQuestion)
			}
		} else {
			s.segmentBuffer = append(s.segmentBuffer, samples...)
			s.silenceCount = 0

			if len(s.segmentBuffer) >= s.cfg.MaxSegmentSamples {
				// Cut is deferred to the next silence unless the hard
				// ceiling is hit while the speaker keeps going.
				s.maxExceeded = true
				if len(s.segmentBuffer) >= s.hardCeiling {
					s.cut(&res)
				}
			}
		}
		res.QuestionID = s.currentQuestion
		return res
	}

	// Silent poll.
	if !s.isSpeaking {
		s.speechBuffer = s.speechBuffer[:0]
		res.QuestionID = s.currentQuestion
		return res
	}

	// Trailing silence is part of the segment.
	s.segmentBuffer = append(s.segmentBuffer, samples...)
	s.silenceCount += frameCount

	effectiveThreshold := s.cfg.SpeechEndFrames
	if s.maxExceeded {
		effectiveThreshold = 1
	}
	if s.silenceCount >= effectiveThreshold || len(s.segmentBuffer) >= s.hardCeiling {
		s.cut(&res)
	}
	res.QuestionID = s.currentQuestion
	return res
}

// cut finalizes the current segment and returns the machine to idle.
func (s *segmenter) cut(res *pollResult) {
	if len(s.segmentBuffer) >= s.cfg.MinSegmentSamples {
		seg := make([]float32, len(s.segmentBuffer))
		copy(seg, s.segmentBuffer)
		res.Segment = seg
	}

	s.segmentBuffer = s.segmentBuffer[:0]
	s.speechBuffer = s.speechBuffer[:0]
	s.isSpeaking = false
	s.silenceCount = 0
	s.maxExceeded = false
	res.SpeechEnded = true

	s.lastSpeechEnd = s.now()
	s.haveSpeechEnd = true
	s.questionEndSent = false
	s.endpointer.RecordSpeechEnd()

	segMs := float64(len(res.Segment)) / float64(SampleRate) * 1000
	s.log.Info("speech ended",
		"segmentMs", segMs,
		"nextThresholdMs", s.endpointer.CurrentThresholdMs(s.cfg.QuestionEndSilenceMs),
		"questionID", s.currentQuestion,
	)
}

// checkTurnBoundary runs the idle-only turn timer. When the silence since
// the last speech end reaches the endpointer threshold it returns true with
// the id of the turn that just finished, and only then activates a fresh id
// for the next utterance. Emitted at most once per turn.
func (s *segmenter) checkTurnBoundary() (ended bool, endedID uint32) {
	if s.isSpeaking || !s.haveSpeechEnd || s.questionEndSent {
		return false, 0
	}
	elapsedMs := float64(s.now().Sub(s.lastSpeechEnd)) / float64(time.Millisecond)
	threshold := s.endpointer.CurrentThresholdMs(s.cfg.QuestionEndSilenceMs)
	if elapsedMs < threshold {
		return false, 0
	}

	s.questionEndSent = true
	endedID = s.currentQuestion
	s.log.Info("sentence complete",
		"silenceMs", elapsedMs,
		"thresholdMs", threshold,
		"questionID", endedID,
	)
	s.currentQuestion = newQuestionID()
	return true, endedID
}
