package voicebridge

import (
	"testing"
	"time"
)

func testSegmenter(t *testing.T, mutate func(*Config)) (*segmenter, *fakeClock) {
	t.Helper()
	cfg := Config{
		SpeechStartFrames: 3,
		SpeechEndFrames:   10,
		MinSegmentSamples: 480,
		MaxSegmentSamples: 16000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}
	clock := newFakeClock()
	ep := NewEndpointer(cfg, discardLogger())
	ep.now = clock.now
	seg := newSegmenter(cfg, ep, discardLogger())
	seg.now = clock.now
	return seg, clock
}

func activePoll(n int) []float32 { return make([]float32, n) }

func TestSegmenterSpeechStartAfterConsecutivePolls(t *testing.T) {
	seg, _ := testSegmenter(t, nil)

	for i := 0; i < 2; i++ {
		res := seg.process(activePoll(160), true, 1)
		if res.SpeechStarted {
			t.Fatalf("speech confirmed after %d active polls, want 3", i+1)
		}
	}
	res := seg.process(activePoll(160), true, 1)
	if !res.SpeechStarted {
		t.Fatalf("speech not confirmed after 3 active polls")
	}
	if !seg.speaking() {
		t.Fatalf("segmenter not in speaking state after confirmation")
	}
}

func TestSegmenterCandidateResetOnSilence(t *testing.T) {
	seg, _ := testSegmenter(t, nil)

	seg.process(activePoll(160), true, 1)
	seg.process(activePoll(160), true, 1)
	// A single silent poll discards the candidate buffer.
	seg.process(activePoll(160), false, 1)

	res := seg.process(activePoll(160), true, 1)
	if res.SpeechStarted {
		t.Fatalf("candidate polls survived an intervening silence")
	}
}

func TestSegmenterCutIncludesPrerollAndTrailingSilence(t *testing.T) {
	seg, _ := testSegmenter(t, func(c *Config) { c.SpeechEndFrames = 2 })

	for i := 0; i < 3; i++ {
		seg.process(activePoll(160), true, 1)
	}
	seg.process(activePoll(160), true, 1)

	var res pollResult
	res = seg.process(activePoll(160), false, 1)
	if res.SpeechEnded {
		t.Fatalf("cut after one silent poll, want two")
	}
	res = seg.process(activePoll(160), false, 1)
	if !res.SpeechEnded {
		t.Fatalf("no cut after reaching silence threshold")
	}
	// 3 preroll + 1 speaking + 2 trailing silence polls, 160 samples each.
	if got := len(res.Segment); got != 6*160 {
		t.Fatalf("segment length %d, want %d", got, 6*160)
	}
}

func TestSegmenterDiscardsShortSegment(t *testing.T) {
	seg, _ := testSegmenter(t, func(c *Config) {
		c.SpeechEndFrames = 1
		c.MinSegmentSamples = 10000
	})

	for i := 0; i < 3; i++ {
		seg.process(activePoll(160), true, 1)
	}
	res := seg.process(activePoll(160), false, 1)
	if !res.SpeechEnded {
		t.Fatalf("no cut on silence threshold")
	}
	if res.Segment != nil {
		t.Fatalf("short segment emitted, want discard: %d samples", len(res.Segment))
	}
	if seg.speaking() {
		t.Fatalf("segmenter still speaking after discard cut")
	}
}

func TestSegmenterDeferredCutAfterMaxSize(t *testing.T) {
	seg, _ := testSegmenter(t, func(c *Config) {
		c.MaxSegmentSamples = 1000
		c.HardCeilingFactor = 10
		c.MinSegmentSamples = 1
	})

	for i := 0; i < 3; i++ {
		seg.process(activePoll(160), true, 1)
	}
	// Push past MaxSegmentSamples while staying under the hard ceiling.
	for i := 0; i < 5; i++ {
		res := seg.process(activePoll(160), true, 1)
		if res.SpeechEnded {
			t.Fatalf("cut while voice active below hard ceiling")
		}
	}

	// One silent poll suffices once the max is exceeded, regardless of the
	// normal 10-frame threshold.
	res := seg.process(activePoll(160), false, 1)
	if !res.SpeechEnded {
		t.Fatalf("oversized segment not cut on first silent poll")
	}
	if res.Segment == nil {
		t.Fatalf("oversized segment discarded")
	}
}

func TestSegmenterHardCeilingCutsWhileVoiceActive(t *testing.T) {
	seg, _ := testSegmenter(t, func(c *Config) {
		c.MaxSegmentSamples = 1000
		c.HardCeilingFactor = 1.5
		c.MinSegmentSamples = 1
	})

	// Never goes silent; the 1500-sample hard ceiling must cut anyway.
	var cut *pollResult
	for i := 0; i < 30; i++ {
		res := seg.process(activePoll(160), true, 1)
		if res.SpeechEnded {
			cut = &res
			break
		}
	}
	if cut == nil {
		t.Fatalf("hard ceiling never cut a continuously voiced segment")
	}
	if cut.Segment == nil {
		t.Fatalf("hard ceiling cut discarded its segment")
	}
	if len(cut.Segment) < 1500 {
		t.Fatalf("segment cut before hard ceiling: %d samples", len(cut.Segment))
	}
	if seg.speaking() {
		t.Fatalf("segmenter still speaking after forced cut")
	}
}

func TestSegmenterTurnBoundary(t *testing.T) {
	seg, clock := testSegmenter(t, func(c *Config) {
		c.SpeechEndFrames = 1
		c.MinSegmentSamples = 1
		c.QuestionEndSilenceMs = 3000
	})

	firstID := seg.questionID()
	if firstID < 100000 || firstID > 999999 {
		t.Fatalf("question id %d outside six-digit range", firstID)
	}

	// No boundary before any speech.
	if ended, _ := seg.checkTurnBoundary(); ended {
		t.Fatalf("turn boundary before any speech end")
	}

	for i := 0; i < 3; i++ {
		seg.process(activePoll(160), true, 1)
	}
	seg.process(activePoll(160), false, 1)

	clock.advance(2 * time.Second)
	if ended, _ := seg.checkTurnBoundary(); ended {
		t.Fatalf("turn boundary before threshold silence")
	}

	clock.advance(2 * time.Second)
	ended, endedID := seg.checkTurnBoundary()
	if !ended {
		t.Fatalf("no turn boundary after threshold silence")
	}
	if endedID != firstID {
		t.Fatalf("boundary reported id %d, want the finished turn %d", endedID, firstID)
	}
	if seg.questionID() == firstID {
		t.Fatalf("question id not rotated after turn boundary")
	}

	// At most once per turn.
	clock.advance(10 * time.Second)
	if ended, _ := seg.checkTurnBoundary(); ended {
		t.Fatalf("turn boundary emitted twice for one turn")
	}
}

func TestSegmenterTurnTimerSuppressedWhileSpeaking(t *testing.T) {
	seg, clock := testSegmenter(t, func(c *Config) {
		c.SpeechEndFrames = 1
		c.MinSegmentSamples = 1
	})

	for i := 0; i < 3; i++ {
		seg.process(activePoll(160), true, 1)
	}
	seg.process(activePoll(160), false, 1)

	// Speech resumes before the turn threshold; the timer must not fire
	// mid-utterance.
	clock.advance(time.Second)
	for i := 0; i < 3; i++ {
		seg.process(activePoll(160), true, 1)
	}
	clock.advance(10 * time.Second)
	if ended, _ := seg.checkTurnBoundary(); ended {
		t.Fatalf("turn boundary fired while speaking")
	}
}

func TestQuestionIDRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := newQuestionID()
		if id < 100000 || id > 999999 {
			t.Fatalf("question id %d outside [100000, 999999]", id)
		}
	}
}
