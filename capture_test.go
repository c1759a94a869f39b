package voicebridge

import (
	"math"
	"testing"
)

// scriptedSource yields ok=false for a fixed number of reads, then audio.
type scriptedSource struct {
	emptyReads int
	reads      int
}

func (s *scriptedSource) Start() error { return nil }
func (s *scriptedSource) Stop()        {}

func (s *scriptedSource) ReadFrame() (Frame, bool) {
	s.reads++
	if s.reads <= s.emptyReads {
		return Frame{}, false
	}
	return Frame{Samples: []int16{1, 2, 3}}, true
}

func TestProbeReadsConfirms(t *testing.T) {
	src := &scriptedSource{emptyReads: 3}
	if !probeReads(src, 10, 0) {
		t.Fatalf("probe failed although audio arrived on the 4th read")
	}
	if src.reads != 4 {
		t.Fatalf("probe kept reading after confirmation: %d reads", src.reads)
	}
}

func TestProbeReadsGivesUp(t *testing.T) {
	src := &scriptedSource{emptyReads: 100}
	if probeReads(src, 5, 0) {
		t.Fatalf("probe confirmed a source that never produced audio")
	}
	if src.reads != 5 {
		t.Fatalf("probe made %d reads, want exactly 5 attempts", src.reads)
	}
}

func TestInt16ToFloat32(t *testing.T) {
	got := int16ToFloat32([]int16{0, 16384, -16384, 32767, -32768})
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Fatalf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFloat32ToInt16Clamps(t *testing.T) {
	got := float32ToInt16([]float32{0, 0.5, -0.5, 2.0, -2.0})
	if got[0] != 0 {
		t.Fatalf("zero sample converted to %d", got[0])
	}
	if got[1] < 16382 || got[1] > 16384 {
		t.Fatalf("0.5 converted to %d, want ~16383", got[1])
	}
	if got[3] != 32767 {
		t.Fatalf("overrange sample not clamped high: %d", got[3])
	}
	if got[4] != -32768 {
		t.Fatalf("overrange sample not clamped low: %d", got[4])
	}
}

func TestRMSFloat32(t *testing.T) {
	if got := rmsFloat32(nil); got != 0 {
		t.Fatalf("empty RMS %v, want 0", got)
	}
	// Full-scale square wave has RMS equal to its amplitude.
	got := rmsFloat32([]float32{0.5, -0.5, 0.5, -0.5})
	if math.Abs(float64(got)-0.5) > 1e-6 {
		t.Fatalf("square wave RMS %v, want 0.5", got)
	}
}

func TestRMSInt16Normalized(t *testing.T) {
	got := rmsInt16([]int16{16384, -16384, 16384, -16384})
	if math.Abs(got-0.5) > 1e-6 {
		t.Fatalf("square wave RMS %v, want 0.5", got)
	}
	if got := rmsInt16(nil); got != 0 {
		t.Fatalf("empty RMS %v, want 0", got)
	}
}

func TestRMSDetector(t *testing.T) {
	d := &rmsDetector{threshold: 0.01}
	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 3000
	}
	active, err := d.Detect(loud)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if !active {
		t.Fatalf("loud frame not detected as voice")
	}
	active, err = d.Detect(make([]int16, 160))
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if active {
		t.Fatalf("silent frame detected as voice")
	}
}
