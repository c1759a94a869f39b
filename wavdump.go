package voicebridge

import (
	"fmt"
	"os"
	"path/filepath"

	wav "github.com/youpy/go-wav"
)

// segmentDumper writes emitted segments as numbered 16-bit mono WAV files
// for offline inspection. Created only when Config.SegmentDumpDir is set.
type segmentDumper struct {
	dir string
	n   int
}

func newSegmentDumper(dir string) (*segmentDumper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment dump: %w", err)
	}
	return &segmentDumper{dir: dir}, nil
}

// dump writes one segment and returns its path.
func (d *segmentDumper) dump(samples []float32) (string, error) {
	d.n++
	path := filepath.Join(d.dir, fmt.Sprintf("segment_%03d.wav", d.n))

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	wavSamples := make([]wav.Sample, len(samples))
	for i, v := range samples {
		if v < -1 {
			v = -1
		}
		if v > 1 {
			v = 1
		}
		wavSamples[i] = wav.Sample{Values: [2]int{int(v * 32767), 0}}
	}
	writer := wav.NewWriter(f, uint32(len(wavSamples)), 1, SampleRate, 16)
	if err := writer.WriteSamples(wavSamples); err != nil {
		return "", err
	}
	return path, nil
}
