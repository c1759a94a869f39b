package voicebridge

import (
	"errors"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

// speechDetector classifies one captured burst as speech or not. Used only
// by the mic fallback backend; the native AEC backend reports voice
// activity itself.
type speechDetector interface {
	Detect(samples []int16) (bool, error)
	Close() error
}

// rmsDetector is the crude energy-threshold detector used when no Silero
// model is configured.
type rmsDetector struct {
	threshold float64
}

func (d *rmsDetector) Detect(samples []int16) (bool, error) {
	return rmsInt16(samples) > d.threshold, nil
}

func (d *rmsDetector) Close() error { return nil }

const (
	sileroChunkSamples   = 512
	sileroContextSamples = 64
	sileroInputSamples   = sileroContextSamples + sileroChunkSamples
	sileroStateSize      = 2 * 1 * 128
	sileroResetInterval  = 5 * time.Second
)

var ortInitOnce sync.Once
var ortInitErr error

// initONNXRuntime initializes the onnxruntime environment once per process,
// resolving a bundled shared library when one is present.
func initONNXRuntime() error {
	ortInitOnce.Do(func() {
		if !ort.IsInitialized() {
			if p := resolveBundledORTLib(candidateBaseDirs()); p != "" {
				ort.SetSharedLibraryPath(p)
			}
			ortInitErr = ort.InitializeEnvironment()
		}
	})
	return ortInitErr
}

// sileroDetector runs Silero VAD over 512-sample chunks at 16 kHz. Bursts of
// arbitrary length are chunked internally; a burst counts as speech when any
// chunk's probability crosses the threshold. Not safe for concurrent use.
type sileroDetector struct {
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32] // (1, 576)
	state    *ort.Tensor[float32] // (2, 1, 128)
	sr       *ort.Tensor[int64]   // (1,) = 16000
	output   *ort.Tensor[float32] // (1, 1) speech prob
	stateOut *ort.Tensor[float32] // (2, 1, 128) next state

	threshold float32
	context   [sileroContextSamples]float32
	pending   []float32
	lastReset time.Time
}

func newSileroDetector(modelPath string, threshold float32) (*sileroDetector, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path required")
	}
	if err := initONNXRuntime(); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, sileroInputSamples), make([]float32, sileroInputSamples))
	if err != nil {
		return nil, err
	}
	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, sileroStateSize))
	if err != nil {
		_ = inputTensor.Destroy()
		return nil, err
	}
	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{SampleRate})
	if err != nil {
		_ = inputTensor.Destroy()
		_ = stateTensor.Destroy()
		return nil, err
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		_ = inputTensor.Destroy()
		_ = stateTensor.Destroy()
		_ = srTensor.Destroy()
		return nil, err
	}
	stateOutTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		_ = inputTensor.Destroy()
		_ = stateTensor.Destroy()
		_ = srTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, err
	}

	sess, err := ort.NewAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{inputTensor, stateTensor, srTensor},
		[]ort.Value{outputTensor, stateOutTensor},
		nil)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = stateTensor.Destroy()
		_ = srTensor.Destroy()
		_ = outputTensor.Destroy()
		_ = stateOutTensor.Destroy()
		return nil, err
	}

	return &sileroDetector{
		session:   sess,
		input:     inputTensor,
		state:     stateTensor,
		sr:        srTensor,
		output:    outputTensor,
		stateOut:  stateOutTensor,
		threshold: threshold,
		lastReset: time.Now(),
	}, nil
}

// Detect chunks the burst into 512-sample windows and reports whether any
// window crossed the speech-probability threshold. Partial tail samples are
// retained for the next call.
func (d *sileroDetector) Detect(samples []int16) (bool, error) {
	d.maybeReset()

	d.pending = append(d.pending, int16ToFloat32(samples)...)
	active := false
	for len(d.pending) >= sileroChunkSamples {
		prob, err := d.speechProb(d.pending[:sileroChunkSamples])
		if err != nil {
			return false, err
		}
		if prob > d.threshold {
			active = true
		}
		d.pending = d.pending[sileroChunkSamples:]
	}
	return active, nil
}

func (d *sileroDetector) speechProb(chunk []float32) (float32, error) {
	inputData := d.input.GetData()
	copy(inputData[:sileroContextSamples], d.context[:])
	copy(inputData[sileroContextSamples:], chunk)

	copy(d.context[:], inputData[sileroInputSamples-sileroContextSamples:])

	if err := d.session.Run(); err != nil {
		return 0, err
	}
	copy(d.state.GetData(), d.stateOut.GetData())
	return d.output.GetData()[0], nil
}

func (d *sileroDetector) maybeReset() {
	if time.Since(d.lastReset) < sileroResetInterval {
		return
	}
	for i := range d.context {
		d.context[i] = 0
	}
	d.state.ZeroContents()
	d.lastReset = time.Now()
}

func (d *sileroDetector) Close() error {
	return d.session.Destroy()
}
