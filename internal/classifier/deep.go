//go:build anc_deep

// This file provides the Deep classifier variant, built only with the
// anc_deep tag — mirroring the Silero ONNX engine's optional-native-build
// shape (a plain Go stub is the default; a cgo/ONNX-backed implementation
// is opt-in). It runs a 128x128 log-mel spectrogram through an ONNX
// Runtime convolutional backbone (§4.3).
package classifier

import (
	"fmt"
	"sync"

	"github.com/Surya893/anc-backend-sub000/internal/features"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// Deep runs a convolutional backbone over a 128x128 log-mel spectrogram
// via ONNX Runtime. It requires more audio context than a single block
// provides; the pipeline's Session.classify falls back to a registered
// Vector-based classifier while that context is unavailable (§4.3).
type Deep struct {
	labels  []string
	session *ort.AdvancedSession

	input  *ort.Tensor[float32] // [1, 1, features.DeepMelBins, features.DeepTimeBins]
	output *ort.Tensor[float32] // [1, K]
}

// NewDeep loads an ONNX model from modelPath and allocates input/output
// tensors. A model-load error here is a Configuration-kind failure and
// must fail initialize (§4.3, §7).
func NewDeep(modelPath string, labels []string) (*Deep, error) {
	if labels == nil {
		labels = DefaultLabels
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("classifier: initialize onnxruntime: %w", ortInitErr)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, features.DeepMelBins, features.DeepTimeBins))
	if err != nil {
		return nil, fmt.Errorf("classifier: create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(labels))))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("classifier: create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input"},
		[]string{"output"},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("classifier: create session: %w", err)
	}

	return &Deep{labels: labels, session: session, input: input, output: output}, nil
}

// Labels returns the classifier's label set.
func (d *Deep) Labels() []string { return d.labels }

// Classify implements the Classifier interface, but Deep's convolutional
// backbone needs more rolling audio context than a single reduced
// features.Vector carries, so this path always reports "unknown". Real
// inference goes through ClassifyMelSpectrogram: the pipeline's
// classifyLoop type-asserts Deep against MelClassifier and calls it
// directly once its extractor has accumulated a full log-mel window,
// falling back to a Shallow classifier until then (§4.3).
func (d *Deep) Classify(v features.Vector) Result {
	return unknownResult(d.labels)
}

// ClassifyMelSpectrogram runs inference over a precomputed
// features.DeepTimeBins x features.DeepMelBins log-mel spectrogram
// (row-major, time-major). On any ONNX or numeric failure it returns
// the safe "unknown" result.
func (d *Deep) ClassifyMelSpectrogram(melSpec []float32) Result {
	if len(melSpec) != features.DeepMelBins*features.DeepTimeBins {
		return unknownResult(d.labels)
	}
	copy(d.input.GetData(), melSpec)

	if err := d.session.Run(); err != nil {
		return unknownResult(d.labels)
	}

	logits := d.output.GetData()
	probs64 := make([]float64, len(logits))
	for i, l := range logits {
		probs64[i] = float64(l)
	}
	probs64 = softmax(probs64)
	probs := make([]float32, len(probs64))
	for i, p := range probs64 {
		probs[i] = float32(p)
	}
	idx, conf := argmax(probs)
	return Result{Label: d.labels[idx], Confidence: conf, Probs: probs}
}

// Close releases the ONNX Runtime session and tensors.
func (d *Deep) Close() error {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	return nil
}
