// Package classifier implements the ANC pipeline's noise classifier
// (C3): a pure function from a 168-d feature vector to a label,
// confidence, and full probability distribution. Two variants are
// provided behind the same Classifier interface — Shallow (a small dense
// network over gonum/mat matrices) and Deep (an ONNX Runtime
// convolutional backbone, built only with the anc_deep tag, following
// the same optional-native-inference shape as the Silero ONNX engine
// this project draws on) — so the host can make the shallow/deep split a
// compile-time choice or an atomic pointer swap (§9).
package classifier

import (
	"math"

	"github.com/Surya893/anc-backend-sub000/internal/features"
)

// DefaultLabels is the default class set: the emergency classes the
// detector (C4) watches for, plus common benign/background classes.
// K=8 by default; callers may supply a different label set up to ~58
// classes.
var DefaultLabels = []string{
	"alarm", "siren", "fire_alarm", "warning", "emergency",
	"speech", "music", "background_noise",
}

// Result is the classifier's output for one feature vector.
type Result struct {
	Label      string
	Confidence float32
	Probs      []float32
}

// Classifier maps a feature vector to a classification result. Every
// implementation must be deterministic and pure: no hidden state is
// permitted between calls (§4.3).
type Classifier interface {
	Classify(v features.Vector) Result
	Labels() []string
}

// MelClassifier is implemented by classifier variants that can run
// inference directly over a precomputed rolling log-mel spectrogram
// instead of the reduced features.Vector (currently only Deep, behind
// the anc_deep build tag). The pipeline type-asserts the configured
// Classifier against this to take the real Deep inference path once
// enough audio context has accumulated, falling back to the
// Vector-based path otherwise (§4.3).
type MelClassifier interface {
	ClassifyMelSpectrogram(melSpec []float32) Result
}

// unknownResult returns the safe fallback result on a per-call numeric
// failure: never throw into the processor (§4.3, §7).
func unknownResult(labels []string) Result {
	probs := make([]float32, len(labels))
	if len(labels) > 0 {
		u := float32(1) / float32(len(labels))
		for i := range probs {
			probs[i] = u
		}
	}
	return Result{Label: "unknown", Confidence: 0, Probs: probs}
}

// SilenceResult is the forced classification for the designated silent
// feature vector (features.Silent), used by the pipeline in place of
// running a real classifier over an empty/all-zero block (§4.2). All
// probability mass sits on whichever benign label the set provides for
// it ("background_noise", falling back to "silence"), so Probs stays a
// valid distribution instead of an all-zero vector.
func SilenceResult(labels []string) Result {
	probs := make([]float32, len(labels))
	idx := indexOf(labels, "background_noise")
	if idx < 0 {
		idx = indexOf(labels, "silence")
	}
	if idx >= 0 {
		probs[idx] = 1
	}
	return Result{Label: "silence", Confidence: 1, Probs: probs}
}

func indexOf(labels []string, want string) int {
	for i, l := range labels {
		if l == want {
			return i
		}
	}
	return -1
}

func argmax(probs []float32) (idx int, val float32) {
	if len(probs) == 0 {
		return 0, 0
	}
	idx, val = 0, probs[0]
	for i, p := range probs {
		if p > val {
			idx, val = i, p
		}
	}
	return idx, val
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, l := range logits {
		if l > max {
			max = l
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		e := math.Exp(l - max)
		out[i] = e
		sum += e
	}
	if sum == 0 {
		u := 1.0 / float64(len(logits))
		for i := range out {
			out[i] = u
		}
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func finiteVector(v features.Vector) bool {
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
