package classifier

import (
	"fmt"
	"math"

	"github.com/Surya893/anc-backend-sub000/internal/features"
	"gonum.org/v1/gonum/mat"
)

// Shallow is a precomputed standard-scaler plus a two-layer dense
// network (ReLU hidden layer, softmax output) over the 168-d feature
// vector. It is the always-available classifier variant: it has no
// native dependency and runs in well under the 5 ms/call budget (§4.3).
type Shallow struct {
	labels []string

	mean []float64 // length features.VectorLen
	std  []float64 // length features.VectorLen

	w1 *mat.Dense // hidden x input
	b1 []float64  // hidden
	w2 *mat.Dense // classes x hidden
	b2 []float64  // classes
}

// ShallowModel is the deserialised, immutable set of weights a Shallow
// classifier is built from (§3 "classifier model").
type ShallowModel struct {
	Labels []string
	Mean   []float64
	Std    []float64
	W1     []float64 // row-major, hidden x features.VectorLen
	B1     []float64
	W2     []float64 // row-major, len(Labels) x hidden
	B2     []float64
	Hidden int
}

// NewShallow builds a Shallow classifier from a deserialised model. It
// returns an error (a Configuration-kind failure per §7) if the model's
// dimensions are inconsistent, matching the "model-load error fails
// initialize" contract in §4.3.
func NewShallow(m ShallowModel) (*Shallow, error) {
	if len(m.Labels) == 0 {
		return nil, fmt.Errorf("classifier: shallow model has no labels")
	}
	if len(m.Mean) != features.VectorLen || len(m.Std) != features.VectorLen {
		return nil, fmt.Errorf("classifier: shallow model scaler length mismatch: got mean=%d std=%d want %d",
			len(m.Mean), len(m.Std), features.VectorLen)
	}
	if m.Hidden <= 0 {
		return nil, fmt.Errorf("classifier: shallow model hidden size must be positive")
	}
	if len(m.W1) != m.Hidden*features.VectorLen {
		return nil, fmt.Errorf("classifier: shallow model W1 has %d entries, want %d", len(m.W1), m.Hidden*features.VectorLen)
	}
	if len(m.B1) != m.Hidden {
		return nil, fmt.Errorf("classifier: shallow model B1 has %d entries, want %d", len(m.B1), m.Hidden)
	}
	if len(m.W2) != len(m.Labels)*m.Hidden {
		return nil, fmt.Errorf("classifier: shallow model W2 has %d entries, want %d", len(m.W2), len(m.Labels)*m.Hidden)
	}
	if len(m.B2) != len(m.Labels) {
		return nil, fmt.Errorf("classifier: shallow model B2 has %d entries, want %d", len(m.B2), len(m.Labels))
	}

	return &Shallow{
		labels: append([]string{}, m.Labels...),
		mean:   append([]float64{}, m.Mean...),
		std:    append([]float64{}, m.Std...),
		w1:     mat.NewDense(m.Hidden, features.VectorLen, append([]float64{}, m.W1...)),
		b1:     append([]float64{}, m.B1...),
		w2:     mat.NewDense(len(m.Labels), m.Hidden, append([]float64{}, m.W2...)),
		b2:     append([]float64{}, m.B2...),
	}, nil
}

// Labels returns the classifier's label set.
func (s *Shallow) Labels() []string { return s.labels }

// Classify scales the feature vector, runs it through the dense
// network, and returns the softmax distribution over labels. On a
// non-finite input or computation it returns the safe "unknown" result
// rather than propagating an error (§4.3, §7).
func (s *Shallow) Classify(v features.Vector) Result {
	if !finiteVector(v) {
		return unknownResult(s.labels)
	}

	scaled := mat.NewVecDense(features.VectorLen, nil)
	for i := 0; i < features.VectorLen; i++ {
		sd := s.std[i]
		if sd < 1e-8 {
			sd = 1e-8
		}
		scaled.SetVec(i, (v[i]-s.mean[i])/sd)
	}

	hiddenOut := make([]float64, len(s.b1))
	for i := range hiddenOut {
		row := mat.NewVecDense(features.VectorLen, s.w1.RawRowView(i))
		dot := mat.Dot(row, scaled)
		z := dot + s.b1[i]
		if z < 0 {
			z = 0 // ReLU
		}
		hiddenOut[i] = z
	}

	logits := make([]float64, len(s.labels))
	hiddenVec := mat.NewVecDense(len(hiddenOut), hiddenOut)
	for i := range logits {
		row := mat.NewVecDense(len(hiddenOut), s.w2.RawRowView(i))
		logits[i] = mat.Dot(row, hiddenVec) + s.b2[i]
	}

	for _, l := range logits {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			return unknownResult(s.labels)
		}
	}

	probs64 := softmax(logits)
	probs := make([]float32, len(probs64))
	for i, p := range probs64 {
		probs[i] = float32(p)
	}

	idx, conf := argmax(probs)
	return Result{Label: s.labels[idx], Confidence: conf, Probs: probs}
}

// NewRandomShallow builds a Shallow classifier with a randomly
// initialised (seeded, reproducible) scaler and weight matrices, for
// demos and tests where no trained model is available. hidden is the
// hidden-layer width; labels defaults to DefaultLabels when nil.
func NewRandomShallow(labels []string, hidden int, seed int64) (*Shallow, error) {
	if labels == nil {
		labels = DefaultLabels
	}
	rng := newLCG(seed)

	mean := make([]float64, features.VectorLen)
	std := make([]float64, features.VectorLen)
	for i := range std {
		std[i] = 1
	}

	w1 := make([]float64, hidden*features.VectorLen)
	for i := range w1 {
		w1[i] = (rng.next() - 0.5) * 0.1
	}
	b1 := make([]float64, hidden)

	w2 := make([]float64, len(labels)*hidden)
	for i := range w2 {
		w2[i] = (rng.next() - 0.5) * 0.1
	}
	b2 := make([]float64, len(labels))

	return NewShallow(ShallowModel{
		Labels: labels,
		Mean:   mean,
		Std:    std,
		W1:     w1,
		B1:     b1,
		W2:     w2,
		B2:     b2,
		Hidden: hidden,
	})
}

// lcg is a minimal deterministic linear congruential generator used only
// to seed demo weights reproducibly without pulling in math/rand state
// that could vary across Go versions.
type lcg struct{ state uint64 }

func newLCG(seed int64) *lcg { return &lcg{state: uint64(seed) + 1} }

func (g *lcg) next() float64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return float64(g.state>>11) / float64(1<<53)
}
