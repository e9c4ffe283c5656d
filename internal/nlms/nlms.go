// Package nlms implements the Normalised Least Mean Squares adaptive
// filter (C5 in the ANC pipeline). The update rule and per-sample
// structure are adapted directly from the acoustic echo canceller this
// project is descended from; the difference is open-loop framing: here
// desired == reference (the filter learns to reproduce the microphone
// signal so its negated output becomes anti-noise), weights are guarded
// by explicit finiteness/energy gates, and rejected updates roll back
// instead of silently corrupting the filter.
package nlms

import "math"

const (
	// DefaultTaps is the filter length L (samples).
	DefaultTaps = 512

	// DefaultStep is the NLMS step size mu, 0 < mu < 2.
	DefaultStep = 0.5

	// DefaultEpsilon regularises the normalisation denominator.
	DefaultEpsilon = 1e-6

	// DefaultWMax bounds ||w||^2; updates that would exceed it are rejected.
	DefaultWMax = 1e4

	// DefaultMaxConsecutiveRollbacks is how many consecutive rejected
	// updates in a single block are tolerated; one more marks the filter
	// as diverged.
	DefaultMaxConsecutiveRollbacks = 16
)

// Filter is a single-channel NLMS adaptive filter.
type Filter struct {
	weights   []float64 // length L
	taps      []float64 // delay line, most recent sample first (length L)
	candidate []float64 // scratch buffer reused across samples, never reallocated on the block path

	step    float64
	epsilon float64
	wMax    float64

	rollbacks int // cumulative rollbacks across the filter's lifetime
	diverged  bool
}

// New creates a Filter with the given tap length. taps <= 0 uses DefaultTaps.
func New(taps int) *Filter {
	if taps <= 0 {
		taps = DefaultTaps
	}
	return &Filter{
		weights:   make([]float64, taps),
		taps:      make([]float64, taps),
		candidate: make([]float64, taps),
		step:      DefaultStep,
		epsilon:   DefaultEpsilon,
		wMax:      DefaultWMax,
	}
}

// SetStep overrides the NLMS step size mu.
func (f *Filter) SetStep(mu float64) { f.step = mu }

// SetEpsilon overrides the regularisation constant.
func (f *Filter) SetEpsilon(eps float64) { f.epsilon = eps }

// Reset zeroes the weight vector and delay line and clears the diverged flag.
func (f *Filter) Reset() {
	for i := range f.weights {
		f.weights[i] = 0
	}
	for i := range f.taps {
		f.taps[i] = 0
	}
	f.diverged = false
}

// Diverged reports whether the filter was re-initialised after exceeding
// DefaultMaxConsecutiveRollbacks in a single ProcessBlock call.
func (f *Filter) Diverged() bool { return f.diverged }

// Rollbacks returns the cumulative number of rejected updates.
func (f *Filter) Rollbacks() int { return f.rollbacks }

// Weights returns the current weight vector (read-only; do not mutate).
func (f *Filter) Weights() []float64 { return f.weights }

// WeightEnergy returns ||w||^2.
func (f *Filter) WeightEnergy() float64 {
	var sum float64
	for _, w := range f.weights {
		sum += w * w
	}
	return sum
}

// ProcessBlock runs sample-by-sample NLMS over reference/desired (equal
// length). It returns the anti-noise block (-y per sample) and the error
// block (e per sample = desired - y). Any update that would drive a
// weight non-finite or ||w||^2 above wMax is rejected and the previous
// weights are kept; more than DefaultMaxConsecutiveRollbacks consecutive
// rejections within this call re-initialise the filter to zero weights.
func (f *Filter) ProcessBlock(reference, desired []float32) (antiNoise, errOut []float32) {
	n := len(reference)
	antiNoise = make([]float32, n)
	errOut = make([]float32, n)

	consecutive := 0

	for i := 0; i < n; i++ {
		x := float64(reference[i])
		d := float64(desired[i])

		// Shift the tap delay line and insert the newest sample at k=0.
		copy(f.taps[1:], f.taps[:len(f.taps)-1])
		f.taps[0] = x

		var y, power float64
		for k, w := range f.weights {
			y += w * f.taps[k]
			power += f.taps[k] * f.taps[k]
		}

		e := d - y

		if power > f.epsilon {
			scale := f.step * e / (power + f.epsilon)
			ok := true
			var energy float64
			for k := range f.weights {
				w := f.weights[k] + scale*f.taps[k]
				if math.IsNaN(w) || math.IsInf(w, 0) {
					ok = false
					break
				}
				f.candidate[k] = w
				energy += w * w
			}
			if ok && energy <= f.wMax {
				copy(f.weights, f.candidate)
				consecutive = 0
			} else {
				f.rollbacks++
				consecutive++
				if consecutive > DefaultMaxConsecutiveRollbacks {
					f.Reset()
					f.diverged = true
					consecutive = 0
				}
			}
		}

		antiNoise[i] = float32(-y)
		errOut[i] = float32(e)
	}

	return antiNoise, errOut
}
