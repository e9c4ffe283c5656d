// Package rls implements a Recursive Least Squares adaptive filter
// (C5 in the ANC pipeline). It shares its per-sample contract and safety
// gates with package nlms (process_block, finite-weight rollback,
// divergence reset) but maintains an L x L inverse correlation matrix for
// faster convergence at O(L^2) per sample instead of O(L).
package rls

import "math"

const (
	// DefaultTaps is the filter length L (samples).
	DefaultTaps = 256

	// DefaultLambda is the forgetting factor, in (0.95, 1.0].
	DefaultLambda = 0.99

	// DefaultDelta seeds P = delta * I on creation and on reset.
	DefaultDelta = 1e3

	// DefaultWMax bounds ||w||^2; updates that would exceed it are rejected.
	DefaultWMax = 1e4

	// DefaultMaxConsecutiveRollbacks is how many consecutive rejected
	// updates in a single block are tolerated; one more marks the filter
	// as diverged.
	DefaultMaxConsecutiveRollbacks = 16

	// DefaultResetInterval is the number of blocks between periodic P resets,
	// bounding numerical error accumulation (§4.5.3).
	DefaultResetInterval = 1024

	// conditionResetThreshold triggers an early P reset when the ratio of
	// the largest to smallest diagonal entry of P grows unreasonably large,
	// a cheap proxy for an ill-conditioned inverse correlation matrix.
	conditionResetThreshold = 1e8
)

// Filter is a single-channel RLS adaptive filter.
type Filter struct {
	weights []float64   // length L
	taps    []float64   // delay line, most recent sample first (length L)
	p       [][]float64 // L x L inverse correlation matrix

	lambda float64
	delta  float64
	wMax   float64

	blocksSinceReset int
	rollbacks        int
	diverged         bool

	// scratch buffers reused across samples to keep the block path
	// allocation-free.
	pi        []float64
	k         []float64
	candidate []float64
}

// New creates a Filter with the given tap length. taps <= 0 uses DefaultTaps.
func New(taps int) *Filter {
	if taps <= 0 {
		taps = DefaultTaps
	}
	f := &Filter{
		weights:   make([]float64, taps),
		taps:      make([]float64, taps),
		lambda:    DefaultLambda,
		delta:     DefaultDelta,
		wMax:      DefaultWMax,
		pi:        make([]float64, taps),
		k:         make([]float64, taps),
		candidate: make([]float64, taps),
	}
	f.p = newIdentityScaled(taps, f.delta)
	return f
}

func newIdentityScaled(n int, scale float64) [][]float64 {
	p := make([][]float64, n)
	for i := range p {
		p[i] = make([]float64, n)
		p[i][i] = scale
	}
	return p
}

// SetLambda overrides the forgetting factor.
func (f *Filter) SetLambda(lambda float64) { f.lambda = lambda }

// Reset zeroes the weight vector and delay line, re-seeds P = delta*I,
// and clears the diverged flag.
func (f *Filter) Reset() {
	for i := range f.weights {
		f.weights[i] = 0
	}
	for i := range f.taps {
		f.taps[i] = 0
	}
	n := len(f.weights)
	f.p = newIdentityScaled(n, f.delta)
	f.blocksSinceReset = 0
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

// conditionProxy returns the ratio of the largest to smallest diagonal
// entry of P, a cheap substitute for a true condition number.
func (f *Filter) conditionProxy() float64 {
	lo, hi := math.Inf(1), 0.0
	for i := range f.p {
		d := math.Abs(f.p[i][i])
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	if lo <= 1e-300 {
		return math.Inf(1)
	}
	return hi / lo
}

// ProcessBlock runs sample-by-sample RLS over reference/desired (equal
// length), returning the anti-noise block and the error block. Safety
// gates mirror package nlms: non-finite or over-energy updates are
// rejected and rolled back; too many consecutive rollbacks in one call
// re-initialise the filter. Every DefaultResetInterval blocks, or when
// the diagonal condition proxy exceeds conditionResetThreshold, P is
// reset to delta*I to bound error accumulation.
func (f *Filter) ProcessBlock(reference, desired []float32) (antiNoise, errOut []float32) {
	n := len(reference)
	antiNoise = make([]float32, n)
	errOut = make([]float32, n)
	L := len(f.weights)

	consecutive := 0

	for i := 0; i < n; i++ {
		x := float64(reference[i])
		d := float64(desired[i])

		copy(f.taps[1:], f.taps[:L-1])
		f.taps[0] = x

		// pi = P * taps
		for r := 0; r < L; r++ {
			var sum float64
			row := f.p[r]
			for c := 0; c < L; c++ {
				sum += row[c] * f.taps[c]
			}
			f.pi[r] = sum
		}

		var xtPi float64
		for r := 0; r < L; r++ {
			xtPi += f.taps[r] * f.pi[r]
		}
		denom := f.lambda + xtPi
		if denom == 0 {
			denom = 1e-12
		}
		for r := 0; r < L; r++ {
			f.k[r] = f.pi[r] / denom
		}

		var y float64
		for r, w := range f.weights {
			y += w * f.taps[r]
		}
		e := d - y

		ok := true
		var energy float64
		for r := 0; r < L; r++ {
			w := f.weights[r] + f.k[r]*e
			if math.IsNaN(w) || math.IsInf(w, 0) {
				ok = false
				break
			}
			f.candidate[r] = w
			energy += w * w
		}

		if ok && energy <= f.wMax {
			copy(f.weights, f.candidate)

			// P = (P - k * pi^T) / lambda
			for r := 0; r < L; r++ {
				row := f.p[r]
				kr := f.k[r]
				for c := 0; c < L; c++ {
					row[c] = (row[c] - kr*f.pi[c]) / f.lambda
				}
			}
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

		antiNoise[i] = float32(-y)
		errOut[i] = float32(e)
	}

	f.blocksSinceReset++
	if f.blocksSinceReset >= DefaultResetInterval || f.conditionProxy() > conditionResetThreshold {
		// Only P is reinitialised here; weights are left intact so
		// convergence already achieved is not thrown away.
		f.p = newIdentityScaled(L, f.delta)
		f.blocksSinceReset = 0
	}

	return antiNoise, errOut
}
