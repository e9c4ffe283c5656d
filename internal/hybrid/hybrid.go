// Package hybrid runs an NLMS and an RLS filter in parallel on the same
// reference and blends their outputs with an adaptively-tuned weight.
// The blend-then-step-toward-the-better-branch shape is adapted from the
// ancestor project's RNNoise dry/wet mix (NoiseCanceller.Process blends
// denoised and original audio by a level) and its AGC's capped,
// asymmetric gain adjustment (agc.AGC.Process nudges gain toward a
// target by a bounded step each frame); here the "target" is whichever
// branch currently has lower trailing error power.
package hybrid

import (
	"github.com/Surya893/anc-backend-sub000/internal/nlms"
	"github.com/Surya893/anc-backend-sub000/internal/rls"
)

const (
	// DefaultAlpha is the initial blend weight applied to the NLMS branch.
	DefaultAlpha = 0.6

	// MinAlpha and MaxAlpha bound the blend weight (§4.5.4).
	MinAlpha = 0.3
	MaxAlpha = 0.9

	// AlphaStep is the maximum per-block adjustment to alpha.
	AlphaStep = 0.01

	// historyLen is the trailing window of block error powers used to
	// compare the two branches.
	historyLen = 5
)

// Filter blends an NLMS and an RLS filter, adapting the blend weight
// toward whichever branch currently has lower error power.
type Filter struct {
	nlmsFilter *nlms.Filter
	rlsFilter  *rls.Filter

	alpha float64

	nlmsHistory []float64
	rlsHistory  []float64
}

// New creates a Filter with NLMS taps nTaps and RLS taps rTaps. A taps
// value <= 0 uses that package's default.
func New(nTaps, rTaps int) *Filter {
	return &Filter{
		nlmsFilter: nlms.New(nTaps),
		rlsFilter:  rls.New(rTaps),
		alpha:      DefaultAlpha,
	}
}

// Alpha returns the current blend weight applied to the NLMS branch;
// (1 - Alpha) is applied to the RLS branch.
func (f *Filter) Alpha() float64 { return f.alpha }

// NLMSRollbacks and RLSRollbacks expose the underlying branches'
// cumulative rollback counters for metrics publication.
func (f *Filter) NLMSRollbacks() int { return f.nlmsFilter.Rollbacks() }
func (f *Filter) RLSRollbacks() int  { return f.rlsFilter.Rollbacks() }

// NLMSDiverged and RLSDiverged report whether that branch was reset for
// divergence since its last Reset.
func (f *Filter) NLMSDiverged() bool { return f.nlmsFilter.Diverged() }
func (f *Filter) RLSDiverged() bool  { return f.rlsFilter.Diverged() }

// Rollbacks returns the combined NLMS+RLS rollback count, so Filter
// satisfies the same rollback-reporting shape as the nlms and rls
// packages for a uniform pipeline-facing interface.
func (f *Filter) Rollbacks() int { return f.NLMSRollbacks() + f.RLSRollbacks() }

// Diverged reports whether either branch was reset for divergence since
// its last Reset.
func (f *Filter) Diverged() bool { return f.NLMSDiverged() || f.RLSDiverged() }

// Reset reinitialises both branches to zero weights and the default
// blend weight.
func (f *Filter) Reset() {
	f.nlmsFilter.Reset()
	f.rlsFilter.Reset()
	f.alpha = DefaultAlpha
	f.nlmsHistory = nil
	f.rlsHistory = nil
}

// ProcessBlock runs both branches on the same reference/desired pair,
// blends their anti-noise outputs by alpha, and steps alpha toward the
// branch with lower trailing error power (capped at AlphaStep per call,
// clamped to [MinAlpha, MaxAlpha]).
func (f *Filter) ProcessBlock(reference, desired []float32) (antiNoise, errOut []float32) {
	nAnti, nErr := f.nlmsFilter.ProcessBlock(reference, desired)
	rAnti, rErr := f.rlsFilter.ProcessBlock(reference, desired)

	n := len(reference)
	antiNoise = make([]float32, n)
	errOut = make([]float32, n)
	for i := 0; i < n; i++ {
		antiNoise[i] = float32(f.alpha)*nAnti[i] + float32(1-f.alpha)*rAnti[i]
		errOut[i] = float32(f.alpha)*nErr[i] + float32(1-f.alpha)*rErr[i]
	}

	f.nlmsHistory = pushHistory(f.nlmsHistory, power(nErr))
	f.rlsHistory = pushHistory(f.rlsHistory, power(rErr))
	f.adaptAlpha()

	return antiNoise, errOut
}

func power(s []float32) float64 {
	var sum float64
	for _, v := range s {
		sum += float64(v) * float64(v)
	}
	if len(s) == 0 {
		return 0
	}
	return sum / float64(len(s))
}

func pushHistory(history []float64, v float64) []float64 {
	history = append(history, v)
	if len(history) > historyLen {
		history = history[len(history)-historyLen:]
	}
	return history
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// adaptAlpha nudges alpha toward 1.0 (favouring NLMS) when NLMS has the
// lower trailing error power, toward 0.0 (favouring RLS) otherwise, by
// at most AlphaStep, clamped to [MinAlpha, MaxAlpha].
func (f *Filter) adaptAlpha() {
	nlmsPower := mean(f.nlmsHistory)
	rlsPower := mean(f.rlsHistory)

	target := f.alpha
	switch {
	case nlmsPower < rlsPower:
		target = MaxAlpha
	case rlsPower < nlmsPower:
		target = MinAlpha
	}

	if target > f.alpha {
		f.alpha += AlphaStep
		if f.alpha > target {
			f.alpha = target
		}
	} else if target < f.alpha {
		f.alpha -= AlphaStep
		if f.alpha < target {
			f.alpha = target
		}
	}

	if f.alpha < MinAlpha {
		f.alpha = MinAlpha
	}
	if f.alpha > MaxAlpha {
		f.alpha = MaxAlpha
	}
}
