// Package features implements the ANC pipeline's feature extractor (C2):
// a pure function from an audio block to a fixed 168-dimensional feature
// vector (52 MFCC stats + 52 delta-MFCC stats + 16 spectral stats + 48
// chroma stats). Framing, mel-filterbank construction and the overall
// per-frame/summary-statistic shape are adapted from the ancestor
// project's music feature extractor, which frames with Hann windows over
// an FFT from gonum's dsp/fourier and reduces per-frame streams to
// mean/std summary statistics; this version trades its bespoke analysis
// feature set for MFCC+delta+spectral+chroma at 48 kHz and folds in a
// pre-emphasis stage plus a rolling inter-block context buffer so the
// extractor can run on blocks shorter than one FFT frame.
package features

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// FrameSize is the FFT analysis frame length in samples.
	FrameSize = 2048
	// HopSize is the frame-to-frame hop in samples.
	HopSize = 512

	numMFCC      = 13
	numMelFilter = 26
	numChroma    = 12

	// VectorLen is the fixed feature vector length: 52 MFCC stats +
	// 52 delta-MFCC stats + 16 spectral stats + 48 chroma stats.
	VectorLen = 52 + 52 + 16 + 48

	// DeepMelBins and DeepTimeBins are the log-mel spectrogram
	// dimensions the Deep classifier's convolutional backbone expects
	// (§4.3): a rolling 128-frame x 128-mel-bin window, distinct from
	// the coarser 26-filter bank used for MFCC.
	DeepMelBins  = 128
	DeepTimeBins = 128

	preEmphasisCoeff = 0.97
	rolloffPercent   = 0.85
)

// Vector is a fixed-length feature vector produced by Extract.
type Vector [VectorLen]float64

// Silent is the designated feature vector returned for invalid blocks
// (empty, all-zero, or containing a non-finite intermediate value); its
// classifier result is forced to "silence" by the caller.
var Silent Vector

// Extractor holds the rolling context and precomputed filterbank needed
// to turn a stream of blocks into feature vectors. The zero value is not
// usable; use New.
type Extractor struct {
	fft           *fourier.FFT
	window        []float64
	melFilters    [][]float64
	melFilters128 [][]float64 // finer filterbank feeding the Deep classifier's log-mel spectrogram
	chromaMap     [][]float64 // per FFT bin, weight contributed to each of 12 pitch classes
	sampleRate    int

	// context holds up to FrameSize-1 samples carried over from the
	// previous block so frames can be built even when block size < FrameSize.
	context []float64

	prevEmphasis float64 // last sample of the previous block, for pre-emphasis continuity

	// melHistory is the rolling window of the most recent DeepTimeBins
	// log-mel frames (each DeepMelBins wide), oldest first, consumed by
	// MelSpectrogram for the Deep classifier (§4.3).
	melHistory [][]float64
}

// New creates an Extractor for the given sample rate (Hz).
func New(sampleRate int) *Extractor {
	window := make([]float64, FrameSize)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(FrameSize-1)))
	}
	return &Extractor{
		fft:           fourier.NewFFT(FrameSize),
		window:        window,
		melFilters:    createMelFilterbank(numMelFilter, FrameSize, sampleRate),
		melFilters128: createMelFilterbank(DeepMelBins, FrameSize, sampleRate),
		chromaMap:     createChromaMap(FrameSize, sampleRate),
		sampleRate:    sampleRate,
	}
}

// Reset clears the rolling inter-block context, e.g. at session start or
// after a block sequence discontinuity.
func (e *Extractor) Reset() {
	e.context = nil
	e.prevEmphasis = 0
	e.melHistory = nil
}

// MelSpectrogram returns the most recent DeepTimeBins frames of
// DeepMelBins-bin log-mel energies, flattened row-major (time-major,
// oldest frame first), and whether enough rolling audio context has
// accumulated yet for the Deep classifier to run (§4.3's "sufficient
// audio context" gate). Callers should fall back to a Vector-based
// classifier while ok is false.
func (e *Extractor) MelSpectrogram() (spec []float32, ok bool) {
	if len(e.melHistory) < DeepTimeBins {
		return nil, false
	}
	out := make([]float32, DeepTimeBins*DeepMelBins)
	for i, row := range e.melHistory {
		for j, v := range row {
			out[i*DeepMelBins+j] = float32(v)
		}
	}
	return out, true
}

// Extract turns one audio block into a feature vector. On an empty
// block, an all-zero block, or a non-finite intermediate value, it
// returns Silent. While fewer than FrameSize samples of rolling context
// have accumulated, the available samples are zero-padded to one frame.
func (e *Extractor) Extract(block []float32) Vector {
	if len(block) == 0 || allZero(block) {
		return Silent
	}

	emphasised := e.preEmphasise(block)

	samples := append(append([]float64{}, e.context...), emphasised...)
	e.updateContext(samples)

	frameSrc := samples
	if len(frameSrc) < FrameSize {
		// Less than one frame of rolling context so far: left-pad what is
		// there with zeros so a short block still yields one frame.
		frameSrc = make([]float64, FrameSize)
		copy(frameSrc[FrameSize-len(samples):], samples)
	}
	numFrames := (len(frameSrc)-FrameSize)/HopSize + 1

	mfccStream := make([][]float64, 0, numFrames)
	centroidStream := make([]float64, 0, numFrames)
	rolloffStream := make([]float64, 0, numFrames)
	zcrStream := make([]float64, 0, numFrames)
	rmsStream := make([]float64, 0, numFrames)
	chromaStream := make([][]float64, 0, numFrames)
	melStream := make([][]float64, 0, numFrames)

	for i := 0; i < numFrames; i++ {
		start := i * HopSize
		frame := frameSrc[start : start+FrameSize]

		windowed := make([]float64, FrameSize)
		for j, s := range frame {
			windowed[j] = s * e.window[j]
		}

		coeffs := e.fft.Coefficients(nil, windowed)
		spectrum := make([]float64, FrameSize/2)
		for j := range spectrum {
			re, im := real(coeffs[j]), imag(coeffs[j])
			spectrum[j] = math.Sqrt(re*re + im*im)
		}

		mfcc := computeMFCC(spectrum, e.melFilters)
		mfccStream = append(mfccStream, mfcc)
		centroidStream = append(centroidStream, spectralCentroid(spectrum, e.sampleRate, FrameSize))
		rolloffStream = append(rolloffStream, spectralRolloff(spectrum, e.sampleRate, FrameSize, rolloffPercent))
		zcrStream = append(zcrStream, zeroCrossingRate(frame))
		rmsStream = append(rmsStream, rmsOf(frame))
		chromaStream = append(chromaStream, computeChroma(spectrum, e.chromaMap))
		melStream = append(melStream, logMelEnergies(spectrum, e.melFilters128))
	}

	deltaStream := deltaOf(mfccStream)

	e.updateMelHistory(melStream)

	var v Vector
	if !isFinite(mfccStream) || !isFiniteFlat(centroidStream) || !isFiniteFlat(rolloffStream) ||
		!isFiniteFlat(zcrStream) || !isFiniteFlat(rmsStream) || !isFinite(chromaStream) || !isFinite(deltaStream) {
		return Silent
	}

	offset := 0
	offset = summariseColumns(v[:], offset, mfccStream, numMFCC)
	offset = summariseColumns(v[:], offset, deltaStream, numMFCC)
	offset = summariseScalar(v[:], offset, centroidStream)
	offset = summariseScalar(v[:], offset, rolloffStream)
	offset = summariseScalar(v[:], offset, zcrStream)
	offset = summariseScalar(v[:], offset, rmsStream)
	offset = summariseColumns(v[:], offset, chromaStream, numChroma)

	if offset != VectorLen {
		return Silent
	}

	return v
}

// preEmphasise applies a first-order pre-emphasis filter
// y[n] = x[n] - coeff*x[n-1], carrying the last sample of the previous
// block forward as x[-1].
func (e *Extractor) preEmphasise(block []float32) []float64 {
	out := make([]float64, len(block))
	prev := e.prevEmphasis
	for i, s := range block {
		x := float64(s)
		out[i] = x - preEmphasisCoeff*prev
		prev = x
	}
	e.prevEmphasis = prev
	return out
}

// updateContext keeps up to FrameSize-1 trailing samples for the next block.
func (e *Extractor) updateContext(samples []float64) {
	if len(samples) >= FrameSize-1 {
		e.context = append([]float64{}, samples[len(samples)-(FrameSize-1):]...)
	} else {
		e.context = append([]float64{}, samples...)
	}
}

// updateMelHistory appends this call's finite log-mel frames to the
// rolling window and trims it to the most recent DeepTimeBins frames. A
// non-finite frame (e.g. from a pathological input) is dropped rather
// than poisoning the window.
func (e *Extractor) updateMelHistory(frames [][]float64) {
	for _, row := range frames {
		if isFiniteFlat(row) {
			e.melHistory = append(e.melHistory, row)
		}
	}
	if len(e.melHistory) > DeepTimeBins {
		e.melHistory = e.melHistory[len(e.melHistory)-DeepTimeBins:]
	}
}

func allZero(block []float32) bool {
	for _, s := range block {
		if s != 0 {
			return false
		}
	}
	return true
}

func isFiniteFlat(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func isFinite(rows [][]float64) bool {
	for _, row := range rows {
		if !isFiniteFlat(row) {
			return false
		}
	}
	return true
}

// summariseScalar appends (mean, std, min, max) of a 1-D stream at out[offset:].
func summariseScalar(out []float64, offset int, stream []float64) int {
	mean, std, min, max := meanStdMinMax(stream)
	out[offset], out[offset+1], out[offset+2], out[offset+3] = mean, std, min, max
	return offset + 4
}

// summariseColumns appends (mean, std, min, max) for each of numCols
// columns of a per-frame 2-D stream, in column order.
func summariseColumns(out []float64, offset int, stream [][]float64, numCols int) int {
	for c := 0; c < numCols; c++ {
		col := make([]float64, len(stream))
		for i, row := range stream {
			col[i] = row[c]
		}
		offset = summariseScalar(out, offset, col)
	}
	return offset
}

func meanStdMinMax(vs []float64) (mean, std, min, max float64) {
	if len(vs) == 0 {
		return 0, 0, 0, 0
	}
	min, max = vs[0], vs[0]
	var sum float64
	for _, v := range vs {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean = sum / float64(len(vs))
	var variance float64
	for _, v := range vs {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vs))
	std = math.Sqrt(variance)
	return mean, std, min, max
}

// deltaOf computes the first-difference (delta) of a per-frame MFCC
// stream across frames; the first frame's delta is zero.
func deltaOf(stream [][]float64) [][]float64 {
	out := make([][]float64, len(stream))
	for i := range stream {
		out[i] = make([]float64, numMFCC)
		if i == 0 {
			continue
		}
		for c := 0; c < numMFCC; c++ {
			out[i][c] = stream[i][c] - stream[i-1][c]
		}
	}
	return out
}
