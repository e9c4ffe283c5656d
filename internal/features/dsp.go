package features

import "math"

// createMelFilterbank builds a triangular mel-scale filterbank over
// fftSize/2 magnitude bins, adapted directly from the ancestor project's
// analysis package (hz<->mel conversion, mel-spaced center frequencies
// mapped back to FFT bin indices, triangular rise/fall weights).
func createMelFilterbank(numFilters, fftSize, sampleRate int) [][]float64 {
	hzToMel := func(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
	melToHz := func(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

	nyquist := float64(sampleRate) / 2
	lowMel := hzToMel(20)
	highMel := hzToMel(nyquist)

	melPoints := make([]float64, numFilters+2)
	for i := range melPoints {
		melPoints[i] = lowMel + float64(i)*(highMel-lowMel)/float64(numFilters+1)
	}
	hzPoints := make([]float64, numFilters+2)
	for i := range hzPoints {
		hzPoints[i] = melToHz(melPoints[i])
	}
	binPoints := make([]int, numFilters+2)
	for i := range binPoints {
		binPoints[i] = int(math.Floor(hzPoints[i] * float64(fftSize) / float64(sampleRate)))
	}

	filters := make([][]float64, numFilters)
	for i := 0; i < numFilters; i++ {
		filters[i] = make([]float64, fftSize/2)
		for j := binPoints[i]; j < binPoints[i+1] && j < fftSize/2; j++ {
			if binPoints[i+1] != binPoints[i] {
				filters[i][j] = float64(j-binPoints[i]) / float64(binPoints[i+1]-binPoints[i])
			}
		}
		for j := binPoints[i+1]; j < binPoints[i+2] && j < fftSize/2; j++ {
			if binPoints[i+2] != binPoints[i+1] {
				filters[i][j] = float64(binPoints[i+2]-j) / float64(binPoints[i+2]-binPoints[i+1])
			}
		}
	}
	return filters
}

// logMelEnergies applies a mel filterbank to a magnitude spectrum and
// log-compresses each band's energy. This is computeMFCC's first stage
// without the DCT, reused directly for the Deep classifier's raw
// log-mel spectrogram input (§4.3).
func logMelEnergies(spectrum []float64, melFilters [][]float64) []float64 {
	melEnergies := make([]float64, len(melFilters))
	for i, filt := range melFilters {
		var e float64
		for j := 0; j < len(spectrum) && j < len(filt); j++ {
			e += spectrum[j] * spectrum[j] * filt[j]
		}
		if e < 1e-10 {
			e = 1e-10
		}
		melEnergies[i] = math.Log(e)
	}
	return melEnergies
}

// computeMFCC applies the mel filterbank, log-compresses, and runs a
// type-II DCT to produce numMFCC coefficients, following the same shape
// as the ancestor project's computeMFCC.
func computeMFCC(spectrum []float64, melFilters [][]float64) []float64 {
	melEnergies := logMelEnergies(spectrum, melFilters)

	mfcc := make([]float64, numMFCC)
	nFilters := len(melFilters)
	for i := 0; i < numMFCC; i++ {
		var sum float64
		for j := 0; j < nFilters; j++ {
			sum += melEnergies[j] * math.Cos(math.Pi*float64(i)*(float64(j)+0.5)/float64(nFilters))
		}
		mfcc[i] = sum
	}
	return mfcc
}

func spectralCentroid(spectrum []float64, sampleRate, fftSize int) float64 {
	var weightedSum, sum float64
	freqPerBin := float64(sampleRate) / float64(fftSize)
	for i, mag := range spectrum {
		freq := float64(i) * freqPerBin
		weightedSum += freq * mag
		sum += mag
	}
	if sum == 0 {
		return 0
	}
	return weightedSum / sum
}

func spectralRolloff(spectrum []float64, sampleRate, fftSize int, percent float64) float64 {
	var total float64
	for _, mag := range spectrum {
		total += mag * mag
	}
	threshold := total * percent
	freqPerBin := float64(sampleRate) / float64(fftSize)
	var cum float64
	for i, mag := range spectrum {
		cum += mag * mag
		if cum >= threshold {
			return float64(i) * freqPerBin
		}
	}
	return float64(len(spectrum)) * freqPerBin
}

func zeroCrossingRate(frame []float64) float64 {
	if len(frame) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(frame); i++ {
		if (frame[i] >= 0 && frame[i-1] < 0) || (frame[i] < 0 && frame[i-1] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame))
}

func rmsOf(frame []float64) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// createChromaMap returns, for each FFT bin, the weight it contributes
// to each of the 12 pitch classes (C, C#, ..., B) based on the bin's
// centre frequency mapped to the nearest chromatic semitone relative to
// A4 = 440 Hz.
func createChromaMap(fftSize, sampleRate int) [][]float64 {
	freqPerBin := float64(sampleRate) / float64(fftSize)
	m := make([][]float64, fftSize/2)
	for bin := range m {
		freq := float64(bin) * freqPerBin
		m[bin] = make([]float64, numChroma)
		if freq < 20 {
			continue
		}
		// Semitone distance from A4 (440 Hz, pitch class 9 = A).
		semitone := 12 * math.Log2(freq/440.0)
		pitchClass := int(math.Round(semitone)) % 12
		if pitchClass < 0 {
			pitchClass += 12
		}
		pitchClass = (pitchClass + 9) % 12 // shift so class 0 = C
		m[bin][pitchClass] = 1
	}
	return m
}

func computeChroma(spectrum []float64, chromaMap [][]float64) []float64 {
	chroma := make([]float64, numChroma)
	for bin, mag := range spectrum {
		if bin >= len(chromaMap) {
			break
		}
		energy := mag * mag
		for c, w := range chromaMap[bin] {
			chroma[c] += energy * w
		}
	}
	var total float64
	for _, v := range chroma {
		total += v
	}
	if total > 0 {
		for i := range chroma {
			chroma[i] /= total
		}
	}
	return chroma
}
