package hybrid

import (
	"math"
	"math/rand"
	"testing"

	"github.com/Surya893/anc-backend-sub000/internal/nlms"
	"github.com/Surya893/anc-backend-sub000/internal/rls"
	"github.com/stretchr/testify/require"
)

const sampleRate = 48000

func rms(s []float32) float64 {
	var sum float64
	for _, v := range s {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(s)))
}

func mixedBlock(blockIdx, n int, rng *rand.Rand) []float32 {
	out := make([]float32, n)
	for i := range out {
		t := float64(blockIdx*n+i) / sampleRate
		out[i] = float32(0.3*math.Sin(2*math.Pi*440*t) + 0.1*rng.NormFloat64())
	}
	return out
}

// TestHybridMonotonicity is the property from spec.md §8: across 1s of
// mixed (sinusoid + white) input, hybrid residual RMS must be within 1 dB
// of min(NLMS residual RMS, RLS residual RMS).
func TestHybridMonotonicity(t *testing.T) {
	h := New(nlms.DefaultTaps, rls.DefaultTaps)
	nOnly := nlms.New(nlms.DefaultTaps)
	rOnly := rls.New(rls.DefaultTaps)

	rng := rand.New(rand.NewSource(42))
	const blockLen = 1024
	blocks := sampleRate / blockLen // ~1s

	var hybridResidual, nlmsResidual, rlsResidual float64
	for b := 0; b < blocks; b++ {
		in := mixedBlock(b, blockLen, rng)

		_, hErr := h.ProcessBlock(in, in)
		_, nErr := nOnly.ProcessBlock(in, in)
		_, rErr := rOnly.ProcessBlock(in, in)

		hybridResidual = rms(hErr)
		nlmsResidual = rms(nErr)
		rlsResidual = rms(rErr)
	}

	minResidual := math.Min(nlmsResidual, rlsResidual)
	hybridDB := 20 * math.Log10(hybridResidual+1e-12)
	minDB := 20 * math.Log10(minResidual+1e-12)

	require.LessOrEqualf(t, hybridDB, minDB+1.0,
		"hybrid residual %.2f dB exceeds min-branch residual %.2f dB by more than 1 dB", hybridDB, minDB)
}

func TestAlphaStaysInBounds(t *testing.T) {
	h := New(64, 64)
	rng := rand.New(rand.NewSource(7))
	for b := 0; b < 200; b++ {
		in := mixedBlock(b, 256, rng)
		h.ProcessBlock(in, in)
		require.GreaterOrEqual(t, h.Alpha(), MinAlpha)
		require.LessOrEqual(t, h.Alpha(), MaxAlpha)
	}
}
