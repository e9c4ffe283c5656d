package pipeline

import (
	"testing"

	"github.com/Surya893/anc-backend-sub000/internal/nlms"
)

func TestChannelBankProcessesIndependently(t *testing.T) {
	cb := NewChannelBank(2, nil, func() FilterBank { return nlms.New(16) })

	// Interleaved stereo: channel 0 gets a constant full-scale signal,
	// channel 1 silence.
	reference := []float32{1, 0, 1, 0, 1, 0, 1, 0}
	desired := append([]float32(nil), reference...)

	anti, errOut := cb.ProcessBlock(reference, desired)
	if len(anti) != len(reference) || len(errOut) != len(reference) {
		t.Fatalf("expected output length %d, got anti=%d err=%d", len(reference), len(anti), len(errOut))
	}

	// Channel 1 (silent) should produce zero anti-noise throughout,
	// since an NLMS filter fed all-zero reference never updates.
	for i := 1; i < len(anti); i += 2 {
		if anti[i] != 0 {
			t.Errorf("expected channel 1 anti-noise to stay zero, got %v at index %d", anti[i], i)
		}
	}
}

func TestChannelBankAppliesPerChannelGain(t *testing.T) {
	gains := []float32{1, 0}
	cb := NewChannelBank(2, gains, func() FilterBank { return nlms.New(8) })

	reference := []float32{0.5, 0.5, 0.5, 0.5}
	desired := append([]float32(nil), reference...)

	anti, _ := cb.ProcessBlock(reference, desired)
	for i := 1; i < len(anti); i += 2 {
		if anti[i] != 0 {
			t.Errorf("expected channel 1 gain of 0 to zero its anti-noise, got %v", anti[i])
		}
	}
}

func TestChannelBankRollbacksStartAtZero(t *testing.T) {
	cb := NewChannelBank(3, nil, func() FilterBank { return nlms.New(4) })
	if cb.Rollbacks() != 0 {
		t.Fatalf("expected 0 rollbacks initially, got %d", cb.Rollbacks())
	}
}
