package pipeline

// ChannelBank composes one independent FilterBank per channel over a
// single interleaved reference/desired stream (§4.5.6). Channels do not
// share weights; an optional per-channel gain vector scales each
// channel's anti-noise output after filtering.
type ChannelBank struct {
	banks []FilterBank
	gain  []float32 // nil means unity gain on every channel
}

// NewChannelBank builds a ChannelBank from channel independent banks
// produced by factory, one call per channel. gain may be nil or empty
// (unity) or must have exactly len(banks) entries.
func NewChannelBank(channels int, gain []float32, factory func() FilterBank) *ChannelBank {
	banks := make([]FilterBank, channels)
	for i := range banks {
		banks[i] = factory()
	}
	return &ChannelBank{banks: banks, gain: gain}
}

// ProcessBlock deinterleaves reference/desired by channel count,
// processes each channel independently, reinterleaves the results, and
// applies the configured per-channel gain to the anti-noise output.
func (cb *ChannelBank) ProcessBlock(reference, desired []float32) (antiNoise, errOut []float32) {
	channels := len(cb.banks)
	n := len(reference) / channels

	antiNoise = make([]float32, len(reference))
	errOut = make([]float32, len(reference))

	refCh := make([]float32, n)
	desCh := make([]float32, n)

	for ch, bank := range cb.banks {
		for i := 0; i < n; i++ {
			refCh[i] = reference[i*channels+ch]
			desCh[i] = desired[i*channels+ch]
		}

		anti, errs := bank.ProcessBlock(refCh, desCh)

		g := float32(1)
		if len(cb.gain) == channels {
			g = cb.gain[ch]
		}
		for i := 0; i < n; i++ {
			antiNoise[i*channels+ch] = anti[i] * g
			errOut[i*channels+ch] = errs[i]
		}
	}

	return antiNoise, errOut
}

// Rollbacks returns the sum of every channel's rollback count.
func (cb *ChannelBank) Rollbacks() int {
	total := 0
	for _, b := range cb.banks {
		total += b.Rollbacks()
	}
	return total
}

// Diverged reports whether any channel's bank was reset for divergence
// since its last Reset.
func (cb *ChannelBank) Diverged() bool {
	for _, b := range cb.banks {
		if b.Diverged() {
			return true
		}
	}
	return false
}

// Reset reinitialises every channel's bank.
func (cb *ChannelBank) Reset() {
	for _, b := range cb.banks {
		b.Reset()
	}
}
