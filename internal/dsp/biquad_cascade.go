package dsp

import (
	"sync/atomic"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

// BiquadCascade applies the fixed 10-band cascade (spec "BiquadCascade") to
// one stereo buffer. Each channel owns its own github.com/cwbudde/algo-dsp
// biquad.Chain of 10 sections in Direct Form II Transposed; reconfiguring a
// band recomputes only that section's coefficients via UpdateCoefficients,
// which preserves delay-line state when the section count does not change
// (it never does here) -- the click-free hot-swap the spec requires.
//
// algo-dsp's internal samples are float64; Gecko's wire format is
// interleaved float32. A pair of pre-allocated float64 scratch buffers
// (sized to the largest block this cascade will ever see) absorb the
// conversion so ProcessBlock stays allocation-free.
type BiquadCascade struct {
	left, right *biquad.Chain

	coeffs [NumBands]biquad.Coefficients // current per-band coefficients, cached for UpdateCoefficients

	scratchL, scratchR []float64

	reconfigureCalls atomic.Uint64 // debug counter, spec §8 property 9
}

// NewBiquadCascade builds a cascade with all bands at unity gain (0dB) and
// pre-allocates scratch buffers sized for maxBlockFrames samples per
// channel. maxBlockFrames must be >= the largest block ProcessBlock will
// ever be called with.
func NewBiquadCascade(sampleRate float64, maxBlockFrames int) *BiquadCascade {
	c := &BiquadCascade{
		scratchL: make([]float64, maxBlockFrames),
		scratchR: make([]float64, maxBlockFrames),
	}
	for i, spec := range bandSpecs {
		c.coeffs[i] = designBand(spec, 0, sampleRate)
	}
	coeffsCopy := c.coeffs[:]
	c.left = biquad.NewChain(append([]biquad.Coefficients(nil), coeffsCopy...))
	c.right = biquad.NewChain(append([]biquad.Coefficients(nil), coeffsCopy...))
	return c
}

func designBand(spec BandSpec, gainDB, sampleRate float64) biquad.Coefficients {
	switch spec.Type {
	case BandLowShelf:
		return design.LowShelf(spec.FreqHz, gainDB, spec.Q, sampleRate)
	case BandHighShelf:
		return design.HighShelf(spec.FreqHz, gainDB, spec.Q, sampleRate)
	default:
		return design.Peak(spec.FreqHz, gainDB, spec.Q, sampleRate)
	}
}

// Reconfigure recomputes band bandIndex's coefficients for newGainDB and
// swaps them in without touching filter memory. bandIndex and newGainDB
// are assumed already validated at the command boundary (spec §4.1); this
// is the audio-thread-safe hot path, so it does no bounds error reporting,
// only a defensive no-op on an out-of-range index.
func (c *BiquadCascade) Reconfigure(bandIndex int, newGainDB float64, sampleRate float64) {
	if bandIndex < 0 || bandIndex >= NumBands {
		return
	}
	c.coeffs[bandIndex] = designBand(bandSpecs[bandIndex], newGainDB, sampleRate)
	c.left.UpdateCoefficients(c.coeffs[:], c.left.Gain())
	c.right.UpdateCoefficients(c.coeffs[:], c.right.Gain())
	c.reconfigureCalls.Add(1)
}

// ReconfigureCalls returns how many times Reconfigure has run, for the
// generation-counter laziness test (spec §8 property 9).
func (c *BiquadCascade) ReconfigureCalls() uint64 {
	return c.reconfigureCalls.Load()
}

// ProcessBlock cascades interleaved stereo samples through both channel
// chains in place. O(n) in samples, allocation-free, no syscalls, no locks.
func (c *BiquadCascade) ProcessBlock(interleavedStereo []float32) {
	frames := len(interleavedStereo) / Channels
	if frames == 0 {
		return
	}
	l := c.scratchL[:frames]
	r := c.scratchR[:frames]
	for i := 0; i < frames; i++ {
		l[i] = float64(interleavedStereo[2*i])
		r[i] = float64(interleavedStereo[2*i+1])
	}

	c.left.ProcessBlock(l)
	c.right.ProcessBlock(r)

	for i := 0; i < frames; i++ {
		interleavedStereo[2*i] = float32(l[i])
		interleavedStereo[2*i+1] = float32(r[i])
	}
}

// Reset clears filter memory on both channels. Used only when a source is
// first started, never on parameter changes (spec "BiquadCascade").
func (c *BiquadCascade) Reset() {
	c.left.Reset()
	c.right.Reset()
}
