// Package proc implements the three block processors that sit between the
// capture rings and the output device: PerAppProcessor, Mixer, and
// MasterProcessor (spec §4.3, §4.4, §4.5). All three run exclusively on
// real-time audio callback threads and obey the same no-allocation,
// no-blocking discipline as internal/dsp.
package proc

import (
	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/state"
)

// PerAppProcessor turns one app's raw interleaved stereo buffer into a
// processed buffer ready for mixing (spec "PerAppProcessor"). One instance
// is owned per active capture; it is never shared across apps.
type PerAppProcessor struct {
	cascade       *dsp.BiquadCascade
	volume        *dsp.VolumeGain
	cachedGains   [dsp.NumBands]float64
	cachedGen     uint32
	primed        bool
}

// NewPerAppProcessor allocates a processor sized for up to maxBlockFrames
// per ProcessBlock call.
func NewPerAppProcessor(sampleRate float64, maxBlockFrames int) *PerAppProcessor {
	return &PerAppProcessor{
		cascade: dsp.NewBiquadCascade(sampleRate, maxBlockFrames),
		volume:  dsp.NewVolumeGain(maxBlockFrames * dsp.Channels),
	}
}

// Reset clears the cascade's filter memory. Called once when a capture
// first starts (spec §4.1 reset()), never on parameter changes.
func (p *PerAppProcessor) Reset() {
	p.cascade.Reset()
}

// ProcessBlock implements spec §4.3's four-step per-app chain: lazily
// refresh any changed band coefficients, apply bypass, cascade, then scale
// by volume. samples may be shorter than a full block (ring underrun);
// the caller has already zero-padded or truncated as appropriate -- this
// function processes exactly what it is given.
func (p *PerAppProcessor) ProcessBlock(samples []float32, shared *state.SharedState, slotIndex int, sampleRate float64) {
	slot := shared.Slot(slotIndex)

	gen := slot.Generation()
	if !p.primed || gen != p.cachedGen {
		for band := 0; band < dsp.NumBands; band++ {
			g := slot.BandGainDB(band)
			if g != p.cachedGains[band] {
				p.cascade.Reconfigure(band, g, sampleRate)
				p.cachedGains[band] = g
			}
		}
		p.cachedGen = gen
		p.primed = true
	}

	if slot.Bypassed() {
		p.volume.Apply(samples, slot.VolumeLinear())
		return
	}

	p.cascade.ProcessBlock(samples)
	p.volume.Apply(samples, slot.VolumeLinear())
}
