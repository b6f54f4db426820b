package proc

import (
	"math"

	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/state"
)

// MasterProcessor finalizes the mixed bus and publishes metering (spec
// "MasterProcessor"): master EQ, master volume, optional soft limiting,
// peak metering, and a mono down-mix feed into the spectrum ring.
type MasterProcessor struct {
	cascade     *dsp.BiquadCascade
	limiter     *dsp.SoftLimiter
	volume      *dsp.VolumeGain
	cachedGains [dsp.NumBands]float64
	cachedGen   uint32
	primed      bool

	monoScratch []float32
}

// NewMasterProcessor allocates a MasterProcessor sized for up to
// maxBlockFrames interleaved stereo frames per ProcessBlock call.
func NewMasterProcessor(sampleRate float64, maxBlockFrames int) *MasterProcessor {
	return &MasterProcessor{
		cascade:     dsp.NewBiquadCascade(sampleRate, maxBlockFrames),
		limiter:     dsp.NewSoftLimiter(),
		volume:      dsp.NewVolumeGain(maxBlockFrames * dsp.Channels),
		monoScratch: make([]float32, maxBlockFrames),
	}
}

// ProcessBlock implements spec §4.5's five-step master chain in place on
// master, an interleaved stereo buffer, then appends a mono down-mix of
// the final result into shared.SpectrumRing.
func (m *MasterProcessor) ProcessBlock(master []float32, shared *state.SharedState, sampleRate float64) {
	if !shared.MasterBypassed() {
		gen := shared.MasterGeneration()
		if !m.primed || gen != m.cachedGen {
			for band := 0; band < dsp.NumBands; band++ {
				g := shared.MasterBandGainDB(band)
				if g != m.cachedGains[band] {
					m.cascade.Reconfigure(band, g, sampleRate)
					m.cachedGains[band] = g
				}
			}
			m.cachedGen = gen
			m.primed = true
		}
		m.cascade.ProcessBlock(master)
	}

	m.volume.Apply(master, shared.MasterVolumeLinear())

	if shared.SoftClipEnabled() {
		m.limiter.ProcessBlock(master)
	}

	peakL, peakR := peakMagnitude(master)
	shared.SetPeaks(peakL, peakR)

	frames := len(master) / dsp.Channels
	mono := m.monoScratch[:frames]
	for i := 0; i < frames; i++ {
		mono[i] = (master[2*i] + master[2*i+1]) * 0.5
	}
	shared.SpectrumRing.Push(mono)
}

// peakMagnitude returns the per-channel peak absolute magnitude over an
// interleaved stereo block (spec §4.5 item 4).
func peakMagnitude(interleaved []float32) (peakL, peakR float64) {
	for i := 0; i+1 < len(interleaved); i += 2 {
		l := math.Abs(float64(interleaved[i]))
		r := math.Abs(float64(interleaved[i+1]))
		if l > peakL {
			peakL = l
		}
		if r > peakR {
			peakR = r
		}
	}
	return peakL, peakR
}
