package dsp

import "github.com/cwbudde/algo-vecmath"

// MaxVolumeLinear / MinVolumeLinear bound every volume_linear scalar in the
// system, per-app and master alike (spec §6).
const (
	MaxVolumeLinear = 2.0
	MinVolumeLinear = 0.0
)

// ClampVolume clamps a linear volume multiplier to [0, 2].
func ClampVolume(v float64) float64 {
	if v > MaxVolumeLinear {
		return MaxVolumeLinear
	}
	if v < MinVolumeLinear {
		return MinVolumeLinear
	}
	return v
}

// VolumeGain multiplies an interleaved stereo buffer by a linear scalar.
// The conversion scratch is pre-allocated so Apply never allocates; the
// actual scale is github.com/cwbudde/algo-vecmath's ScaleBlock, the same
// primitive algo-dsp's convolution code uses to scale impulse-response
// taps (dsp/conv/conv.go).
type VolumeGain struct {
	scratch []float64
}

// NewVolumeGain pre-allocates scratch for up to maxInterleavedSamples
// (frames * Channels) per Apply call.
func NewVolumeGain(maxInterleavedSamples int) *VolumeGain {
	return &VolumeGain{scratch: make([]float64, maxInterleavedSamples)}
}

// Apply scales buf in place by volumeLinear, which the caller must already
// have clamped with ClampVolume.
func (g *VolumeGain) Apply(buf []float32, volumeLinear float64) {
	if volumeLinear == 1 {
		return
	}
	n := len(buf)
	scratch := g.scratch[:n]
	for i, x := range buf {
		scratch[i] = float64(x)
	}
	vecmath.ScaleBlock(scratch, scratch, volumeLinear)
	for i, x := range scratch {
		buf[i] = float32(x)
	}
}
