package proc

import (
	"math"
	"testing"

	"github.com/enscrypted/gecko/internal/state"
)

func TestMasterProcessor_PeaksAndSpectrumPublished(t *testing.T) {
	shared := state.New()
	shared.SetSoftClipEnabled(false)
	mp := NewMasterProcessor(testSampleRate, 128)

	phase := 0.0
	block := sine(1000, 0.6, 128, &phase)
	mp.ProcessBlock(block, shared, testSampleRate)

	peakL, peakR := shared.Peaks()
	if peakL < 0.5 || peakL > 0.65 {
		t.Errorf("peakL = %v, want ~0.6", peakL)
	}
	if peakR < 0.5 || peakR > 0.65 {
		t.Errorf("peakR = %v, want ~0.6", peakR)
	}

	if shared.SpectrumRing.Available() != 128 {
		t.Errorf("spectrum ring available = %d, want 128", shared.SpectrumRing.Available())
	}
}

func TestMasterProcessor_SoftClipLimitsPeaks(t *testing.T) {
	shared := state.New()
	shared.SetSoftClipEnabled(true)
	shared.SetMasterVolume(2.0)
	mp := NewMasterProcessor(testSampleRate, 256)

	phase := 0.0
	var block []float32
	for i := 0; i < 10; i++ {
		block = sine(1000, 0.9, 256, &phase)
		mp.ProcessBlock(block, shared, testSampleRate)
	}
	for _, x := range block {
		if math.Abs(float64(x)) >= 1.0 {
			t.Errorf("sample magnitude %v, want < 1.0 with soft clip enabled", x)
		}
	}
}

func TestMasterProcessor_BypassSkipsEQ(t *testing.T) {
	shared := state.New()
	shared.SetMasterBypassed(true)
	shared.SetMasterBandGain(0, 24) // would be audible if applied
	shared.SetSoftClipEnabled(false)
	mp := NewMasterProcessor(testSampleRate, 128)

	phase := 0.0
	block := sine(31, 0.2, 128, &phase)
	before := rms(block)
	mp.ProcessBlock(block, shared, testSampleRate)
	after := rms(block)
	if math.Abs(after-before) > 0.01 {
		t.Errorf("bypassed master RMS changed from %v to %v, want unchanged (volume is unity)", before, after)
	}
}
