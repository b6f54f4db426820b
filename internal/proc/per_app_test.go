package proc

import (
	"math"
	"testing"

	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/state"
)

const testSampleRate = 48000.0

func sine(freqHz, amplitude float64, frames int, phase *float64) []float32 {
	buf := make([]float32, frames*dsp.Channels)
	step := 2 * math.Pi * freqHz / testSampleRate
	p := *phase
	for i := 0; i < frames; i++ {
		s := float32(amplitude * math.Sin(p))
		buf[2*i] = s
		buf[2*i+1] = s
		p += step
	}
	*phase = math.Mod(p, 2*math.Pi)
	return buf
}

func rms(buf []float32) float64 {
	var sum float64
	for _, x := range buf {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

// TestPerAppProcessor_BypassSkipsCascadeButAppliesVolume verifies step 2's
// "skip step 3" wording applies only to the cascade, not the volume scale
// that follows it (spec §4.3 steps 2-4).
func TestPerAppProcessor_BypassSkipsCascadeButAppliesVolume(t *testing.T) {
	shared := state.New()
	idx := shared.BindSlot("app:test")
	shared.SetAppBandGain("app:test", 5, 12) // would boost 1kHz heavily if applied
	shared.SetAppBypass("app:test", true)
	shared.SetAppVolume("app:test", 0.5)

	p := NewPerAppProcessor(testSampleRate, 256)
	phase := 0.0
	block := sine(1000, 0.4, 256, &phase)
	p.ProcessBlock(block, shared, idx, testSampleRate)

	got := rms(block)
	want := 0.4 / math.Sqrt2 * 0.5
	if math.Abs(got-want) > 0.01 {
		t.Errorf("bypassed RMS = %v, want ~%v (volume applied, EQ skipped)", got, want)
	}
}

// TestPerAppProcessor_LazyRecompute verifies coefficients are only
// recomputed when the slot's generation counter advances (spec §8
// property 9, §4.3 step 1).
func TestPerAppProcessor_LazyRecompute(t *testing.T) {
	shared := state.New()
	idx := shared.BindSlot("app:test")
	p := NewPerAppProcessor(testSampleRate, 64)

	phase := 0.0
	for i := 0; i < 3; i++ {
		block := sine(1000, 0.1, 64, &phase)
		p.ProcessBlock(block, shared, idx, testSampleRate)
	}
	callsAfterNoChange := p.cascade.ReconfigureCalls()
	if callsAfterNoChange != 0 {
		t.Fatalf("expected 0 reconfigure calls with no gain change, got %d", callsAfterNoChange)
	}

	shared.SetAppBandGain("app:test", 0, 6)
	block := sine(1000, 0.1, 64, &phase)
	p.ProcessBlock(block, shared, idx, testSampleRate)
	if p.cascade.ReconfigureCalls() != 1 {
		t.Fatalf("expected exactly 1 reconfigure call after a single band change, got %d", p.cascade.ReconfigureCalls())
	}

	block = sine(1000, 0.1, 64, &phase)
	p.ProcessBlock(block, shared, idx, testSampleRate)
	if p.cascade.ReconfigureCalls() != 1 {
		t.Fatalf("expected no additional reconfigure calls once cached, got %d", p.cascade.ReconfigureCalls())
	}
}

// TestPerAppProcessor_ShortBlockTolerated verifies a ring-underrun-sized
// (shorter than the allocated max) block is processed without panicking
// (spec §4.3: "tolerates missing samples... processing fewer frames").
func TestPerAppProcessor_ShortBlockTolerated(t *testing.T) {
	shared := state.New()
	idx := shared.BindSlot("app:test")
	p := NewPerAppProcessor(testSampleRate, 256)

	phase := 0.0
	short := sine(1000, 0.2, 17, &phase)
	p.ProcessBlock(short, shared, idx, testSampleRate)
	if len(short) != 17*dsp.Channels {
		t.Fatalf("unexpected buffer mutation length: %d", len(short))
	}
}
