// Package spectrum turns the master bus's mono down-mix into the 32
// log-spaced magnitude bins published by a SpectrumUpdate event (spec §4.5
// item 5, §6 event set). spec.md fixes the ring the samples travel
// through but not the FFT bin math; this is grounded directly on
// CWBudde-algo-dsp's internal/webdemo/spectrum.go, which drives an EQ
// graph display from the same kind of fixed-size ring feed.
package spectrum

import (
	"math"
	"math/cmplx"

	"github.com/cwbudde/algo-dsp/dsp/window"
	algofft "github.com/cwbudde/algo-fft"

	"github.com/enscrypted/gecko/internal/ring"
)

// NumBins is the fixed number of log-spaced magnitude bins a
// SpectrumUpdate event carries.
const NumBins = 32

// MinFreqHz / MaxFreqHz bound the log-spaced bin centers.
const (
	MinFreqHz = 20.0
	MaxFreqHz = 20000.0
)

const (
	fftSize = 2048
	minDB   = -130.0
	eps     = 1e-12
)

// Analyzer consumes the master bus's mono spectrum ring on the control
// thread's polling cadence (the PollSpectrum command) and produces a
// fixed 32-bin dB magnitude snapshot. It keeps its own FFT-sized analysis
// window and is not itself real-time constrained: PollSpectrum runs on
// the control thread, not an audio callback.
type Analyzer struct {
	sampleRate float64

	win     []float64
	winGain float64
	plan    *algofft.Plan[complex128]

	input  []complex128
	output []complex128

	scratch []float32

	binCenters [NumBins]float64
}

// New builds an Analyzer for the given sample rate using a periodic Hann
// window over a 2048-sample FFT, matching webdemo.Engine's default
// analyzer configuration.
func New(sampleRate float64) (*Analyzer, error) {
	win := window.Generate(window.TypeHann, fftSize, window.WithPeriodic())
	sum := 0.0
	for _, w := range win {
		sum += w
	}

	plan, err := algofft.NewPlan64(fftSize)
	if err != nil {
		return nil, err
	}

	a := &Analyzer{
		sampleRate: sampleRate,
		win:        win,
		winGain:    sum / float64(fftSize),
		plan:       plan,
		input:      make([]complex128, fftSize),
		output:     make([]complex128, fftSize),
		scratch:    make([]float32, fftSize),
	}

	logMin := math.Log10(MinFreqHz)
	logMax := math.Log10(MaxFreqHz)
	for i := 0; i < NumBins; i++ {
		t := float64(i) / float64(NumBins-1)
		a.binCenters[i] = math.Pow(10, logMin+t*(logMax-logMin))
	}

	return a, nil
}

// Poll drains up to fftSize of the oldest unread samples from r (spec
// command PollSpectrum), windows and transforms them, and returns NumBins
// log-spaced magnitude-in-dB values. Samples beyond fftSize stay queued in
// r. If fewer than fftSize samples are available, the window positions
// after them are treated as silence.
func (a *Analyzer) Poll(r *ring.Ring) [NumBins]float64 {
	n := r.Pop(a.scratch)

	for i := 0; i < fftSize; i++ {
		var s float64
		if i < n {
			s = float64(a.scratch[i])
		}
		a.input[i] = complex(s*a.win[i], 0)
	}

	var out [NumBins]float64
	if err := a.plan.Forward(a.output, a.input); err != nil {
		for i := range out {
			out[i] = minDB
		}
		return out
	}

	norm := float64(fftSize) * math.Max(a.winGain, eps)
	binHz := a.sampleRate / float64(fftSize)
	lastBin := fftSize/2 + 1 - 1

	db := make([]float64, lastBin+1)
	for k := 0; k <= lastBin; k++ {
		mag := cmplx.Abs(a.output[k]) / norm
		if k > 0 && k < lastBin {
			mag *= 2
		}
		v := 20 * math.Log10(math.Max(eps, mag))
		if v < minDB {
			v = minDB
		}
		db[k] = v
	}

	for i, f := range a.binCenters {
		bin := f / binHz
		if bin <= 0 {
			out[i] = db[0]
			continue
		}
		if bin >= float64(lastBin) {
			out[i] = db[lastBin]
			continue
		}
		base := int(bin)
		frac := bin - float64(base)
		out[i] = db[base] + frac*(db[base+1]-db[base])
	}
	return out
}

// BinCenters returns the fixed log-spaced frequency each bin represents.
func (a *Analyzer) BinCenters() [NumBins]float64 { return a.binCenters }
