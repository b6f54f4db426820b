// Package state implements SharedState: the process-wide, lock-free
// configuration every audio callback reads and only the control thread
// writes (spec "SharedState", §5, §9). Every field is an atomic scalar or
// a fixed-size table of atomic scalars -- no mutex appears anywhere in
// this package, matching the spec's real-time-thread rule against
// blocking.
//
// Float fields are stored as atomic.Uint64 holding math.Float64bits, the
// same lock-free-metering pattern github.com/MeKo-Christian's pw-comp
// SoftKneeCompressor uses for its peak/gain-reduction meters.
package state

import (
	"math"
	"sync/atomic"

	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/ring"
)

// MaxAppSlots bounds the per-app table (spec "SharedState").
const MaxAppSlots = 64

// SpectrumRingCapacity is sized generously above one FFT analysis window
// so the output callback never has to drop samples under normal load.
const SpectrumRingCapacity = 16384

func loadF64(b *atomic.Uint64) float64     { return math.Float64frombits(b.Load()) }
func storeF64(b *atomic.Uint64, v float64) { b.Store(math.Float64bits(v)) }

// AppSlot holds one app's live EQ/volume/bypass parameters. Slot
// membership (InUse) and identity are written exactly once per capture
// lifetime by the control thread; gains/volume/bypass may be rewritten at
// any rate by the control thread. Audio threads only ever read.
type AppSlot struct {
	inUse    atomic.Bool
	identity atomic.Pointer[string]

	bypassed     atomic.Bool
	volumeBits   atomic.Uint64
	gainBits     [dsp.NumBands]atomic.Uint64
	generation   atomic.Uint32
}

// InUse reports whether this slot currently holds a live app.
func (s *AppSlot) InUse() bool { return s.inUse.Load() }

// Identity returns the app identity bound to this slot, or "" if unbound.
func (s *AppSlot) Identity() string {
	if p := s.identity.Load(); p != nil {
		return *p
	}
	return ""
}

// Bypassed reports the slot's bypass flag.
func (s *AppSlot) Bypassed() bool { return s.bypassed.Load() }

// VolumeLinear returns the slot's linear volume multiplier.
func (s *AppSlot) VolumeLinear() float64 { return loadF64(&s.volumeBits) }

// BandGainDB returns band i's gain in dB.
func (s *AppSlot) BandGainDB(i int) float64 { return loadF64(&s.gainBits[i]) }

// Generation returns the slot's EQ generation counter.
func (s *AppSlot) Generation() uint32 { return s.generation.Load() }

// bind publishes a fresh slot for identity. Control-thread only.
func (s *AppSlot) bind(identity string) {
	s.bypassed.Store(false)
	storeF64(&s.volumeBits, 1.0)
	for i := range s.gainBits {
		storeF64(&s.gainBits[i], 0)
	}
	s.generation.Store(0)
	id := identity
	s.identity.Store(&id)
	s.inUse.Store(true)
}

// release frees the slot. Control-thread only.
func (s *AppSlot) release() {
	s.inUse.Store(false)
	s.identity.Store(nil)
}

// setBandGainDB writes a clamped band gain and bumps the generation
// counter so audio threads notice (spec "Generation counter pattern").
// Control-thread only.
func (s *AppSlot) setBandGainDB(i int, db float64) {
	storeF64(&s.gainBits[i], dsp.ClampGainDB(db))
	s.generation.Add(1)
}

func (s *AppSlot) setVolumeLinear(v float64) {
	storeF64(&s.volumeBits, dsp.ClampVolume(v))
}

func (s *AppSlot) setBypassed(b bool) {
	s.bypassed.Store(b)
}

// SharedState is the single process-wide instance of lock-free state
// shared between the control thread (sole writer) and every audio
// callback (read-only observers). It is owned by the engine and borrowed
// by every PerAppProcessor, CaptureSource, and the MasterProcessor.
type SharedState struct {
	running         atomic.Bool
	masterBypassed  atomic.Bool
	softClipEnabled atomic.Bool

	masterVolumeBits atomic.Uint64
	masterGainBits   [dsp.NumBands]atomic.Uint64
	masterGeneration atomic.Uint32

	peakLBits atomic.Uint64
	peakRBits atomic.Uint64

	slots [MaxAppSlots]AppSlot

	SpectrumRing *ring.Ring
}

// New returns a freshly initialized SharedState: master volume at unity,
// all gains at 0dB, soft-clip enabled, nothing running.
func New() *SharedState {
	s := &SharedState{
		SpectrumRing: ring.New(SpectrumRingCapacity),
	}
	storeF64(&s.masterVolumeBits, 1.0)
	s.softClipEnabled.Store(true)
	return s
}

// Running / SetRunning gate the engine's Idle<->Running transition
// visibility to audio threads that may still be draining in-flight
// buffers during a state change.
func (s *SharedState) Running() bool     { return s.running.Load() }
func (s *SharedState) SetRunning(v bool) { s.running.Store(v) }

func (s *SharedState) MasterBypassed() bool { return s.masterBypassed.Load() }
func (s *SharedState) SetMasterBypassed(v bool) { s.masterBypassed.Store(v) }

func (s *SharedState) SoftClipEnabled() bool { return s.softClipEnabled.Load() }
func (s *SharedState) SetSoftClipEnabled(v bool) { s.softClipEnabled.Store(v) }

func (s *SharedState) MasterVolumeLinear() float64 { return loadF64(&s.masterVolumeBits) }

// SetMasterVolume clamps and stores the master volume (spec command
// SetMasterVolume).
func (s *SharedState) SetMasterVolume(v float64) {
	storeF64(&s.masterVolumeBits, dsp.ClampVolume(v))
}

func (s *SharedState) MasterBandGainDB(i int) float64 { return loadF64(&s.masterGainBits[i]) }

// SetMasterBandGain clamps and stores a master band gain, then bumps the
// generation counter (spec command SetMasterBandGain).
func (s *SharedState) SetMasterBandGain(band int, gainDB float64) {
	if band < 0 || band >= dsp.NumBands {
		return
	}
	storeF64(&s.masterGainBits[band], dsp.ClampGainDB(gainDB))
	s.masterGeneration.Add(1)
}

func (s *SharedState) MasterGeneration() uint32 { return s.masterGeneration.Load() }

func (s *SharedState) SetPeaks(l, r float64) {
	storeF64(&s.peakLBits, l)
	storeF64(&s.peakRBits, r)
}

func (s *SharedState) Peaks() (l, r float64) {
	return loadF64(&s.peakLBits), loadF64(&s.peakRBits)
}

// Slot returns the slot at index i for direct read access from an audio
// callback. i must be in [0, MaxAppSlots).
func (s *SharedState) Slot(i int) *AppSlot { return &s.slots[i] }

// FindSlot returns the index of the slot bound to identity, or -1.
// Safe to call from the control thread; audio threads are handed a slot
// index directly at capture-start time and never need to search.
func (s *SharedState) FindSlot(identity string) int {
	for i := range s.slots {
		if s.slots[i].InUse() && s.slots[i].Identity() == identity {
			return i
		}
	}
	return -1
}

// BindSlot finds a free slot and binds it to identity. Control-thread
// only. Returns -1 if the table is full.
func (s *SharedState) BindSlot(identity string) int {
	if i := s.FindSlot(identity); i != -1 {
		return i
	}
	for i := range s.slots {
		if !s.slots[i].InUse() {
			s.slots[i].bind(identity)
			return i
		}
	}
	return -1
}

// ReleaseSlot frees the slot bound to identity, if any. Control-thread
// only.
func (s *SharedState) ReleaseSlot(identity string) {
	if i := s.FindSlot(identity); i != -1 {
		s.slots[i].release()
	}
}

// SetAppVolume, SetAppBandGain, SetAppBypass implement the corresponding
// per-app commands (spec §6). All are control-thread only.
func (s *SharedState) SetAppVolume(identity string, v float64) {
	if i := s.FindSlot(identity); i != -1 {
		s.slots[i].setVolumeLinear(v)
	}
}

func (s *SharedState) SetAppBandGain(identity string, band int, gainDB float64) {
	if band < 0 || band >= dsp.NumBands {
		return
	}
	if i := s.FindSlot(identity); i != -1 {
		s.slots[i].setBandGainDB(band, gainDB)
	}
}

func (s *SharedState) SetAppBypass(identity string, bypassed bool) {
	if i := s.FindSlot(identity); i != -1 {
		s.slots[i].setBypassed(bypassed)
	}
}
