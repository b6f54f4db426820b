package dsp

// NumBands is the fixed band count of every EQ instance, per-app and master.
const NumBands = 10

// BandType identifies the filter shape a band is permanently wired to.
type BandType int

const (
	BandLowShelf BandType = iota
	BandPeaking
	BandHighShelf
)

const (
	// MaxBandGainDB / MinBandGainDB are the hard clamp applied to every
	// per-app band and to the master EQ's band gains alike.
	MaxBandGainDB = 24.0
	MinBandGainDB = -24.0

	shelfQ = 0.707
	peakQ  = 1.41
)

// BandSpec is the fixed, never-reconfigured part of a band: its center
// frequency, type, and Q. Only GainDB varies at runtime.
type BandSpec struct {
	FreqHz float64
	Type   BandType
	Q      float64
}

// bandSpecs is the fixed 10-band layout mandated by the spec: band 0 is a
// low shelf, bands 1-8 are peaking, band 9 is a high shelf.
var bandSpecs = [NumBands]BandSpec{
	{FreqHz: 31, Type: BandLowShelf, Q: shelfQ},
	{FreqHz: 62, Type: BandPeaking, Q: peakQ},
	{FreqHz: 125, Type: BandPeaking, Q: peakQ},
	{FreqHz: 250, Type: BandPeaking, Q: peakQ},
	{FreqHz: 500, Type: BandPeaking, Q: peakQ},
	{FreqHz: 1000, Type: BandPeaking, Q: peakQ},
	{FreqHz: 2000, Type: BandPeaking, Q: peakQ},
	{FreqHz: 4000, Type: BandPeaking, Q: peakQ},
	{FreqHz: 8000, Type: BandPeaking, Q: peakQ},
	{FreqHz: 16000, Type: BandHighShelf, Q: shelfQ},
}

// BandSpecs returns the fixed band layout (copy; callers may not mutate it).
func BandSpecs() [NumBands]BandSpec { return bandSpecs }

// EqConfig is the mutable part of a 10-band EQ: one gain per band. The
// identity configuration is all zeros (spec "EqConfig").
type EqConfig struct {
	GainsDB [NumBands]float64
}

// ClampGainDB clamps a single band gain to [-24, +24] dB (spec §6, §8.3).
func ClampGainDB(db float64) float64 {
	if db > MaxBandGainDB {
		return MaxBandGainDB
	}
	if db < MinBandGainDB {
		return MinBandGainDB
	}
	return db
}
