// Package dsp implements the fixed per-channel signal chain shared by every
// per-app processor and the master bus: a 10-band biquad cascade, a volume
// scalar, and a soft-knee limiter. Everything here runs on the audio
// callback thread: no allocation, no syscalls, no locks.
package dsp

// Channels is the interleaved stereo channel count Gecko always processes
// internally. Any backend delivering a different layout must convert
// upstream of the capture ring (spec "Audio Format" invariant).
const Channels = 2

// SampleRate is the canonical engine sample rate. 44.1kHz is permitted by
// configuring Format.SampleRate at engine construction instead.
const SampleRate = 48000

// Format pins the fixed properties of every audio buffer inside Gecko.
type Format struct {
	SampleRate float64
}

// DefaultFormat returns the canonical 48kHz stereo float32 format.
func DefaultFormat() Format {
	return Format{SampleRate: SampleRate}
}
