// Package capture defines CaptureSource, the platform-abstract contract
// every backend implements (spec "CaptureSource", §4.7), and the error
// taxonomy the engine and backends use to communicate failures without
// ever panicking on invalid or transient input (spec §7).
package capture

import (
	"context"
	"errors"
)

// Sentinel errors forming the taxonomy of spec §7. Backends wrap these
// with fmt.Errorf("...: %w", ErrX) to add operation-specific detail; the
// engine matches against the sentinel with errors.Is.
var (
	// ErrEngineNotRunning is returned when a command requires Running
	// state but the engine is Idle.
	ErrEngineNotRunning = errors.New("gecko: engine not running")

	// ErrUnsupportedPlatformVersion is returned when the backend cannot
	// operate on the host OS version (e.g. per-process capture requires
	// a platform minimum this host doesn't meet).
	ErrUnsupportedPlatformVersion = errors.New("gecko: unsupported platform version")

	// ErrPermissionDenied is returned when a required OS-level capture
	// permission has not been granted.
	ErrPermissionDenied = errors.New("gecko: permission denied")

	// ErrAppNotFound is returned when the referenced app identity does
	// not currently exist.
	ErrAppNotFound = errors.New("gecko: app not found")

	// ErrDeviceNotFound is returned when the referenced device name does
	// not currently exist.
	ErrDeviceNotFound = errors.New("gecko: device not found")

	// ErrBackendTransient marks an ephemeral failure the engine retries
	// under its bounded retry policy (spec §4.8 pending-relink budget).
	ErrBackendTransient = errors.New("gecko: backend transient failure")

	// ErrBackendFatal marks an unrecoverable backend state; the engine
	// transitions to Idle and emits Error.
	ErrBackendFatal = errors.New("gecko: backend fatal failure")
)

// AppInfo describes one running app the backend can see (spec
// "CaptureSource", list_audio_apps).
type AppInfo struct {
	Identity   string
	PID        int
	Capturable bool // false if AppProtected: OS sandboxing forbids capture
}

// DeviceInfo describes one output device the backend can render to
// (spec "Device targeting"; supplements spec.md with the device-listing
// shape a real UI device picker needs).
type DeviceInfo struct {
	Name      string
	IsDefault bool
}

// CaptureHandle is the opaque backend-owned resource returned by
// StartCapture. Backends type-assert it back to their own internal type;
// the engine only ever stores and later returns it.
type CaptureHandle interface {
	// Identity returns the app identity this handle captures.
	Identity() string
}

// Event is the backend-notification path (spec §4.7 "Event callback
// path"). Backends deliver these asynchronously; the engine drains them
// once per control-loop tick.
type Event struct {
	Kind              EventKind
	Identity          string // AppAppeared, AppDisappeared
	DefaultDeviceName string // DefaultDeviceChanged
}

// EventKind discriminates the Event union.
type EventKind int

const (
	EventDefaultDeviceChanged EventKind = iota
	EventAppAppeared
	EventAppDisappeared
)

// CaptureSource is the platform-abstract contract every backend
// (internal/backend's linux.go, darwin.go, windows.go, headless.go)
// implements (spec "CaptureSource").
type CaptureSource interface {
	// StartCapture begins delivering identity's audio into a freshly
	// created ring and returns a handle to it. pidHint is advisory only
	// -- identity is the stable key (spec §9 "Per-app state keyed by
	// name"). Blocking is permitted (control-thread only) but must
	// complete within a few hundred milliseconds. Fails with
	// ErrAppNotFound, ErrPermissionDenied, or a wrapped
	// ErrBackendTransient/ErrBackendFatal.
	StartCapture(ctx context.Context, identity string, pidHint int) (CaptureHandle, *Ring, error)

	// StopCapture is idempotent: releases OS resources and guarantees no
	// further writes reach handle's ring once it returns.
	StopCapture(handle CaptureHandle) error

	// ListAudioApps enumerates currently running apps with audio.
	ListAudioApps(ctx context.Context) ([]AppInfo, error)

	// ListOutputDevices enumerates available render devices.
	ListOutputDevices(ctx context.Context) ([]DeviceInfo, error)

	// StartOutput opens a render stream on the named device. An empty
	// deviceTarget selects the current OS default.
	StartOutput(ctx context.Context, deviceTarget string, sampleRate float64, render RenderFunc) (OutputStream, error)

	// SwitchOutput atomically changes the output device; mixer/master
	// state and per-app rings are preserved across the call.
	SwitchOutput(ctx context.Context, stream OutputStream, newDeviceTarget string) (OutputStream, error)

	// Events returns the channel backend notifications are delivered on
	// (spec §4.7 "Event callback path"). The engine drains it once per
	// control-loop tick; it must never block the backend's own threads,
	// so backends deliver on a best-effort, drop-if-full basis.
	Events() <-chan Event

	// Close releases all backend-owned resources. Called once, when the
	// engine transitions to Idle and the backend itself is torn down.
	Close() error
}

// RenderFunc is called by the output stream's real-time callback to fill
// one block of interleaved stereo float32 samples. It must obey every
// real-time-thread rule in spec §5: no allocation, no blocking, no
// syscalls.
type RenderFunc func(out []float32)

// OutputStream is the opaque handle to an open render stream.
type OutputStream interface {
	// Close stops the stream and releases its OS resources.
	Close() error
}

// Ring is a type alias so backends can hand the engine a ring without
// internal/capture importing internal/ring directly into every call
// signature above; it is defined in ring_alias.go to keep this file's
// import list focused on the contract itself.
