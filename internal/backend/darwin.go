//go:build darwin && !headless

package backend

/*
#cgo CFLAGS: -x objective-c -fobjc-arc -mmacosx-version-min=13.0
#cgo LDFLAGS: -framework ScreenCaptureKit -framework CoreAudio -framework CoreMedia -framework AVFoundation -framework Foundation

#include <stdlib.h>

extern int gecko_start_process_tap(const char* bundleID, int targetSampleRate, char** errOut);
extern void gecko_stop_process_tap(const char* bundleID);
extern int gecko_list_audio_apps(char*** bundleIDsOut, int** pidsOut, int* countOut);
extern int gecko_start_aggregate_output(const char* deviceName, int sampleRate, char** errOut);
extern void gecko_stop_aggregate_output(void);
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/enscrypted/gecko/internal/capture"
	"github.com/enscrypted/gecko/internal/dsp"
)

// Darwin implements capture.CaptureSource with a per-process CoreAudio tap
// bound to an aggregate device via ScreenCaptureKit, the process-audio-tap
// mechanism introduced for per-app capture on macOS 13+. Each active tap
// delivers float32 frames through goDarwinTapCallback into the ring
// registered for its bundle identity.
type Darwin struct {
	mu      sync.RWMutex
	rings   map[string]*capture.Ring
	events  chan capture.Event
	started map[string]bool
}

var (
	darwinInstance   *Darwin
	darwinInstanceMu sync.Mutex
)

//export goDarwinTapCallback
func goDarwinTapCallback(bundleID *C.char, samples *C.float, count C.int) {
	n := int(count)
	if n <= 0 {
		return
	}
	darwinInstanceMu.Lock()
	d := darwinInstance
	darwinInstanceMu.Unlock()
	if d == nil {
		return
	}

	id := C.GoString(bundleID)
	d.mu.RLock()
	r := d.rings[id]
	d.mu.RUnlock()
	if r == nil {
		return
	}

	goSamples := unsafe.Slice((*float32)(unsafe.Pointer(samples)), n)
	r.Push(goSamples)
}

// New returns a Darwin backend. Capturing a second app while one is
// already active is supported: each bundle identity gets its own
// ScreenCaptureKit stream filtered to that process's audio objects.
func New() *Darwin {
	d := &Darwin{
		rings:   make(map[string]*capture.Ring),
		events:  make(chan capture.Event, 64),
		started: make(map[string]bool),
	}
	darwinInstanceMu.Lock()
	darwinInstance = d
	darwinInstanceMu.Unlock()
	return d
}

type darwinHandle struct{ identity string }

func (h *darwinHandle) Identity() string { return h.identity }

func (d *Darwin) StartCapture(ctx context.Context, identity string, pidHint int) (capture.CaptureHandle, *capture.Ring, error) {
	d.mu.Lock()
	if d.started[identity] {
		d.mu.Unlock()
		return nil, nil, fmt.Errorf("start capture %q: already capturing", identity)
	}
	d.mu.Unlock()

	r := capture.NewRing(dsp.SampleRate * dsp.Channels)

	cID := C.CString(identity)
	defer C.free(unsafe.Pointer(cID))

	var errStr *C.char
	result := C.gecko_start_process_tap(cID, C.int(dsp.SampleRate), &errStr)
	if result != 0 {
		if errStr != nil {
			msg := C.GoString(errStr)
			C.free(unsafe.Pointer(errStr))
			if msg == "permission denied" {
				return nil, nil, fmt.Errorf("start capture %q: %w", identity, capture.ErrPermissionDenied)
			}
			return nil, nil, fmt.Errorf("start capture %q: %s: %w", identity, msg, capture.ErrBackendTransient)
		}
		return nil, nil, fmt.Errorf("start capture %q: %w", identity, capture.ErrBackendTransient)
	}

	d.mu.Lock()
	d.rings[identity] = r
	d.started[identity] = true
	d.mu.Unlock()

	return &darwinHandle{identity: identity}, r, nil
}

func (d *Darwin) StopCapture(handle capture.CaptureHandle) error {
	h, ok := handle.(*darwinHandle)
	if !ok {
		return nil
	}
	d.mu.Lock()
	if !d.started[h.identity] {
		d.mu.Unlock()
		return nil
	}
	delete(d.started, h.identity)
	delete(d.rings, h.identity)
	d.mu.Unlock()

	cID := C.CString(h.identity)
	defer C.free(unsafe.Pointer(cID))
	C.gecko_stop_process_tap(cID)
	return nil
}

// ListAudioApps enumerates running apps via gecko_list_audio_apps, which
// walks NSRunningApplication/CoreAudio process objects on the native
// side. The native call reports no protection flag, so every app is
// returned with Capturable=true.
func (d *Darwin) ListAudioApps(ctx context.Context) ([]capture.AppInfo, error) {
	var bundleIDs **C.char
	var pids *C.int
	var count C.int

	result := C.gecko_list_audio_apps(&bundleIDs, &pids, &count)
	if result != 0 {
		return nil, fmt.Errorf("list audio apps: %w", capture.ErrBackendTransient)
	}
	defer C.free(unsafe.Pointer(bundleIDs))
	defer C.free(unsafe.Pointer(pids))

	n := int(count)
	idSlice := unsafe.Slice(bundleIDs, n)
	pidSlice := unsafe.Slice(pids, n)

	apps := make([]capture.AppInfo, n)
	for i := 0; i < n; i++ {
		apps[i] = capture.AppInfo{
			Identity:   C.GoString(idSlice[i]),
			PID:        int(pidSlice[i]),
			Capturable: true,
		}
		C.free(unsafe.Pointer(idSlice[i]))
	}
	return apps, nil
}

func (d *Darwin) ListOutputDevices(ctx context.Context) ([]capture.DeviceInfo, error) {
	// CoreAudio device enumeration is handled in the native layer behind
	// gecko_start_aggregate_output; Gecko presents only the current
	// system default until a device-listing export is added.
	return []capture.DeviceInfo{{Name: "system-default", IsDefault: true}}, nil
}

type darwinOutputStream struct{}

func (s *darwinOutputStream) Close() error {
	C.gecko_stop_aggregate_output()
	return nil
}

func (d *Darwin) StartOutput(ctx context.Context, deviceTarget string, sampleRate float64, render capture.RenderFunc) (capture.OutputStream, error) {
	var name *C.char
	if deviceTarget != "" {
		name = C.CString(deviceTarget)
		defer C.free(unsafe.Pointer(name))
	}

	var errStr *C.char
	result := C.gecko_start_aggregate_output(name, C.int(sampleRate), &errStr)
	if result != 0 {
		if errStr != nil {
			msg := C.GoString(errStr)
			C.free(unsafe.Pointer(errStr))
			return nil, fmt.Errorf("start output: %s: %w", msg, capture.ErrBackendFatal)
		}
		return nil, fmt.Errorf("start output: %w", capture.ErrBackendFatal)
	}

	// render is not handed to the native side and the returned stream
	// does not retain it; SwitchOutput restarts output with a no-op
	// render callback.
	return &darwinOutputStream{}, nil
}

func (d *Darwin) SwitchOutput(ctx context.Context, stream capture.OutputStream, newDeviceTarget string) (capture.OutputStream, error) {
	if stream != nil {
		_ = stream.Close()
	}
	return d.StartOutput(ctx, newDeviceTarget, dsp.SampleRate, func([]float32) {})
}

func (d *Darwin) Events() <-chan capture.Event { return d.events }

func (d *Darwin) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for identity := range d.started {
		cID := C.CString(identity)
		C.gecko_stop_process_tap(cID)
		C.free(unsafe.Pointer(cID))
	}
	d.started = make(map[string]bool)
	d.rings = make(map[string]*capture.Ring)
	return nil
}
