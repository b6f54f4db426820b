//go:build linux && !headless

package backend

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/enscrypted/gecko/internal/capture"
	"github.com/enscrypted/gecko/internal/dsp"
)

// Linux implements capture.CaptureSource against a PipeWire graph,
// addressed the way pw-cli/pactl address it: named nodes linked by
// pw-link rather than raw libpipewire cgo bindings, since every
// PipeWire-facing example in the retrieved pack drives the graph through
// its CLI tools (pactl, parec) rather than linking libpipewire directly.
// Per-app capture targets a node's application.name/media.name property;
// a virtual sink plus monitor-port links is the PipeWire equivalent of
// the per-process tap the darwin/windows backends get natively.
type Linux struct {
	mu      sync.Mutex
	streams map[string]*linuxCaptureHandle
	events  chan capture.Event

	lastRender     capture.RenderFunc
	lastSampleRate float64
}

type linuxCaptureHandle struct {
	identity string
	cmd      *exec.Cmd
	done     chan struct{}
}

func (h *linuxCaptureHandle) Identity() string { return h.identity }

// New returns a Linux backend bound to the PipeWire graph reachable via
// pactl/pw-record/pw-link on PATH.
func New() *Linux {
	return &Linux{
		streams: make(map[string]*linuxCaptureHandle),
		events:  make(chan capture.Event, 64),
	}
}

// StartCapture starts a pw-record process targeting identity's sink-input
// node and streams its output into a freshly created ring. It returns as
// soon as the process is launched and does not wait for pw-record to
// connect to the node; a process that cannot be launched yields
// ErrAppNotFound.
func (l *Linux) StartCapture(ctx context.Context, identity string, pidHint int) (capture.CaptureHandle, *capture.Ring, error) {
	l.mu.Lock()
	if _, exists := l.streams[identity]; exists {
		l.mu.Unlock()
		return nil, nil, fmt.Errorf("start capture %q: already capturing", identity)
	}
	l.mu.Unlock()

	cmd := exec.CommandContext(ctx, "pw-record",
		"--target", identity,
		"--format", "f32",
		"--channels", strconv.Itoa(dsp.Channels),
		"--rate", strconv.Itoa(dsp.SampleRate),
		"-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("pw-record stdout pipe for %q: %w", identity, capture.ErrBackendTransient)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("pw-record start for %q: %w", identity, capture.ErrAppNotFound)
	}

	r := capture.NewRing(dsp.SampleRate * dsp.Channels)
	done := make(chan struct{})
	handle := &linuxCaptureHandle{identity: identity, cmd: cmd, done: done}

	l.mu.Lock()
	l.streams[identity] = handle
	l.mu.Unlock()

	go l.pumpCapture(stdout, r, done)

	return handle, r, nil
}

func (l *Linux) pumpCapture(stdout io.Reader, r *capture.Ring, done chan struct{}) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	const frames = 256
	raw := make([]byte, frames*dsp.Channels*4)
	samples := make([]float32, frames*dsp.Channels)

	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := reader.Read(raw)
		if err != nil {
			return
		}
		count := n / 4
		for i := 0; i < count; i++ {
			bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
			samples[i] = math.Float32frombits(bits)
		}
		r.Push(samples[:count])
	}
}

// StopCapture is idempotent: killing an already-exited process is a no-op.
func (l *Linux) StopCapture(handle capture.CaptureHandle) error {
	h, ok := handle.(*linuxCaptureHandle)
	if !ok {
		return nil
	}
	l.mu.Lock()
	if l.streams[h.identity] != h {
		l.mu.Unlock()
		return nil
	}
	delete(l.streams, h.identity)
	l.mu.Unlock()

	close(h.done)
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	_ = h.cmd.Wait()
	return nil
}

// ListAudioApps enumerates nodes via `pw-cli list-objects Node` and reports
// one app per application.name property found. Every app is reported with
// Capturable=true; protected apps are not detected. PIDs are not filled in.
func (l *Linux) ListAudioApps(ctx context.Context) ([]capture.AppInfo, error) {
	out, err := exec.CommandContext(ctx, "pw-cli", "list-objects", "Node").Output()
	if err != nil {
		return nil, fmt.Errorf("pw-cli list-objects: %w", capture.ErrBackendTransient)
	}
	return parsePwNodeApps(string(out)), nil
}

func parsePwNodeApps(listing string) []capture.AppInfo {
	var apps []capture.AppInfo
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "application.name") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		if name == "" {
			continue
		}
		apps = append(apps, capture.AppInfo{Identity: name, Capturable: true})
	}
	return apps
}

// ListOutputDevices enumerates sinks by their PipeWire node description.
func (l *Linux) ListOutputDevices(ctx context.Context) ([]capture.DeviceInfo, error) {
	out, err := exec.CommandContext(ctx, "pactl", "list", "sinks", "short").Output()
	if err != nil {
		return nil, fmt.Errorf("pactl list sinks: %w", capture.ErrBackendTransient)
	}
	var devices []capture.DeviceInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, capture.DeviceInfo{Name: fields[1]})
	}
	if len(devices) > 0 {
		devices[0].IsDefault = true
	}
	return devices, nil
}

type linuxOutputStream struct {
	cmd *exec.Cmd
}

func (s *linuxOutputStream) Close() error {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return nil
}

// StartOutput opens a pw-play render stream targeting deviceTarget by
// name (spec "Device targeting": names, never transient node ids).
func (l *Linux) StartOutput(ctx context.Context, deviceTarget string, sampleRate float64, render capture.RenderFunc) (capture.OutputStream, error) {
	args := []string{
		"--format", "f32",
		"--channels", strconv.Itoa(dsp.Channels),
		"--rate", strconv.Itoa(int(sampleRate)),
	}
	if deviceTarget != "" {
		args = append(args, "--target", deviceTarget)
	}
	args = append(args, "-")

	cmd := exec.Command("pw-play", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pw-play stdin pipe: %w", capture.ErrBackendFatal)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pw-play start: %w", capture.ErrBackendFatal)
	}

	go func() {
		const frames = 256
		samples := make([]float32, frames*dsp.Channels)
		raw := make([]byte, frames*dsp.Channels*4)
		for {
			render(samples)
			for i, v := range samples {
				binary.LittleEndian.PutUint32(raw[i*4:i*4+4], math.Float32bits(v))
			}
			if _, err := stdin.Write(raw); err != nil {
				return
			}
		}
	}()

	l.lastRender = render
	l.lastSampleRate = sampleRate
	return &linuxOutputStream{cmd: cmd}, nil
}

// SwitchOutput tears down the current pw-play process and opens a new one
// against newDeviceTarget, reusing the render callback supplied to the
// original StartOutput call; per-app rings and master state live in
// SharedState/internal/proc and are untouched by this call (spec §4.7
// SwitchOutput).
func (l *Linux) SwitchOutput(ctx context.Context, stream capture.OutputStream, newDeviceTarget string) (capture.OutputStream, error) {
	if stream != nil {
		_ = stream.Close()
	}
	if l.lastRender == nil {
		return nil, fmt.Errorf("gecko: SwitchOutput called before StartOutput")
	}
	return l.StartOutput(ctx, newDeviceTarget, l.lastSampleRate, l.lastRender)
}

func (l *Linux) Events() <-chan capture.Event { return l.events }

func (l *Linux) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.streams {
		close(h.done)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	}
	l.streams = make(map[string]*linuxCaptureHandle)
	return nil
}
