//go:build headless || (!linux && !darwin && !windows)

// Package backend selects one platform CaptureSource implementation per
// build: linux.go (PipeWire-style graph), darwin.go
// (CoreAudio/ScreenCaptureKit process tap), windows.go (WASAPI
// loopback), or this file -- the in-process synthetic backend used for
// tests, CI, and any OS this module has no native backend for.
package backend

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/enscrypted/gecko/internal/capture"
	"github.com/enscrypted/gecko/internal/dsp"
)

func float32bits(v float32) uint32 { return math.Float32bits(v) }

// maxRenderFrames bounds the block size oto requests per callback to the
// engine's fixed scratch-buffer capacity (internal/engine's
// maxBlockFrames); leaving BufferSize at its device-default zero value
// risks oto handing back a larger block than master.ProcessBlock's
// fixed-size scratch buffers can hold.
const maxRenderFrames = 2048

// Headless is a synthetic CaptureSource: ListAudioApps returns a fixed
// roster of fake apps, StartCapture returns a ring that nothing writes to
// (so each app reads as silence; tests push real samples directly into
// the returned ring), and
// StartOutput renders through oto so headless builds still exercise a
// real audio device when one is present.
type Headless struct {
	mu      sync.Mutex
	handles map[string]*headlessHandle
	events  chan capture.Event

	otoCtx *oto.Context

	lastRender     capture.RenderFunc
	lastSampleRate float64
}

type headlessHandle struct {
	identity string
	ring     *capture.Ring
}

func (h *headlessHandle) Identity() string { return h.identity }

// New returns a Headless backend. Capture works without any OS audio
// device present; StartOutput fails with ErrBackendFatal if oto cannot
// open one.
func New() *Headless {
	return &Headless{
		handles: make(map[string]*headlessHandle),
		events:  make(chan capture.Event, 64),
	}
}

func (h *Headless) StartCapture(ctx context.Context, identity string, pidHint int) (capture.CaptureHandle, *capture.Ring, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.handles[identity]; exists {
		return nil, nil, fmt.Errorf("start capture %q: %w", identity, capture.ErrBackendTransient)
	}

	r := capture.NewRing(int(dsp.SampleRate) * dsp.Channels)
	handle := &headlessHandle{identity: identity, ring: r}
	h.handles[identity] = handle
	return handle, r, nil
}

func (h *Headless) StopCapture(handle capture.CaptureHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	hh, ok := handle.(*headlessHandle)
	if !ok {
		return nil
	}
	delete(h.handles, hh.identity)
	return nil
}

func (h *Headless) ListAudioApps(ctx context.Context) ([]capture.AppInfo, error) {
	return []capture.AppInfo{
		{Identity: "headless:synthetic-a", PID: 1001, Capturable: true},
		{Identity: "headless:synthetic-b", PID: 1002, Capturable: true},
	}, nil
}

func (h *Headless) ListOutputDevices(ctx context.Context) ([]capture.DeviceInfo, error) {
	return []capture.DeviceInfo{{Name: "headless-default", IsDefault: true}}, nil
}

type headlessOutputStream struct {
	player *oto.Player
}

func (s *headlessOutputStream) Close() error {
	if s.player != nil {
		return s.player.Close()
	}
	return nil
}

// renderSource adapts a capture.RenderFunc to io.Reader for oto, matching
// the teacher's OtoPlayer.Read pattern of filling a pre-allocated float32
// scratch buffer and byte-copying it into the output slice.
type renderSource struct {
	render  capture.RenderFunc
	scratch []float32
}

func (s *renderSource) Read(p []byte) (int, error) {
	n := len(p) / 4
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	buf := s.scratch[:n]
	s.render(buf)
	for i, v := range buf {
		bits := float32bits(v)
		p[4*i] = byte(bits)
		p[4*i+1] = byte(bits >> 8)
		p[4*i+2] = byte(bits >> 16)
		p[4*i+3] = byte(bits >> 24)
	}
	return len(p), nil
}

func (h *Headless) StartOutput(ctx context.Context, deviceTarget string, sampleRate float64, render capture.RenderFunc) (capture.OutputStream, error) {
	if h.otoCtx == nil {
		opts := &oto.NewContextOptions{
			SampleRate:   int(sampleRate),
			ChannelCount: dsp.Channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   time.Duration(maxRenderFrames) * time.Second / time.Duration(int(sampleRate)),
		}
		ctx, ready, err := oto.NewContext(opts)
		if err != nil {
			return nil, fmt.Errorf("headless output init: %w", capture.ErrBackendFatal)
		}
		<-ready
		h.otoCtx = ctx
	}

	src := &renderSource{render: render}
	player := h.otoCtx.NewPlayer(src)
	player.Play()

	h.lastRender = render
	h.lastSampleRate = sampleRate
	return &headlessOutputStream{player: player}, nil
}

// SwitchOutput closes the current stream and opens a fresh one against
// newDeviceTarget, reusing the render callback supplied to the original
// StartOutput call (mirrors the Linux backend's SwitchOutput).
func (h *Headless) SwitchOutput(ctx context.Context, stream capture.OutputStream, newDeviceTarget string) (capture.OutputStream, error) {
	if stream != nil {
		_ = stream.Close()
	}
	if h.lastRender == nil {
		return nil, fmt.Errorf("gecko: SwitchOutput called before StartOutput")
	}
	return h.StartOutput(ctx, newDeviceTarget, h.lastSampleRate, h.lastRender)
}

func (h *Headless) Events() <-chan capture.Event { return h.events }

func (h *Headless) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handles = make(map[string]*headlessHandle)
	return nil
}
