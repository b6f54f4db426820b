package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/enscrypted/gecko/internal/capture"
	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/transport"
)

// fakeHandle is the fakeBackend's CaptureHandle.
type fakeHandle struct{ identity string }

func (h *fakeHandle) Identity() string { return h.identity }

// fakeOutputStream records whether it was closed, so tests can assert
// Stop/SwitchOutput actually tear down the prior stream.
type fakeOutputStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeOutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeBackend is an entirely in-memory capture.CaptureSource double, used
// so engine tests never touch a real audio device.
type fakeBackend struct {
	mu       sync.Mutex
	apps     []capture.AppInfo
	started  map[string]*capture.Ring
	events   chan capture.Event
	closed   bool
	failNext bool
}

func newFakeBackend(apps ...capture.AppInfo) *fakeBackend {
	return &fakeBackend{
		apps:    apps,
		started: make(map[string]*capture.Ring),
		events:  make(chan capture.Event, 16),
	}
}

func (b *fakeBackend) StartCapture(ctx context.Context, identity string, pidHint int) (capture.CaptureHandle, *capture.Ring, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return nil, nil, capture.ErrBackendTransient
	}
	r := capture.NewRing(dsp.SampleRate)
	b.started[identity] = r
	return &fakeHandle{identity: identity}, r, nil
}

func (b *fakeBackend) StopCapture(handle capture.CaptureHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := handle.(*fakeHandle)
	if !ok {
		return nil
	}
	delete(b.started, h.identity)
	return nil
}

func (b *fakeBackend) ListAudioApps(ctx context.Context) ([]capture.AppInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]capture.AppInfo(nil), b.apps...), nil
}

func (b *fakeBackend) ListOutputDevices(ctx context.Context) ([]capture.DeviceInfo, error) {
	return []capture.DeviceInfo{{Name: "fake-default", IsDefault: true}}, nil
}

func (b *fakeBackend) StartOutput(ctx context.Context, deviceTarget string, sampleRate float64, render capture.RenderFunc) (capture.OutputStream, error) {
	return &fakeOutputStream{}, nil
}

func (b *fakeBackend) SwitchOutput(ctx context.Context, stream capture.OutputStream, newDeviceTarget string) (capture.OutputStream, error) {
	if stream != nil {
		_ = stream.Close()
	}
	return &fakeOutputStream{}, nil
}

func (b *fakeBackend) Events() <-chan capture.Event { return b.events }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func testFormat() dsp.Format { return dsp.Format{SampleRate: 48000} }

func mustNewEngine(t *testing.T, backend capture.CaptureSource) (*AudioEngine, *transport.Queue) {
	t.Helper()
	q := transport.NewQueue()
	e, err := New(backend, q, testFormat())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, q
}

func sendCommand(t *testing.T, q *transport.Queue, cmd transport.Command) transport.Result {
	t.Helper()
	cmd.Reply = make(chan transport.Result, 1)
	select {
	case q.Commands <- cmd:
	case <-time.After(time.Second):
		t.Fatal("command queue did not accept command")
	}
	select {
	case res := <-cmd.Reply:
		return res
	case <-time.After(time.Second):
		t.Fatal("command was not answered in time")
		return transport.Result{}
	}
}

func drainEventKind(t *testing.T, q *transport.Queue, kind transport.EventKind, timeout time.Duration) transport.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-q.Events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestEngine_StartAutoCapturesCapturableApps(t *testing.T) {
	backend := newFakeBackend(
		capture.AppInfo{Identity: "app:one", PID: 10, Capturable: true},
		capture.AppInfo{Identity: "app:two", PID: 20, Capturable: false},
	)
	e, q := mustNewEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	res := sendCommand(t, q, transport.Command{Kind: transport.CmdStart})
	if res.Err != nil {
		t.Fatalf("Start: %v", res.Err)
	}
	// Start auto-captures apps before it publishes Started.
	discovered := drainEventKind(t, q, transport.EvtStreamDiscovered, time.Second)
	if discovered.Identity != "app:one" {
		t.Fatalf("expected only the capturable app to auto-start, got %q", discovered.Identity)
	}
	drainEventKind(t, q, transport.EvtStarted, time.Second)

	if !e.Shared().Running() {
		t.Fatal("shared state should report running after Start")
	}
}

func TestEngine_StopReleasesSlotsAndBackend(t *testing.T) {
	backend := newFakeBackend(capture.AppInfo{Identity: "app:one", PID: 10, Capturable: true})
	e, q := mustNewEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	sendCommand(t, q, transport.Command{Kind: transport.CmdStart})
	drainEventKind(t, q, transport.EvtStreamDiscovered, time.Second)
	drainEventKind(t, q, transport.EvtStarted, time.Second)

	if idx := e.Shared().FindSlot("app:one"); idx == -1 {
		t.Fatal("expected app:one to hold a bound slot after Start")
	}

	res := sendCommand(t, q, transport.Command{Kind: transport.CmdStop})
	if res.Err != nil {
		t.Fatalf("Stop: %v", res.Err)
	}
	drainEventKind(t, q, transport.EvtStopped, 2*time.Second)

	if e.Shared().Running() {
		t.Fatal("shared state should report stopped after Stop")
	}
	if idx := e.Shared().FindSlot("app:one"); idx != -1 {
		t.Fatal("expected app:one's slot to be released after Stop")
	}

	backend.mu.Lock()
	closed := backend.closed
	backend.mu.Unlock()
	if !closed {
		t.Fatal("expected backend.Close to be called on Stop")
	}
}

func TestEngine_SetMasterVolumeAppliesToSharedState(t *testing.T) {
	backend := newFakeBackend()
	e, q := mustNewEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	res := sendCommand(t, q, transport.Command{Kind: transport.CmdSetMasterVolume, Volume: 0.5})
	if res.Err != nil {
		t.Fatalf("SetMasterVolume: %v", res.Err)
	}
	if got := e.Shared().MasterVolumeLinear(); got != 0.5 {
		t.Fatalf("MasterVolumeLinear() = %v, want 0.5", got)
	}
}

func TestEngine_RejectsOutOfRangeBand(t *testing.T) {
	backend := newFakeBackend()
	e, q := mustNewEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	res := sendCommand(t, q, transport.Command{Kind: transport.CmdSetMasterBandGain, Band: dsp.NumBands, GainDB: 3})
	if res.Err == nil {
		t.Fatal("expected an error for an out-of-range band index")
	}
}

func TestEngine_StartAppCaptureFailureSchedulesPendingRelink(t *testing.T) {
	backend := newFakeBackend()
	e, q := mustNewEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	sendCommand(t, q, transport.Command{Kind: transport.CmdStart})
	drainEventKind(t, q, transport.EvtStarted, time.Second)

	backend.mu.Lock()
	backend.failNext = true
	backend.mu.Unlock()

	res := sendCommand(t, q, transport.Command{Kind: transport.CmdStartAppCapture, Identity: "app:flaky"})
	if res.Err == nil {
		t.Fatal("expected the forced transient failure to surface")
	}

	// The next tick's retry should succeed now that failNext has been
	// consumed, binding app:flaky without a second explicit command.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Shared().FindSlot("app:flaky") != -1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected pending relink to bind app:flaky within the retry budget")
}

func TestEngine_ListAppsRepliesWithSnapshot(t *testing.T) {
	backend := newFakeBackend(
		capture.AppInfo{Identity: "app:one", PID: 10, Capturable: true},
		capture.AppInfo{Identity: "app:two", PID: 20, Capturable: false},
	)
	e, q := mustNewEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	res := sendCommand(t, q, transport.Command{Kind: transport.CmdListApps})
	if res.Err != nil {
		t.Fatalf("ListApps: %v", res.Err)
	}
	if len(res.Apps) != 2 {
		t.Fatalf("expected 2 apps in snapshot, got %d", len(res.Apps))
	}
}
