// Package engine implements AudioEngine, the coordinating state machine
// (spec "AudioEngine", §4.8): it owns the active PerAppProcessor +
// CaptureSource pairs keyed by app identity, the MasterProcessor, and
// SharedState, and runs a single control-thread loop that drains the UI
// command queue, dispatches to the backend, and publishes status events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/enscrypted/gecko/internal/capture"
	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/proc"
	"github.com/enscrypted/gecko/internal/spectrum"
	"github.com/enscrypted/gecko/internal/state"
	"github.com/enscrypted/gecko/internal/transport"
)

// Phase is the engine's coarse lifecycle state (spec "AudioEngine state
// machine": Idle -> Running -> Idle).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
)

// tickInterval bounds the control loop's command-queue poll so periodic
// housekeeping (pending relinks, backend notification drain) still runs
// while the UI is idle (spec §4.8, §5 "short timeout ~50-100ms").
const tickInterval = 100 * time.Millisecond

// meteringInterval drives LevelUpdate/SpectrumUpdate publication at the
// spec's required >=30Hz metering rate (spec §6).
const meteringInterval = 30 * time.Millisecond

// relinkRetryBudget is the bounded wall-clock window a pending capture
// relink gets before the engine gives up and emits StreamRemoved (spec
// §4.8, §8 property 10, S6).
const relinkRetryBudget = 5 * time.Second

// settleDelay is the pause between stopping captures and releasing the
// backend, giving the OS time to migrate app streams off any virtual-sink
// objects before they are destroyed (spec §4.8 Stop, §5 hot-plug discipline).
const settleDelay = 250 * time.Millisecond

// activeApp tracks one live per-app capture (spec "AppCapture"). slotIndex
// is resolved once at capture-start (BindSlot) and cached here so
// renderCallback, running on the real-time audio thread, never has to scan
// SharedState's slot table by identity (spec §5, shared_state.go FindSlot).
type activeApp struct {
	identity   string
	handle     capture.CaptureHandle
	ring       *capture.Ring
	proc       *proc.PerAppProcessor
	scratchBuf []float32
	slotIndex  int
}

// pendingRelink tracks an identity the engine is still trying to
// (re)establish capture for, with a bounded retry deadline (spec §9
// "Graceful retry/backoff for pending relinks").
type pendingRelink struct {
	identity string
	pidHint  int
	deadline time.Time
}

// AudioEngine is the single coordinating state machine for one Gecko
// process. It is not safe for concurrent use by more than one control
// goroutine; external callers interact with it only via the transport
// Queue's command channel.
type AudioEngine struct {
	backend capture.CaptureSource
	shared  *state.SharedState
	queue   *transport.Queue

	format dsp.Format

	phase   Phase
	output  capture.OutputStream
	master  *proc.MasterProcessor
	mixer   *proc.Mixer
	analyzer *spectrum.Analyzer

	// apps is the control thread's authoritative bookkeeping map, touched
	// only from Run's goroutine. renderCallback runs on the backend's own
	// audio thread and must never see it; instead it reads appsSnapshot,
	// a copy-on-write slice published atomically whenever apps changes
	// (spec §5 "no locks, no allocation on the audio callback thread").
	apps         map[string]*activeApp
	appsSnapshot atomic.Pointer[[]*activeApp]
	pending      map[string]*pendingRelink

	maxBlockFrames int
}

// publishAppsSnapshot rebuilds and installs the read-only slice the audio
// thread consumes. Called from the control thread only, after every
// change to e.apps.
func (e *AudioEngine) publishAppsSnapshot() {
	snap := make([]*activeApp, 0, len(e.apps))
	for _, app := range e.apps {
		snap = append(snap, app)
	}
	e.appsSnapshot.Store(&snap)
}

// New constructs an AudioEngine bound to backend, sharing the given
// queue with a UI façade. Nothing is started until a Start command
// arrives.
func New(backend capture.CaptureSource, queue *transport.Queue, format dsp.Format) (*AudioEngine, error) {
	analyzer, err := spectrum.New(format.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("engine init spectrum analyzer: %w", err)
	}

	const maxBlockFrames = 2048

	return &AudioEngine{
		backend:        backend,
		shared:         state.New(),
		queue:          queue,
		format:         format,
		master:         proc.NewMasterProcessor(format.SampleRate, maxBlockFrames),
		mixer:          proc.NewMixer(),
		analyzer:       analyzer,
		apps:           make(map[string]*activeApp),
		pending:        make(map[string]*pendingRelink),
		maxBlockFrames: maxBlockFrames,
	}, nil
}

// Shared exposes the engine's SharedState to tests and to a render
// callback wired by the caller of backend.StartOutput.
func (e *AudioEngine) Shared() *state.SharedState { return e.shared }

// Run is the control-thread loop (spec §4.8, §5 "control thread"). It
// blocks until ctx is canceled, draining commands and backend
// notifications at tickInterval and publishing events as they occur.
func (e *AudioEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	meterTicker := time.NewTicker(meteringInterval)
	defer meterTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.phase == PhaseRunning {
				e.stop(context.Background())
			}
			return
		case cmd := <-e.queue.Commands:
			e.handleCommand(ctx, cmd)
		case ev := <-e.backendEvents():
			e.handleBackendEvent(ctx, ev)
		case <-ticker.C:
			e.tick(ctx)
		case <-meterTicker.C:
			e.publishMetering()
		}
	}
}

// backendEvents returns the backend's event channel once the engine is
// running, or a nil channel (which blocks forever in a select) otherwise
// -- draining backend notifications only makes sense while Running.
func (e *AudioEngine) backendEvents() <-chan capture.Event {
	if e.phase != PhaseRunning {
		return nil
	}
	return e.backend.Events()
}

func (e *AudioEngine) tick(ctx context.Context) {
	if e.phase != PhaseRunning {
		return
	}
	now := time.Now()
	for identity, p := range e.pending {
		if now.After(p.deadline) {
			delete(e.pending, identity)
			e.queue.PublishEvent(transport.Event{Kind: transport.EvtStreamRemoved, Identity: identity})
			continue
		}
		if _, _, err := e.startAppCapture(ctx, identity, p.pidHint); err == nil {
			delete(e.pending, identity)
		}
	}
}

// publishMetering pushes the latest peak levels and spectrum bins to the
// UI at meteringInterval (spec §6 LevelUpdate >=30Hz, SpectrumUpdate
// ~30Hz). Both reads are cheap and lock-free (SharedState atomics, a
// bounded FFT over the spectrum ring), so this runs directly on the
// control thread rather than needing its own goroutine.
func (e *AudioEngine) publishMetering() {
	if e.phase != PhaseRunning {
		return
	}
	l, r := e.shared.Peaks()
	e.queue.PublishEvent(transport.Event{Kind: transport.EvtLevelUpdate, PeakL: l, PeakR: r})

	bins := e.analyzer.Poll(e.shared.SpectrumRing)
	e.queue.PublishEvent(transport.Event{Kind: transport.EvtSpectrumUpdate, Bins: bins})
}

func (e *AudioEngine) handleCommand(ctx context.Context, cmd transport.Command) {
	switch cmd.Kind {
	case transport.CmdStart:
		e.replyErr(cmd, e.start(ctx, cmd.DeviceName))
	case transport.CmdStop:
		e.replyErr(cmd, e.stop(ctx))
	case transport.CmdSetMasterVolume:
		e.shared.SetMasterVolume(cmd.Volume)
		e.replyErr(cmd, nil)
	case transport.CmdSetMasterBandGain:
		if cmd.Band < 0 || cmd.Band >= dsp.NumBands {
			e.replyErr(cmd, fmt.Errorf("gecko: band %d out of range", cmd.Band))
			return
		}
		e.shared.SetMasterBandGain(cmd.Band, cmd.GainDB)
		e.replyErr(cmd, nil)
	case transport.CmdSetMasterBypass:
		e.shared.SetMasterBypassed(cmd.Bypassed)
		e.replyErr(cmd, nil)
	case transport.CmdSetSoftClipEnabled:
		e.shared.SetSoftClipEnabled(cmd.Enabled)
		e.replyErr(cmd, nil)
	case transport.CmdSetAppVolume:
		e.shared.SetAppVolume(cmd.Identity, cmd.Volume)
		e.replyErr(cmd, nil)
	case transport.CmdSetAppBandGain:
		if cmd.Band < 0 || cmd.Band >= dsp.NumBands {
			e.replyErr(cmd, fmt.Errorf("gecko: band %d out of range", cmd.Band))
			return
		}
		e.shared.SetAppBandGain(cmd.Identity, cmd.Band, cmd.GainDB)
		e.replyErr(cmd, nil)
	case transport.CmdSetAppBypass:
		e.shared.SetAppBypass(cmd.Identity, cmd.Bypassed)
		e.replyErr(cmd, nil)
	case transport.CmdStartAppCapture:
		if e.phase != PhaseRunning {
			e.replyErr(cmd, capture.ErrEngineNotRunning)
			return
		}
		_, _, err := e.startAppCapture(ctx, cmd.Identity, cmd.PIDHint)
		e.replyErr(cmd, err)
	case transport.CmdStopAppCapture:
		e.replyErr(cmd, e.stopAppCapture(cmd.Identity))
	case transport.CmdListApps:
		e.handleListApps(ctx, cmd)
	case transport.CmdSwitchOutput:
		e.replyErr(cmd, e.switchOutput(ctx, cmd.DeviceName))
	case transport.CmdPollSpectrum:
		e.handlePollSpectrum(cmd)
	default:
		e.replyErr(cmd, fmt.Errorf("gecko: unknown command kind %d", cmd.Kind))
	}
}

func (e *AudioEngine) replyErr(cmd transport.Command, err error) {
	if cmd.Reply == nil {
		if err != nil {
			e.queue.PublishEvent(transport.Event{Kind: transport.EvtError, Message: err.Error()})
		}
		return
	}
	cmd.Reply <- transport.Result{Err: err}
}

func (e *AudioEngine) handleListApps(ctx context.Context, cmd transport.Command) {
	apps, err := e.backend.ListAudioApps(ctx)
	if err != nil {
		e.replyErr(cmd, err)
		return
	}
	if cmd.Reply == nil {
		return
	}
	snaps := make([]transport.AppSnapshot, len(apps))
	for i, a := range apps {
		snaps[i] = transport.AppSnapshot{Identity: a.Identity, PID: a.PID, Capturable: a.Capturable}
	}
	cmd.Reply <- transport.Result{Apps: snaps}
}

func (e *AudioEngine) handlePollSpectrum(cmd transport.Command) {
	bins := e.analyzer.Poll(e.shared.SpectrumRing)
	if cmd.Reply != nil {
		cmd.Reply <- transport.Result{Spectrum: bins}
	}
}

// renderCallback is installed as the output stream's RenderFunc. It runs
// on a real-time audio thread: the per-app drain, per-app processing,
// mix, master chain, and metering all happen here with no allocation.
func (e *AudioEngine) renderCallback(out []float32) {
	for i := range out {
		out[i] = 0
	}
	if !e.shared.Running() {
		return
	}

	snapPtr := e.appsSnapshot.Load()
	if snapPtr == nil {
		e.master.ProcessBlock(out, e.shared, e.format.SampleRate)
		return
	}
	for _, app := range *snapPtr {
		dst := app.scratchBuf
		if len(dst) > len(out) {
			dst = dst[:len(out)]
		}
		n := app.ring.Pop(dst)
		buf := app.scratchBuf[:n]
		app.proc.ProcessBlock(buf, e.shared, app.slotIndex, e.format.SampleRate)
		e.mixer.MixInto(out, buf)
	}

	e.master.ProcessBlock(out, e.shared, e.format.SampleRate)
}

func (e *AudioEngine) start(ctx context.Context, deviceTarget string) error {
	if e.phase == PhaseRunning {
		return nil
	}

	e.shared.SetPeaks(0, 0)

	stream, err := e.backend.StartOutput(ctx, deviceTarget, e.format.SampleRate, e.renderCallback)
	if err != nil {
		return fmt.Errorf("gecko: engine: start output: %w", err)
	}
	e.output = stream
	e.phase = PhaseRunning
	e.shared.SetRunning(true)

	apps, err := e.backend.ListAudioApps(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gecko: engine: enumerate apps on start: %v\n", err)
	}
	for _, a := range apps {
		if !a.Capturable {
			continue
		}
		if _, _, err := e.startAppCapture(ctx, a.Identity, a.PID); err != nil {
			fmt.Fprintf(os.Stderr, "gecko: engine: auto-start capture %q: %v\n", a.Identity, err)
		}
	}

	e.queue.PublishEvent(transport.Event{Kind: transport.EvtStarted})
	return nil
}

func (e *AudioEngine) stop(ctx context.Context) error {
	if e.phase != PhaseRunning {
		return nil
	}

	if err := e.stopAllAppCaptures(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gecko: engine: stopping captures: %v\n", err)
	}

	time.Sleep(settleDelay)

	if e.output != nil {
		_ = e.output.Close()
		e.output = nil
	}
	_ = e.backend.Close()

	e.phase = PhaseIdle
	e.shared.SetRunning(false)
	e.pending = make(map[string]*pendingRelink)

	e.queue.PublishEvent(transport.Event{Kind: transport.EvtStopped})
	return nil
}

func (e *AudioEngine) startAppCapture(ctx context.Context, identity string, pidHint int) (capture.CaptureHandle, *capture.Ring, error) {
	if existing, ok := e.apps[identity]; ok {
		return existing.handle, existing.ring, nil
	}

	handle, ring, err := e.backend.StartCapture(ctx, identity, pidHint)
	if err != nil {
		if errors.Is(err, capture.ErrBackendTransient) {
			e.pending[identity] = &pendingRelink{identity: identity, pidHint: pidHint, deadline: time.Now().Add(relinkRetryBudget)}
		}
		return nil, nil, err
	}

	idx := e.shared.BindSlot(identity)
	if idx == -1 {
		_ = e.backend.StopCapture(handle)
		return nil, nil, fmt.Errorf("gecko: engine: app slot table full, cannot capture %q", identity)
	}

	p := proc.NewPerAppProcessor(e.format.SampleRate, e.maxBlockFrames)
	p.Reset()

	app := &activeApp{
		identity:   identity,
		handle:     handle,
		ring:       ring,
		proc:       p,
		scratchBuf: make([]float32, e.maxBlockFrames*dsp.Channels),
		slotIndex:  idx,
	}
	e.apps[identity] = app
	e.publishAppsSnapshot()

	e.queue.PublishEvent(transport.Event{Kind: transport.EvtStreamDiscovered, Identity: identity, PID: pidHint, Capturable: true})
	return handle, ring, nil
}

// stopAppCapture removes identity's bookkeeping and stops its backend
// capture. Only ever called from the control thread, so mutating e.apps
// here is safe; see stopAllAppCaptures for the parallel-stop path.
func (e *AudioEngine) stopAppCapture(identity string) error {
	app, ok := e.apps[identity]
	if !ok {
		return nil
	}
	delete(e.apps, identity)
	e.publishAppsSnapshot()
	e.shared.ReleaseSlot(identity)
	delete(e.pending, identity)
	return e.backend.StopCapture(app.handle)
}

// stopAllAppCaptures stops every active capture, overlapping the
// potentially slow backend calls (spec §4.8 Stop "in parallel is
// permitted") while keeping all e.apps/shared mutation on the control
// thread: each goroutine only performs the backend I/O, and removal from
// e.apps happens serially afterward.
func (e *AudioEngine) stopAllAppCaptures(ctx context.Context) error {
	handles := make(map[string]capture.CaptureHandle, len(e.apps))
	for identity, app := range e.apps {
		handles[identity] = app.handle
	}

	g, _ := errgroup.WithContext(ctx)
	for _, handle := range handles {
		handle := handle
		g.Go(func() error {
			return e.backend.StopCapture(handle)
		})
	}
	err := g.Wait()

	for identity := range handles {
		delete(e.apps, identity)
		e.shared.ReleaseSlot(identity)
		delete(e.pending, identity)
	}
	e.publishAppsSnapshot()

	return err
}

func (e *AudioEngine) switchOutput(ctx context.Context, deviceName string) error {
	if e.phase != PhaseRunning {
		return capture.ErrEngineNotRunning
	}
	stream, err := e.backend.SwitchOutput(ctx, e.output, deviceName)
	if err != nil {
		return fmt.Errorf("gecko: engine: switch output to %q: %w", deviceName, err)
	}
	e.output = stream
	return nil
}

func (e *AudioEngine) handleBackendEvent(ctx context.Context, ev capture.Event) {
	switch ev.Kind {
	case capture.EventAppAppeared:
		if _, exists := e.apps[ev.Identity]; exists {
			return
		}
		if _, _, err := e.startAppCapture(ctx, ev.Identity, 0); err != nil {
			e.pending[ev.Identity] = &pendingRelink{identity: ev.Identity, deadline: time.Now().Add(relinkRetryBudget)}
		}
	case capture.EventAppDisappeared:
		// Tolerate transient disappear/reappear without tearing down
		// per-app DSP state (spec §9 "Transient capture nodes"): only
		// start a pending-relink watch, don't stop the capture outright.
		if _, exists := e.apps[ev.Identity]; exists {
			e.pending[ev.Identity] = &pendingRelink{identity: ev.Identity, deadline: time.Now().Add(relinkRetryBudget)}
		}
	case capture.EventDefaultDeviceChanged:
		if err := e.switchOutput(ctx, ev.DefaultDeviceName); err != nil {
			fmt.Fprintf(os.Stderr, "gecko: engine: follow default device change: %v\n", err)
		}
	}
}
