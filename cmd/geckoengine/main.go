// Command geckoengine is the Gecko audio engine process: it wires the
// platform capture backend, starts the AudioEngine control loop, and
// blocks until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/enscrypted/gecko/internal/backend"
	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/engine"
	"github.com/enscrypted/gecko/internal/transport"
)

func main() {
	var (
		sampleRate float64
		deviceName string
		quiet      bool
	)

	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.Float64Var(&sampleRate, "rate", dsp.SampleRate, "engine sample rate in Hz")
	flagSet.StringVar(&deviceName, "device", "", "output device name (empty = system default)")
	flagSet.BoolVar(&quiet, "quiet", false, "suppress the startup banner")

	flagSet.Usage = func() {
		flagSet.SetOutput(os.Stdout)
		fmt.Println("Usage: geckoengine [-rate 48000] [-device \"name\"] [-quiet]")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if !quiet {
		fmt.Println("gecko: per-application audio equalizer engine")
	}

	cs := backend.New()

	queue := transport.NewQueue()
	format := dsp.Format{SampleRate: sampleRate}

	eng, err := engine.New(cs, queue, format)
	if err != nil {
		fmt.Printf("gecko: failed to initialize engine: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logEvents(queue)
	go eng.Run(ctx)

	startReply := make(chan transport.Result, 1)
	queue.Commands <- transport.Command{Kind: transport.CmdStart, DeviceName: deviceName, Reply: startReply}

	if res := <-startReply; res.Err != nil {
		fmt.Printf("gecko: failed to start engine: %v\n", res.Err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopReply := make(chan transport.Result, 1)
	queue.Commands <- transport.Command{Kind: transport.CmdStop, Reply: stopReply}
	<-stopReply
}

// logEvents drains the engine's event queue and prints each one to
// stderr, matching the teacher's unadorned fmt-based diagnostics.
func logEvents(queue *transport.Queue) {
	for ev := range queue.Events {
		switch ev.Kind {
		case transport.EvtStarted:
			fmt.Fprintln(os.Stderr, "gecko: engine: started")
		case transport.EvtStopped:
			fmt.Fprintln(os.Stderr, "gecko: engine: stopped")
		case transport.EvtError:
			fmt.Fprintf(os.Stderr, "gecko: engine: error: %s\n", ev.Message)
		case transport.EvtStreamDiscovered:
			fmt.Fprintf(os.Stderr, "gecko: engine: capturing %q (pid %d)\n", ev.Identity, ev.PID)
		case transport.EvtStreamRemoved:
			fmt.Fprintf(os.Stderr, "gecko: engine: lost %q after retry budget exhausted\n", ev.Identity)
		}
	}
}
