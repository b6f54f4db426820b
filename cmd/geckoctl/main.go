// Command geckoctl is a minimal line-oriented control client for manual
// testing: it hosts an in-process AudioEngine and lets an operator issue
// the documented command set from a raw-mode stdin REPL, printing
// received events as they arrive. It is not the graphical shell -- no
// layout, no themes, no visualizations, only the command/event contract.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/enscrypted/gecko/internal/backend"
	"github.com/enscrypted/gecko/internal/dsp"
	"github.com/enscrypted/gecko/internal/engine"
	"github.com/enscrypted/gecko/internal/transport"
)

func main() {
	var sampleRate float64

	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.Float64Var(&sampleRate, "rate", dsp.SampleRate, "engine sample rate in Hz")

	flagSet.Usage = func() {
		flagSet.SetOutput(os.Stdout)
		fmt.Println("Usage: geckoctl [-rate 48000]")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	cs := backend.New()
	queue := transport.NewQueue()

	eng, err := engine.New(cs, queue, dsp.Format{SampleRate: sampleRate})
	if err != nil {
		fmt.Printf("geckoctl: failed to initialize engine: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go eng.Run(ctx)
	go printEvents(queue)

	printHelp()
	runREPL(ctx, queue)
}

func printHelp() {
	fmt.Println("geckoctl -- Gecko control REPL")
	fmt.Println("commands:")
	fmt.Println("  start                                engine: begin capture and output")
	fmt.Println("  stop                                 engine: stop capture and output")
	fmt.Println("  list-apps                            list running audio apps and whether each is capturable")
	fmt.Println("  master-volume <linear>                set master volume")
	fmt.Println("  master-band <band 0-9> <db>            set a master EQ band gain")
	fmt.Println("  master-bypass <on|off>                bypass the master EQ")
	fmt.Println("  softclip <on|off>                     enable/disable the master soft limiter")
	fmt.Println("  app-volume <identity> <linear>         set a per-app volume")
	fmt.Println("  app-band <identity> <band 0-9> <db>     set a per-app EQ band gain")
	fmt.Println("  app-bypass <identity> <on|off>         bypass a per-app EQ")
	fmt.Println("  capture <identity>                    start capturing an app")
	fmt.Println("  release <identity>                    stop capturing an app")
	fmt.Println("  switch-output <device name>           switch the output device")
	fmt.Println("  spectrum                              poll the current spectrum bins")
	fmt.Println("  help                                  show this text")
	fmt.Println("  quit                                  exit")
}

// runREPL puts stdin in raw mode (matching the teacher's TerminalHost
// pattern) and assembles raw bytes into lines, since a line-oriented
// command syntax still wants local echo and backspace handling under raw
// mode.
func runREPL(ctx context.Context, queue *transport.Queue) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		// Not an interactive terminal (e.g. piped input/tests): fall back
		// to line-buffered reading without raw mode.
		runLineReader(ctx, queue, os.Stdin)
		return
	}
	defer term.Restore(fd, oldState)

	var line strings.Builder
	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		b := buf[0]
		switch {
		case b == '\r' || b == '\n':
			fmt.Print("\r\n")
			text := line.String()
			line.Reset()
			if !dispatch(ctx, queue, text) {
				return
			}
		case b == 0x7F || b == 0x08:
			s := line.String()
			if len(s) > 0 {
				line.Reset()
				line.WriteString(s[:len(s)-1])
				fmt.Print("\b \b")
			}
		case b == 3: // Ctrl-C
			return
		default:
			line.WriteByte(b)
			fmt.Printf("%c", b)
		}
	}
}

func runLineReader(ctx context.Context, queue *transport.Queue, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if !dispatch(ctx, queue, scanner.Text()) {
			return
		}
	}
}

func printEvents(queue *transport.Queue) {
	for ev := range queue.Events {
		switch ev.Kind {
		case transport.EvtStarted:
			fmt.Println("\r\nevent: started")
		case transport.EvtStopped:
			fmt.Println("\r\nevent: stopped")
		case transport.EvtError:
			fmt.Printf("\r\nevent: error: %s\n", ev.Message)
		case transport.EvtLevelUpdate:
			fmt.Printf("\r\nevent: level L=%.3f R=%.3f\n", ev.PeakL, ev.PeakR)
		case transport.EvtSpectrumUpdate:
			fmt.Println("\r\nevent: spectrum update")
		case transport.EvtStreamDiscovered:
			fmt.Printf("\r\nevent: stream discovered %q (pid %d)\n", ev.Identity, ev.PID)
		case transport.EvtStreamRemoved:
			fmt.Printf("\r\nevent: stream removed %q\n", ev.Identity)
		}
	}
}

// dispatch parses and runs one REPL command line, returning false when
// the REPL should exit.
func dispatch(ctx context.Context, queue *transport.Queue, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "quit", "exit":
		return false
	case "help":
		printHelp()
	case "start":
		send(queue, transport.Command{Kind: transport.CmdStart})
	case "stop":
		send(queue, transport.Command{Kind: transport.CmdStop})
	case "list-apps":
		res := sendReply(queue, transport.Command{Kind: transport.CmdListApps})
		for _, a := range res.Apps {
			fmt.Printf("\r\n  %-40s pid=%-8d capturable=%v\n", a.Identity, a.PID, a.Capturable)
		}
	case "master-volume":
		if v, ok := arg1Float(fields); ok {
			send(queue, transport.Command{Kind: transport.CmdSetMasterVolume, Volume: v})
		}
	case "master-band":
		if band, db, ok := arg2IntFloat(fields); ok {
			send(queue, transport.Command{Kind: transport.CmdSetMasterBandGain, Band: band, GainDB: db})
		}
	case "master-bypass":
		if on, ok := arg1Bool(fields); ok {
			send(queue, transport.Command{Kind: transport.CmdSetMasterBypass, Bypassed: on})
		}
	case "softclip":
		if on, ok := arg1Bool(fields); ok {
			send(queue, transport.Command{Kind: transport.CmdSetSoftClipEnabled, Enabled: on})
		}
	case "app-volume":
		if len(fields) >= 3 {
			if v, err := strconv.ParseFloat(fields[2], 64); err == nil {
				send(queue, transport.Command{Kind: transport.CmdSetAppVolume, Identity: fields[1], Volume: v})
			}
		}
	case "app-band":
		if len(fields) >= 4 {
			band, err1 := strconv.Atoi(fields[2])
			db, err2 := strconv.ParseFloat(fields[3], 64)
			if err1 == nil && err2 == nil {
				send(queue, transport.Command{Kind: transport.CmdSetAppBandGain, Identity: fields[1], Band: band, GainDB: db})
			}
		}
	case "app-bypass":
		if len(fields) >= 3 {
			on := fields[2] == "on" || fields[2] == "true"
			send(queue, transport.Command{Kind: transport.CmdSetAppBypass, Identity: fields[1], Bypassed: on})
		}
	case "capture":
		if len(fields) >= 2 {
			send(queue, transport.Command{Kind: transport.CmdStartAppCapture, Identity: fields[1]})
		}
	case "release":
		if len(fields) >= 2 {
			send(queue, transport.Command{Kind: transport.CmdStopAppCapture, Identity: fields[1]})
		}
	case "switch-output":
		if len(fields) >= 2 {
			send(queue, transport.Command{Kind: transport.CmdSwitchOutput, DeviceName: strings.Join(fields[1:], " ")})
		}
	case "spectrum":
		res := sendReply(queue, transport.Command{Kind: transport.CmdPollSpectrum})
		fmt.Printf("\r\n  bins: %v\n", res.Spectrum)
	default:
		fmt.Printf("\r\nunknown command: %q (type \"help\")\n", fields[0])
	}
	return true
}

func send(queue *transport.Queue, cmd transport.Command) {
	queue.Commands <- cmd
}

func sendReply(queue *transport.Queue, cmd transport.Command) transport.Result {
	reply := make(chan transport.Result, 1)
	cmd.Reply = reply
	queue.Commands <- cmd
	res := <-reply
	if res.Err != nil {
		fmt.Printf("\r\nerror: %v\n", res.Err)
	}
	return res
}

func arg1Float(fields []string) (float64, bool) {
	if len(fields) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	return v, err == nil
}

func arg1Bool(fields []string) (bool, bool) {
	if len(fields) < 2 {
		return false, false
	}
	return fields[1] == "on" || fields[1] == "true", true
}

func arg2IntFloat(fields []string) (int, float64, bool) {
	if len(fields) < 3 {
		return 0, 0, false
	}
	i, err1 := strconv.Atoi(fields[1])
	f, err2 := strconv.ParseFloat(fields[2], 64)
	return i, f, err1 == nil && err2 == nil
}
