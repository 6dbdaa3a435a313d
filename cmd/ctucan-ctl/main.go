// Command ctucan-ctl is an interactive console for a CTU CAN FD core: raw
// register access, bring-up and frame transmit/receive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/kstaniek/go-ctucan/internal/bus"
	"github.com/kstaniek/go-ctucan/internal/bus/mmapbus"
	"github.com/kstaniek/go-ctucan/internal/bus/uartbone"
	"github.com/kstaniek/go-ctucan/internal/ctucan"
	"github.com/kstaniek/go-ctucan/internal/logging"
	"github.com/kstaniek/go-ctucan/internal/profile"
	"github.com/kstaniek/go-ctucan/internal/sim"
)

type options struct {
	backend  string
	mem      string
	memBase  int64
	memSpan  int
	serial   string
	baud     int
	uartBase uint
	profile  string
	timeout  time.Duration
	verbose  bool
	script   string
}

func main() {
	var o options
	flag.StringVar(&o.backend, "backend", "sim", "Register bus backend: mmap|uart|sim")
	flag.StringVar(&o.mem, "mem", "/dev/mem", "Memory device for the mmap backend")
	flag.Int64Var(&o.memBase, "mem-base", 0, "Physical base address of the controller (mmap backend)")
	flag.IntVar(&o.memSpan, "mem-span", mmapbus.DefaultSpan, "Bytes to map at mem-base")
	flag.StringVar(&o.serial, "serial", "/dev/ttyUSB0", "Serial device of the UART bridge")
	flag.IntVar(&o.baud, "baud", 115200, "UART bridge baud rate")
	flag.UintVar(&o.uartBase, "uart-base", 0, "Controller byte address in the SoC map (uart backend)")
	flag.StringVar(&o.profile, "profile", "", "YAML bring-up profile used by 'bringup'")
	flag.DurationVar(&o.timeout, "timeout", 2*time.Second, "Per-command timeout")
	flag.BoolVar(&o.verbose, "v", false, "Log bus and controller events")
	flag.StringVar(&o.script, "c", "", "Run ';'-separated commands and exit")
	flag.Parse()

	level := "warn"
	if o.verbose {
		level = "debug"
	}
	logging.Set(logging.New("text", logging.ParseLevel(level), os.Stderr).With("app", "ctucan-ctl"))

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "ctucan-ctl: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	prof := profile.Default()
	if o.profile != "" {
		var err error
		if prof, err = profile.Load(o.profile); err != nil {
			return err
		}
	}
	raw, p, closeFn, err := openBus(o, prof)
	if err != nil {
		return err
	}
	defer closeFn()
	owner := bus.NewOwner(context.Background(), raw, bus.Hooks{})
	defer owner.Close()
	ctl, err := ctucan.New(owner, ctucan.WithTXBuffers(prof.Buffers()...))
	if err != nil {
		return err
	}
	con := newConsole(ctl, prof, os.Stdout)
	con.sim = p
	con.timeout = o.timeout

	if o.script != "" {
		for _, cmd := range strings.Split(o.script, ";") {
			if err := con.exec(cmd); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				return fmt.Errorf("%s: %w", strings.TrimSpace(cmd), err)
			}
		}
		return nil
	}
	return repl(con)
}

func openBus(o options, prof profile.Profile) (bus.Bus, *sim.Peripheral, func(), error) {
	switch o.backend {
	case "sim":
		p := sim.New(sim.WithTXBuffers(prof.Buffers()...), sim.WithoutLog())
		return p, p, func() {}, nil
	case "mmap":
		b, err := mmapbus.Open(o.mem, o.memBase, o.memSpan)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, nil, func() { _ = b.Close() }, nil
	case "uart":
		b, err := uartbone.Open(o.serial, o.baud, uartbone.WithBase(uint32(o.uartBase)))
		if err != nil {
			return nil, nil, nil, err
		}
		return b, nil, func() { _ = b.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown backend %q (use mmap|uart|sim)", o.backend)
}

func historyPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ctucan-ctl.history")
}

func repl(con *console) error {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(con.complete)

	hist := historyPath()
	if hist != "" {
		if f, err := os.Open(hist); err == nil {
			_, _ = ln.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(hist); err == nil {
				_, _ = ln.WriteHistory(f)
				f.Close()
			}
		}()
	}

	for {
		line, err := ln.Prompt("ctucan> ")
		switch {
		case err == nil:
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		ln.AppendHistory(line)
		if err := con.exec(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(con.out, "error: %v\n", err)
		}
	}
}
