package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-ctucan/internal/bus"
	"github.com/kstaniek/go-ctucan/internal/bus/mmapbus"
	"github.com/kstaniek/go-ctucan/internal/bus/uartbone"
	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/profile"
	"github.com/kstaniek/go-ctucan/internal/sim"
)

// Hooks for tests.
var (
	openMmap = func(path string, base int64, span int) (bus.Bus, func() error, error) {
		b, err := mmapbus.Open(path, base, span)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	openUIO = func(path string) (bus.Line, func() error, error) {
		l, err := mmapbus.OpenUIO(path)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	}
	openUART = func(name string, baud int, opts ...uartbone.Option) (bus.Bus, func() error, error) {
		b, err := uartbone.Open(name, baud, opts...)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
)

// backend is the raw register bus plus the interrupt line serving it.
type backend struct {
	raw    bus.Bus
	line   bus.Line
	sim    *sim.Peripheral // set for the sim backend only
	closer []func() error
	l      *slog.Logger
}

// Close releases line and bus in reverse open order. Failures are logged;
// every closer still runs.
func (b *backend) Close() {
	for i := len(b.closer) - 1; i >= 0; i-- {
		if err := b.closer[i](); err != nil {
			b.l.Warn("backend_close_error", "error", err)
		}
	}
	b.closer = nil
}

// pollLine stands in for an interrupt line on buses that have none. It
// reports the line asserted once per period and leaves INT_STAT to tell
// whether anything happened.
type pollLine struct{ period time.Duration }

func (p pollLine) Wait(ctx context.Context) error {
	t := time.NewTimer(p.period)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// openBackend selects the register bus named by cfg.backend.
func openBackend(cfg *appConfig, prof profile.Profile, l *slog.Logger) (*backend, error) {
	b := &backend{l: l}
	switch cfg.backend {
	case "sim":
		p := sim.New(sim.WithTXBuffers(prof.Buffers()...), sim.WithoutLog())
		b.raw, b.line, b.sim = p, p, p
		l.Info("bus_open", "backend", "sim")
	case "mmap":
		raw, closeFn, err := openMmap(cfg.memPath, cfg.memBase, cfg.memSpan)
		if err != nil {
			return nil, fmt.Errorf("mmap %s@0x%x: %w", cfg.memPath, cfg.memBase, err)
		}
		b.raw = raw
		b.closer = append(b.closer, closeFn)
		l.Info("bus_open", "backend", "mmap", "mem", cfg.memPath, "base", fmt.Sprintf("0x%x", cfg.memBase), "span", cfg.memSpan)
	case "uart":
		raw, closeFn, err := openUART(cfg.serialDev, cfg.baud, uartbone.WithBase(cfg.uartBase), uartbone.WithTimeout(cfg.uartTO))
		if err != nil {
			return nil, fmt.Errorf("uart %s: %w", cfg.serialDev, err)
		}
		b.raw = raw
		b.closer = append(b.closer, closeFn)
		l.Info("bus_open", "backend", "uart", "serial", cfg.serialDev, "baud", cfg.baud, "base", fmt.Sprintf("0x%x", cfg.uartBase))
	default:
		return nil, fmt.Errorf("unknown backend %q (use mmap|uart|sim)", cfg.backend)
	}
	if b.line != nil {
		return b, nil
	}
	if cfg.uioDev != "" {
		line, closeFn, err := openUIO(cfg.uioDev)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("uio %s: %w", cfg.uioDev, err)
		}
		b.line = line
		b.closer = append(b.closer, closeFn)
		l.Info("irq_line", "uio", cfg.uioDev)
		return b, nil
	}
	b.line = pollLine{period: cfg.irqPoll}
	l.Info("irq_line", "poll", cfg.irqPoll)
	return b, nil
}

// busHooks feeds the bus counters and logs failed cycles.
func busHooks(l *slog.Logger) bus.Hooks {
	return bus.Hooks{
		OnRead:  func(addr, v uint32) { metrics.IncBusRead() },
		OnWrite: func(addr, v uint32) { metrics.IncBusWrite() },
		OnError: func(write bool, addr uint32, err error) {
			if write {
				metrics.IncError(metrics.ErrBusWrite)
			} else {
				metrics.IncError(metrics.ErrBusRead)
			}
			l.Warn("bus_error", "write", write, "offset", fmt.Sprintf("0x%x", addr<<2), "error", err)
		},
	}
}
