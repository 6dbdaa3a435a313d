package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-ctucan/internal/bus"
	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/ctucan"
	"github.com/kstaniek/go-ctucan/internal/hub"
	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/profile"
)

const shutdownTimeout = time.Second

var errIRQLoopStopped = errors.New("interrupt loop stopped")

// bridge is a controller that has been probed and brought up, with the
// queue feeding its TX buffers.
type bridge struct {
	be      *backend
	owner   *bus.Owner
	ctl     *ctucan.Controller
	tx      *ctucan.TXWriter
	hub     *hub.Hub
	l       *slog.Logger
	version uint16
}

// newBridge opens the bus, probes the core and runs the bring-up sequence
// from prof. On error everything opened so far is closed again.
func newBridge(ctx context.Context, cfg *appConfig, prof profile.Profile, h *hub.Hub, l *slog.Logger) (*bridge, error) {
	be, err := openBackend(cfg, prof, l)
	if err != nil {
		return nil, err
	}
	// The owner outlives ctx; close() stops it after the final disable.
	owner := bus.NewOwner(context.WithoutCancel(ctx), be.raw, busHooks(l))
	fail := func(err error) (*bridge, error) {
		owner.Close()
		be.Close()
		return nil, err
	}
	ctl, err := ctucan.New(owner, ctucan.WithLogger(l), ctucan.WithTXBuffers(prof.Buffers()...))
	if err != nil {
		return fail(err)
	}
	ver, err := ctl.Probe(ctx)
	if err != nil {
		return fail(fmt.Errorf("probe: %w", err))
	}
	if err := ctl.Bringup(ctx, prof.Config()); err != nil {
		return fail(fmt.Errorf("bringup: %w", err))
	}
	l.Info("controller_ready",
		"interrupts", ctl.Interrupts().String(),
		"tx_buffers", len(ctl.TXBuffers()),
		"loopback", prof.TestModes.Loopback,
	)
	return &bridge{
		be:      be,
		owner:   owner,
		ctl:     ctl,
		tx:      ctucan.NewTXWriter(ctx, ctl, cfg.txQueue),
		hub:     h,
		l:       l,
		version: ver,
	}, nil
}

// handlers drain the RX FIFO into the hub and re-arm each source once it
// has been consumed. A malformed frame leaves the FIFO position unknown, so
// RX is not re-armed and halt ends the loop instead.
func (b *bridge) handlers(halt context.CancelCauseFunc) ctucan.Handlers {
	return ctucan.Handlers{
		OnRX: func(ctx context.Context) {
			if err := b.ctl.ClearInterrupts(ctx, ctucan.IntRX); err != nil {
				b.l.Warn("irq_clear_error", "bit", ctucan.IntRX.String(), "error", err)
			}
			n, err := b.ctl.Drain(ctx, func(f ctucan.RxFrame) { b.hub.Broadcast(f.CAN()) })
			if errors.Is(err, ctucan.ErrMalformedFrame) {
				b.l.Error("rx_fifo_malformed", "frames", n, "error", err)
				halt(err)
				return
			}
			if err != nil {
				b.l.Warn("rx_drain_error", "frames", n, "error", err)
			}
			if err := b.ctl.EnableInterrupts(ctx, ctucan.IntRX); err != nil {
				b.l.Warn("irq_enable_error", "bit", ctucan.IntRX.String(), "error", err)
			}
		},
		OnTX: func(ctx context.Context) {
			if err := b.ctl.ClearInterrupts(ctx, ctucan.IntTX); err != nil {
				b.l.Warn("irq_clear_error", "bit", ctucan.IntTX.String(), "error", err)
			}
			if err := b.ctl.EnableInterrupts(ctx, ctucan.IntTX); err != nil {
				b.l.Warn("irq_enable_error", "bit", ctucan.IntTX.String(), "error", err)
			}
		},
		OnFaultState: func(s ctucan.FaultState) {
			if s == ctucan.BusOff {
				b.l.Error("can_bus_off")
			} else {
				b.l.Info("fault_state", "state", s.String())
			}
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := b.ctl.ClearInterrupts(ctx, ctucan.IntFCS); err != nil {
				b.l.Warn("irq_clear_error", "bit", ctucan.IntFCS.String(), "error", err)
			}
		},
		// Error and overrun events are only reported; clearing them keeps a
		// latched bit from holding the level line up.
		OnOther: func(ctx context.Context, bit ctucan.IntBit) {
			b.l.Warn("can_irq_event", "bit", bit.String())
			if err := b.ctl.ClearInterrupts(ctx, bit); err != nil {
				b.l.Warn("irq_clear_error", "bit", bit.String(), "error", err)
			}
		},
	}
}

// serve runs the interrupt loop until ctx is done. A loop that ends on
// its own is an error: nothing would service the controller any more.
func (b *bridge) serve(ctx context.Context) error {
	sctx, halt := context.WithCancelCause(ctx)
	defer halt(nil)
	err := b.ctl.Serve(sctx, b.be.line, b.handlers(halt))
	if ctx.Err() == nil {
		if cause := context.Cause(sctx); errors.Is(cause, ctucan.ErrMalformedFrame) {
			return fmt.Errorf("rx: %w", cause)
		}
	}
	if err == nil && ctx.Err() == nil {
		err = errIRQLoopStopped
	}
	return err
}

// acceptFrame drops client frames whose length does not fit their kind.
func acceptFrame(fr *can.Frame) bool {
	if can.ValidLen(int(fr.Len), fr.FD()) {
		return true
	}
	metrics.IncMalformed()
	return false
}

// close stops the TX queue, takes the controller off the bus and releases
// the backend.
func (b *bridge) close() {
	b.tx.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.ctl.Disable(ctx); err != nil {
		b.l.Warn("controller_disable_error", "error", err)
	}
	b.owner.Close()
	b.be.Close()
}
