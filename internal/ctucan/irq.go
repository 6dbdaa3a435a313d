package ctucan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kstaniek/go-ctucan/internal/bus"
	"github.com/kstaniek/go-ctucan/internal/metrics"
)

// IntBit is a bit position in INT_STAT and the enable/mask registers.
type IntBit uint

const (
	IntRX    IntBit = iota // frame received
	IntTX                  // frame transmitted
	IntEWL                 // error warning limit
	IntDO                  // data overrun
	IntFCS                 // fault confinement state changed
	IntAL                  // arbitration lost
	IntBE                  // bus error
	IntOF                  // overload frame
	IntRXF                 // RX buffer full
	IntBS                  // bit rate shifted
	IntRBNE                // RX buffer not empty
	IntTXBHC               // TXT buffer HW command

	numIntBits
)

const intBitsMask = 0x0FFF

var intNames = [numIntBits]string{"RXI", "TXI", "EWLI", "DOI", "FCSI", "ALI", "BEI", "OFI", "RXFI", "BSI", "RBNEI", "TXBHCI"}

func (b IntBit) String() string {
	if b < numIntBits {
		return intNames[b]
	}
	return fmt.Sprintf("INT%d", uint(b))
}

// ParseIntBit accepts the register names (RXI, FCSI, ...) with or without
// the trailing I, case insensitive.
func ParseIntBit(s string) (IntBit, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range intNames {
		if u == n || u+"I" == n {
			return IntBit(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown interrupt %q", ErrBitRange, s)
}

// DefaultInterrupts are enabled when ConfigureInterrupts gets no bits.
var DefaultInterrupts = []IntBit{IntRX, IntTX, IntFCS}

// IntBits is a set of interrupt bits as laid out in INT_STAT.
type IntBits uint16

func (s IntBits) Has(b IntBit) bool { return b < numIntBits && s&(1<<b) != 0 }

func (s IntBits) String() string {
	var names []string
	for b := IntBit(0); b < numIntBits; b++ {
		if s.Has(b) {
			names = append(names, b.String())
		}
	}
	return "[" + strings.Join(names, " ") + "]"
}

// Interrupts returns the bits enabled by the last ConfigureInterrupts.
func (c *Controller) Interrupts() IntBits { return IntBits(c.irqMask.Load()) }

// Handlers are invoked by Serve after the controller has handled a bit.
// Any of them may be nil. They run on the Serve goroutine and may call
// back into the Controller.
type Handlers struct {
	// OnRX runs after RXI has been acknowledged; typically it drains the FIFO.
	OnRX func(ctx context.Context)
	// OnTX runs after TXI has been acknowledged.
	OnTX func(ctx context.Context)
	// OnFaultState receives the decoded state on FCSI.
	OnFaultState func(FaultState)
	// OnOther receives any other enabled bit found asserted. Serve does not
	// touch the bit; unless OnOther clears it the level stays up.
	OnOther func(ctx context.Context, b IntBit)
}

// Serve runs the interrupt service loop until ctx is cancelled, then
// returns nil. Each wake-up reads INT_STAT once and dispatches the bits
// enabled by ConfigureInterrupts in bit order:
//
//	FCSI      read FAULT_STATE, no register side effect
//	RXI, TXI  set the bit in INT_ENA_CLR, re-read INT_STAT
//
// Other asserted bits are left untouched and passed to OnOther. A dispatch round runs on a
// context detached from ctx so it is never abandoned half-way; ctx is
// observed while waiting on the line. Bus errors inside a round are logged
// and counted and the loop carries on; an error from line is returned.
func (c *Controller) Serve(ctx context.Context, line bus.Line, h Handlers) error {
	c.logger.Info("irq_loop_start", "bits", c.Interrupts().String())
	defer c.logger.Info("irq_loop_stop")
	hctx := context.WithoutCancel(ctx)
	for {
		if err := line.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ctucan: irq wait: %w", err)
		}
		c.service(hctx, h)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// service handles one interrupt assertion.
func (c *Controller) service(ctx context.Context, h Handlers) {
	stat, err := c.Read16(ctx, RegIntStat)
	if err != nil {
		c.irqError("read_status", err)
		return
	}
	active := IntBits(stat) & c.Interrupts()
	c.logger.Debug("irq", "status", IntBits(stat).String(), "active", active.String())
	for b := IntBit(0); b < numIntBits; b++ {
		if !active.Has(b) {
			continue
		}
		metrics.IncIRQ(b.String())
		switch b {
		case IntFCS:
			s, err := c.ReadFaultState(ctx)
			if err != nil {
				c.irqError("fault_state", err)
				continue
			}
			if h.OnFaultState != nil {
				h.OnFaultState(s)
			}
		case IntRX, IntTX:
			if err := c.acknowledge(ctx, b); err != nil {
				c.irqError("acknowledge", err)
				continue
			}
			if b == IntRX && h.OnRX != nil {
				h.OnRX(ctx)
			}
			if b == IntTX && h.OnTX != nil {
				h.OnTX(ctx)
			}
		default:
			if h.OnOther != nil {
				h.OnOther(ctx, b)
			} else {
				c.logger.Debug("irq_unhandled", "bit", b.String())
			}
		}
	}
}

// acknowledge clears b through INT_ENA_CLR and re-reads INT_STAT.
func (c *Controller) acknowledge(ctx context.Context, b IntBit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setBit(ctx, RegIntEnaClr, uint(b), 1); err != nil {
		return err
	}
	stat, err := c.read16(ctx, RegIntStat)
	if err != nil {
		return err
	}
	c.logger.Debug("irq_ack", "bit", b.String(), "status", IntBits(stat).String())
	return nil
}

func bitsMask(bits []IntBit) (uint32, error) {
	var m uint32
	for _, b := range bits {
		if b >= numIntBits {
			return 0, fmt.Errorf("%w: interrupt %d", ErrBitRange, b)
		}
		m |= 1 << b
	}
	return m, nil
}

// ClearInterrupts writes 1s for bits to INT_STAT, clearing the latched
// status. Serve never does this; handlers that want the line re-armed call
// it after they have consumed the event.
func (c *Controller) ClearInterrupts(ctx context.Context, bits ...IntBit) error {
	m, err := bitsMask(bits)
	if err != nil || m == 0 {
		return err
	}
	return c.Write32(ctx, RegIntStat, m)
}

// EnableInterrupts re-enables bits through INT_ENA_SET, undoing the
// acknowledge done by Serve.
func (c *Controller) EnableInterrupts(ctx context.Context, bits ...IntBit) error {
	m, err := bitsMask(bits)
	if err != nil || m == 0 {
		return err
	}
	return c.Write32(ctx, RegIntEnaSet, m)
}

func (c *Controller) irqError(where string, err error) {
	metrics.IncError(metrics.ErrIRQ)
	c.logger.Warn("irq_error", "where", where, "error", err)
}
