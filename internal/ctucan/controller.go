// Package ctucan drives a CTU CAN FD controller through a word-addressed
// register bus.
//
// A Controller owns the register-level protocol: aligned 32/16-bit access,
// read-modify-write bit fields, TX buffer descriptors, RX FIFO draining,
// the enable/initialize sequence and the interrupt service loop. All bus
// cycles go through the bus.Bus given to New; wrap it in a bus.Owner when
// several goroutines share one physical bus.
package ctucan

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-ctucan/internal/bus"
	"github.com/kstaniek/go-ctucan/internal/logging"
)

// TXBuffer locates one TXT buffer: its descriptor base offset and the
// buffer-select bit in TXT_COMMAND.
type TXBuffer struct {
	Offset    uint32
	SelectBit uint
}

// DefaultTXBuffers are the two buffers whose offsets are fixed by the
// register map.
var DefaultTXBuffers = []TXBuffer{
	{Offset: RegTXTBuffer1, SelectBit: TXTCommandTXB1Bit},
	{Offset: RegTXTBuffer2, SelectBit: TXTCommandTXB2Bit},
}

// Controller is safe for concurrent use. mu is held for the duration of
// every register sequence so read-modify-write cycles and FIFO reads from
// different goroutines never interleave.
type Controller struct {
	bus    bus.Bus
	mu     sync.Mutex
	logger *slog.Logger
	txbufs []TXBuffer

	irqMask atomic.Uint32 // interrupts enabled by ConfigureInterrupts
	state   atomic.Int32
	fault   atomic.Int32
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for lifecycle and interrupt events.
// Defaults to logging.L().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTXBuffers replaces the TX buffer table.
func WithTXBuffers(bufs ...TXBuffer) Option {
	return func(c *Controller) { c.txbufs = append([]TXBuffer(nil), bufs...) }
}

// New returns a Controller for the peripheral behind b. The controller
// starts in the Disabled state; nothing is read from the bus.
func New(b bus.Bus, opts ...Option) (*Controller, error) {
	c := &Controller{
		bus:    b,
		logger: logging.L(),
		txbufs: append([]TXBuffer(nil), DefaultTXBuffers...),
	}
	for _, o := range opts {
		o(c)
	}
	if err := ValidateTXBuffers(c.txbufs); err != nil {
		return nil, err
	}
	c.fault.Store(int32(FaultUnknown))
	return c, nil
}

// ValidateTXBuffers checks a TX buffer table: at least one entry, word
// aligned offsets, distinct offsets and distinct select bits in 2..31.
func ValidateTXBuffers(bufs []TXBuffer) error {
	if len(bufs) == 0 {
		return fmt.Errorf("%w: empty", ErrBufferTable)
	}
	offs := make(map[uint32]int, len(bufs))
	bits := make(map[uint]int, len(bufs))
	for i, b := range bufs {
		if b.Offset%4 != 0 {
			return fmt.Errorf("%w: buffer %d offset 0x%x not word aligned", ErrBufferTable, i, b.Offset)
		}
		if b.SelectBit <= TXTCommandTXCRBit || b.SelectBit > 31 {
			return fmt.Errorf("%w: buffer %d select bit %d", ErrBufferTable, i, b.SelectBit)
		}
		if j, dup := offs[b.Offset]; dup {
			return fmt.Errorf("%w: buffers %d and %d share offset 0x%x", ErrBufferTable, j, i, b.Offset)
		}
		if j, dup := bits[b.SelectBit]; dup {
			return fmt.Errorf("%w: buffers %d and %d share select bit %d", ErrBufferTable, j, i, b.SelectBit)
		}
		offs[b.Offset] = i
		bits[b.SelectBit] = i
	}
	return nil
}

// TXBuffers returns a copy of the TX buffer table.
func (c *Controller) TXBuffers() []TXBuffer { return append([]TXBuffer(nil), c.txbufs...) }

// State returns the last lifecycle state reached.
func (c *Controller) State() State { return State(c.state.Load()) }

// Fault returns the fault confinement state last observed by Serve or
// ReadFaultState.
func (c *Controller) Fault() FaultState { return FaultState(c.fault.Load()) }
