// Package uartbone reaches the register bus through a LiteX UART bridge
// (litex_server --uart). Every cycle is one request frame:
//
//	cmd(1) count(1) word address(4, big-endian) [data words(4 each, big-endian)]
//
// cmd is 0x01 for a write and 0x02 for a read. A read is answered with
// count big-endian words and nothing else; a write is not answered.
package uartbone

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kstaniek/go-ctucan/internal/bus"
)

const (
	cmdWrite = 0x01
	cmdRead  = 0x02
)

var (
	// ErrTimeout is returned when a read reply does not arrive in time.
	ErrTimeout = errors.New("uartbone: reply timeout")
	// ErrDesync is returned by every cycle after a timed out read. A late
	// reply can no longer be told apart from the next one, so the bus stays
	// unusable until it is reopened.
	ErrDesync = errors.New("uartbone: bridge out of sync")
)

// Bus issues single-word cycles over a UART bridge. Cycles are serialized
// internally; the reply of a read is matched by position only.
type Bus struct {
	mu      sync.Mutex
	port    Port
	base    uint32 // word address of the peripheral in the SoC map
	timeout time.Duration
	closed  bool
	desync  bool
}

var _ bus.Bus = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithBase sets the byte address of the peripheral in the bridge's address
// space. Bus word addresses are relative to it.
func WithBase(addr uint32) Option { return func(b *Bus) { b.base = addr >> 2 } }

// WithTimeout bounds the wait for a read reply (default 1s).
func WithTimeout(d time.Duration) Option { return func(b *Bus) { b.timeout = d } }

// New wraps an open port.
func New(p Port, opts ...Option) *Bus {
	b := &Bus{port: p, timeout: time.Second}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Open opens the serial device and wraps it. Reads are polled in 50ms
// slices so a silent bridge is detected after the reply timeout.
func Open(name string, baud int, opts ...Option) (*Bus, error) {
	p, err := openPort(name, baud, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("uartbone: open %s: %w", name, err)
	}
	return New(p, opts...), nil
}

// openPort is a hook for tests.
var openPort = OpenPort

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.port.Close()
}

// usable reports why no cycle may start. Called with b.mu held.
func (b *Bus) usable() error {
	switch {
	case b.closed:
		return bus.ErrClosed
	case b.desync:
		return ErrDesync
	}
	return nil
}

func (b *Bus) header(cmd byte, addr uint32, extra int) []byte {
	buf := make([]byte, 6, 6+extra)
	buf[0] = cmd
	buf[1] = 1
	binary.BigEndian.PutUint32(buf[2:], b.base+addr)
	return buf
}

func (b *Bus) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return 0, err
	}
	if _, err := b.port.Write(b.header(cmdRead, addr, 0)); err != nil {
		return 0, fmt.Errorf("uartbone: read request 0x%x: %w", addr, err)
	}
	var reply [4]byte
	if err := b.readFull(reply[:]); err != nil {
		if errors.Is(err, ErrTimeout) {
			b.desync = true
			if ferr := b.port.Flush(); ferr != nil {
				err = errors.Join(err, fmt.Errorf("flush: %w", ferr))
			}
		}
		return 0, fmt.Errorf("uartbone: read reply 0x%x: %w", addr, err)
	}
	return binary.BigEndian.Uint32(reply[:]), nil
}

func (b *Bus) WriteWord(ctx context.Context, addr uint32, v uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	buf := b.header(cmdWrite, addr, 4)
	buf = binary.BigEndian.AppendUint32(buf, v)
	if _, err := b.port.Write(buf); err != nil {
		return fmt.Errorf("uartbone: write 0x%x: %w", addr, err)
	}
	return nil
}

// readFull fills p, tolerating the empty reads tarm/serial returns when its
// read timeout expires. A started reply is never abandoned on cancellation;
// only the reply timeout ends it, and that marks the bus out of sync.
func (b *Bus) readFull(p []byte) error {
	deadline := time.Now().Add(b.timeout)
	got := 0
	for got < len(p) {
		n, err := b.port.Read(p[got:])
		got += n
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n == 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w after %s (%d of %d bytes)", ErrTimeout, b.timeout, got, len(p))
		}
	}
	return nil
}
