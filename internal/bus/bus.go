package bus

import (
	"context"
	"errors"
)

// Bus performs single read or write cycles on a word-addressed 32-bit register
// bus. addr is a word address (byte offset >> 2); writes enable all byte lanes.
type Bus interface {
	ReadWord(ctx context.Context, addr uint32) (uint32, error)
	WriteWord(ctx context.Context, addr uint32, v uint32) error
}

// Line is the peripheral's single interrupt output.
// Wait returns when the line is asserted or ctx is done. A level-sensitive
// line returns at once for as long as the output stays asserted.
type Line interface {
	Wait(ctx context.Context) error
}

// ErrClosed is returned by an Owner after Close.
var ErrClosed = errors.New("bus: closed")

// WordAddr converts a byte offset into the bus word address.
func WordAddr(off uint32) uint32 { return off >> 2 }
