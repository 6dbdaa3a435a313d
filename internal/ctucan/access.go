package ctucan

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-ctucan/internal/bus"
)

// Read32 reads the 32-bit register at byte offset off.
func (c *Controller) Read32(ctx context.Context, off uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read32(ctx, off)
}

// Write32 writes the 32-bit register at byte offset off.
func (c *Controller) Write32(ctx context.Context, off, v uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write32(ctx, off, v)
}

// Read16 reads a 16-bit register: the low half of the containing word when
// off%4 == 0, the high half otherwise.
func (c *Controller) Read16(ctx context.Context, off uint32) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read16(ctx, off)
}

// Write16 replaces one half of the containing word, preserving the other.
func (c *Controller) Write16(ctx context.Context, off uint32, v uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write16(ctx, off, v)
}

// GetBit returns bit (0..15) of the 16-bit register at off as 0 or 1.
func (c *Controller) GetBit(ctx context.Context, off uint32, bit uint) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getBit(ctx, off, bit)
}

// SetBit sets bit (0..15) of the 16-bit register at off to v (any non-zero
// value is 1), leaving every other bit unchanged.
func (c *Controller) SetBit(ctx context.Context, off uint32, bit uint, v uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setBit(ctx, off, bit, v)
}

// Unlocked variants; callers hold c.mu.

func (c *Controller) read32(ctx context.Context, off uint32) (uint32, error) {
	if off%4 != 0 {
		return 0, fmt.Errorf("%w: read 0x%x", ErrAlignment, off)
	}
	v, err := c.bus.ReadWord(ctx, bus.WordAddr(off))
	if err != nil {
		return 0, fmt.Errorf("ctucan: read 0x%x: %w", off, err)
	}
	return v, nil
}

func (c *Controller) write32(ctx context.Context, off, v uint32) error {
	if off%4 != 0 {
		return fmt.Errorf("%w: write 0x%x", ErrAlignment, off)
	}
	if err := c.bus.WriteWord(ctx, bus.WordAddr(off), v); err != nil {
		return fmt.Errorf("ctucan: write 0x%x: %w", off, err)
	}
	return nil
}

func (c *Controller) read16(ctx context.Context, off uint32) (uint16, error) {
	w, err := c.read32(ctx, off&^3)
	if err != nil {
		return 0, err
	}
	if off%4 == 0 {
		return uint16(w), nil
	}
	return uint16(w >> 16), nil
}

func (c *Controller) write16(ctx context.Context, off uint32, v uint16) error {
	word := off &^ 3
	w, err := c.read32(ctx, word)
	if err != nil {
		return err
	}
	if off%4 == 0 {
		w = w&0xFFFF0000 | uint32(v)
	} else {
		w = w&0x0000FFFF | uint32(v)<<16
	}
	return c.write32(ctx, word, w)
}

func (c *Controller) getBit(ctx context.Context, off uint32, bit uint) (uint8, error) {
	if bit > 15 {
		return 0, fmt.Errorf("%w: %d", ErrBitRange, bit)
	}
	r, err := c.read16(ctx, off)
	if err != nil {
		return 0, err
	}
	return uint8(r>>bit) & 1, nil
}

func (c *Controller) setBit(ctx context.Context, off uint32, bit uint, v uint8) error {
	if bit > 15 {
		return fmt.Errorf("%w: %d", ErrBitRange, bit)
	}
	r, err := c.read16(ctx, off)
	if err != nil {
		return err
	}
	r &^= 1 << bit
	if v != 0 {
		r |= 1 << bit
	}
	return c.write16(ctx, off, r)
}
