//go:build linux

// Package mmapbus maps the peripheral's register window from /dev/mem (or
// any mmap-able file) and serves bus cycles as 32-bit loads and stores.
// The interrupt output is taken from a UIO device.
package mmapbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-ctucan/internal/bus"
)

// DefaultSpan covers the whole CTU CAN FD register map (TX buffers included).
const DefaultSpan = 0x1000

var errRange = errors.New("mmapbus: address out of range")

// Bus is a mapped register window. Word address 0 is the byte at base.
type Bus struct {
	mu   sync.RWMutex
	data []byte // whole pages as returned by mmap
	win  []byte // register window inside data
}

var _ bus.Bus = (*Bus)(nil)

// Open maps span bytes at physical address base from path, which is usually
// /dev/mem. base need not be page aligned.
func Open(path string, base int64, span int) (*Bus, error) {
	if span <= 0 || span%4 != 0 || base%4 != 0 {
		return nil, fmt.Errorf("mmapbus: invalid window base=0x%x span=0x%x", base, span)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmapbus: could not open %q: %w", path, err)
	}
	// the mapping stays valid after the descriptor is closed
	defer f.Close()

	page := int64(os.Getpagesize())
	start := base &^ (page - 1)
	delta := int(base - start)
	data, err := unix.Mmap(int(f.Fd()), start, delta+span, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmapbus: could not mmap %q at 0x%x: %w", path, base, err)
	}
	if len(data) != delta+span {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("mmapbus: invalid mmap'd data: %d", len(data))
	}
	b := &Bus{data: data, win: data[delta:]}
	runtime.SetFinalizer(b, (*Bus).Close)
	return b, nil
}

// Close unmaps the window. Further cycles fail with bus.ErrClosed.
func (b *Bus) Close() error {
	if b == nil {
		return os.ErrInvalid
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil
	}
	data := b.data
	b.data, b.win = nil, nil
	runtime.SetFinalizer(b, nil)
	return unix.Munmap(data)
}

// Len returns the size of the register window in bytes.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.win)
}

func (b *Bus) word(addr uint32) (*uint32, error) {
	if b.win == nil {
		return nil, bus.ErrClosed
	}
	off := uint64(addr) << 2
	if off+4 > uint64(len(b.win)) {
		return nil, fmt.Errorf("%w: word 0x%x", errRange, addr)
	}
	return (*uint32)(unsafe.Pointer(&b.win[off])), nil
}

// ReadWord performs one 32-bit load. Loads go through sync/atomic so the
// compiler emits a single full-width access.
func (b *Bus) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, err := b.word(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// WriteWord performs one 32-bit store.
func (b *Bus) WriteWord(ctx context.Context, addr uint32, v uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, err := b.word(addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}
