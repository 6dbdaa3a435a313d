//go:build !linux

package mmapbus

import (
	"context"
	"errors"

	"github.com/kstaniek/go-ctucan/internal/bus"
)

const DefaultSpan = 0x1000

var errUnsupported = errors.New("mmapbus: unsupported on this platform")

// Bus is a placeholder so non-linux builds compile.
type Bus struct{}

func Open(path string, base int64, span int) (*Bus, error) { return nil, errUnsupported }

func (b *Bus) Close() error { return nil }
func (b *Bus) Len() int     { return 0 }

func (b *Bus) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	return 0, errUnsupported
}

func (b *Bus) WriteWord(ctx context.Context, addr uint32, v uint32) error { return errUnsupported }

type UIOLine struct{}

func OpenUIO(path string) (*UIOLine, error) { return nil, errUnsupported }

func (l *UIOLine) Wait(ctx context.Context) error { return bus.ErrClosed }
func (l *UIOLine) Close() error                   { return nil }
