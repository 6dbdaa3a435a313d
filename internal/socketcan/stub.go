//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-ctucan/internal/can"
)

// Device is a placeholder so non-linux builds compile.
type Device struct{}

func Open(iface string) (*Device, error) {
	return nil, errors.New("socketcan: unsupported on this platform")
}

func (d *Device) Close() error                  { return nil }
func (d *Device) ReadFrame(fr *can.Frame) error { return errors.ErrUnsupported }
func (d *Device) WriteFrame(fr can.Frame) error { return errors.ErrUnsupported }
