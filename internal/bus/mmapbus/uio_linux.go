//go:build linux

package mmapbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-ctucan/internal/bus"
)

// pollSlice bounds how long Wait sleeps in poll(2) before re-checking ctx.
const pollSlice = 100 * time.Millisecond

// UIOLine is the interrupt output exposed by a uio_pdrv_genirq device. The
// kernel masks the interrupt when it fires; Wait unmasks it by writing 1
// and then blocks until the event counter is readable. With a level
// interrupt that is still asserted the kernel fires again at once.
type UIOLine struct {
	mu     sync.Mutex // held for a whole Wait
	fd     int
	closed atomic.Bool
	count  uint32
}

var _ bus.Line = (*UIOLine)(nil)

// OpenUIO opens a UIO device node such as /dev/uio0.
func OpenUIO(path string) (*UIOLine, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmapbus: could not open %q: %w", path, err)
	}
	return LineFromFD(fd), nil
}

// LineFromFD wraps an already open descriptor that follows the UIO
// protocol: 4-byte writes unmask, 4-byte reads return the event count.
func LineFromFD(fd int) *UIOLine { return &UIOLine{fd: fd} }

// Count returns the kernel event counter seen by the last Wait.
func (l *UIOLine) Count() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *UIOLine) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return bus.ErrClosed
	}
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(l.fd, buf[:]); err != nil {
		return fmt.Errorf("mmapbus: uio unmask: %w", err)
	}
	fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.closed.Load() {
			return bus.ErrClosed
		}
		n, err := unix.Poll(fds, int(pollSlice/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("mmapbus: uio poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
			return fmt.Errorf("mmapbus: uio poll: revents 0x%x", fds[0].Revents)
		}
		rn, err := unix.Read(l.fd, buf[:])
		if err != nil {
			return fmt.Errorf("mmapbus: uio read: %w", err)
		}
		if rn != len(buf) {
			return fmt.Errorf("mmapbus: uio short read: %d", rn)
		}
		l.count = binary.NativeEndian.Uint32(buf[:])
		return nil
	}
}

// Close releases the descriptor. A Wait in progress returns bus.ErrClosed
// at the end of its current poll slice.
func (l *UIOLine) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return unix.Close(l.fd)
}
