package ctucan

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/metrics"
)

// rxHeaderWords is the number of RX_DATA words counted by RWCNT before the
// payload: identifier and the two timestamp halves.
const rxHeaderWords = 3

// RxFrame is one frame as read from the RX FIFO.
type RxFrame struct {
	Format        uint32
	Identifier    uint32
	TimestampLow  uint32
	TimestampHigh uint32
	Data          []uint32
}

// RWCNT is the number of words following the frame-format word.
func (f RxFrame) RWCNT() int { return int(f.Format>>FormatRWCNTShift) & FormatRWCNTMask }

func (f RxFrame) DLC() uint8     { return uint8(f.Format & FormatDLCMask) }
func (f RxFrame) RTR() bool      { return f.Format&(1<<FormatRTRBit) != 0 }
func (f RxFrame) Extended() bool { return f.Format&(1<<FormatIDEBit) != 0 }
func (f RxFrame) FD() bool       { return f.Format&(1<<FormatFDFBit) != 0 }
func (f RxFrame) BRS() bool      { return f.Format&(1<<FormatBRSBit) != 0 }

// ID returns the identifier with the standard/extended shift removed.
func (f RxFrame) ID() uint32 {
	if f.Extended() {
		return (f.Identifier >> IdentifierExtShift) & MaxExtID
	}
	return (f.Identifier >> IdentifierStdShift) & MaxStdID
}

// Timestamp joins the two timestamp words.
func (f RxFrame) Timestamp() uint64 {
	return uint64(f.TimestampHigh)<<32 | uint64(f.TimestampLow)
}

// Len is the payload length implied by the DLC, capped by the words read.
func (f RxFrame) Len() int {
	if f.RTR() {
		return 0
	}
	n := can.DLCToLen(f.DLC(), f.FD())
	if avail := len(f.Data) * 4; n > avail {
		n = avail
	}
	return n
}

// Payload unpacks the data words little-endian and trims to Len.
func (f RxFrame) Payload() []byte {
	b := make([]byte, len(f.Data)*4)
	for i, w := range f.Data {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b[:f.Len()]
}

// CAN converts the frame to the representation used by the network side.
func (f RxFrame) CAN() can.Frame {
	var out can.Frame
	out.CANID = f.ID()
	if f.Extended() {
		out.CANID |= can.CAN_EFF_FLAG
	}
	if f.FD() {
		out.Flags |= can.CANFD_FDF
		if f.BRS() {
			out.Flags |= can.CANFD_BRS
		}
	} else if f.RTR() {
		out.CANID |= can.CAN_RTR_FLAG
	}
	p := f.Payload()
	out.Len = uint8(copy(out.Data[:], p))
	return out
}

// ReceiveFrame reads one frame from RX_DATA. The FIFO must be non-empty
// (see RXEmpty); on an empty FIFO the values read are undefined.
//
// A header whose RWCNT is below 3 yields ErrMalformedFrame after the four
// header words have been consumed. The FIFO position is then unknown.
func (c *Controller) ReceiveFrame(ctx context.Context) (RxFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveFrame(ctx)
}

func (c *Controller) receiveFrame(ctx context.Context) (RxFrame, error) {
	var f RxFrame
	hdr := [4]*uint32{&f.Format, &f.Identifier, &f.TimestampLow, &f.TimestampHigh}
	for _, p := range hdr {
		v, err := c.read32(ctx, RegRXData)
		if err != nil {
			metrics.IncError(metrics.ErrCANRx)
			return f, err
		}
		*p = v
	}
	n := f.RWCNT()
	if n < rxHeaderWords {
		metrics.IncMalformed()
		return f, fmt.Errorf("%w: rwcnt=%d format=0x%08x", ErrMalformedFrame, n, f.Format)
	}
	if n > rxHeaderWords {
		f.Data = make([]uint32, n-rxHeaderWords)
	}
	for i := range f.Data {
		v, err := c.read32(ctx, RegRXData)
		if err != nil {
			metrics.IncError(metrics.ErrCANRx)
			return f, err
		}
		f.Data[i] = v
	}
	metrics.IncCANRx()
	return f, nil
}

// RXEmpty reports whether the RX FIFO holds no frame.
func (c *Controller) RXEmpty(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxEmpty(ctx)
}

func (c *Controller) rxEmpty(ctx context.Context) (bool, error) {
	b, err := c.getBit(ctx, RegRXStatus, RXStatusRXEBit)
	return b == 1, err
}

// Drain receives frames until the FIFO reports empty, calling fn for each.
// It returns the number of frames delivered. The lock is released between
// frames so transmit sequences are not starved by a busy receiver.
func (c *Controller) Drain(ctx context.Context, fn func(RxFrame)) (int, error) {
	var n int
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		f, empty, err := c.nextFrame(ctx)
		if err != nil || empty {
			return n, err
		}
		if fn != nil {
			fn(f)
		}
		n++
	}
}

func (c *Controller) nextFrame(ctx context.Context) (RxFrame, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	empty, err := c.rxEmpty(ctx)
	if err != nil || empty {
		return RxFrame{}, empty, err
	}
	f, err := c.receiveFrame(ctx)
	return f, false, err
}
