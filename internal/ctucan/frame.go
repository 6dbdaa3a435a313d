package ctucan

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/metrics"
)

// Kind selects the frame type written to a TX buffer.
type Kind uint8

const (
	Standard Kind = iota // classic CAN data frame
	FD                   // CAN FD data frame
	RTR                  // classic remote transmission request
)

func (k Kind) String() string {
	switch k {
	case Standard:
		return "standard"
	case FD:
		return "fd"
	case RTR:
		return "rtr"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Request is a frame to hand to a TX buffer.
//
// Data is sent as-is; its length must have a data length code (0..8 for
// Standard, 0..8,12,16,20,24,32,48,64 for FD). For RTR frames Data is never
// written; its length only sets the requested DLC.
type Request struct {
	Kind     Kind
	ID       uint32
	Extended bool
	Data     []byte
	BRS      bool // bit rate switch, FD only
	Buffer   int
}

// txImage is the validated descriptor for one TX buffer.
type txImage struct {
	buf    TXBuffer
	format uint32
	ident  uint32
	data   []uint32 // nil for RTR
}

func (c *Controller) encode(req Request) (txImage, error) {
	var img txImage
	if req.Buffer < 0 || req.Buffer >= len(c.txbufs) {
		return img, fmt.Errorf("%w: %d (have %d)", ErrInvalidBuffer, req.Buffer, len(c.txbufs))
	}
	img.buf = c.txbufs[req.Buffer]

	limit := uint32(MaxStdID)
	if req.Extended {
		limit = MaxExtID
	}
	if req.ID > limit {
		return img, fmt.Errorf("%w: 0x%x (extended=%v)", ErrIdentifierTooLong, req.ID, req.Extended)
	}

	var format uint32
	switch req.Kind {
	case Standard, RTR:
	case FD:
		format |= 1 << FormatFDFBit
		if req.BRS {
			format |= 1 << FormatBRSBit
		}
	default:
		return img, fmt.Errorf("ctucan: unknown frame kind %d", req.Kind)
	}
	dlc, ok := can.LenToDLC(len(req.Data), req.Kind == FD)
	if !ok {
		return img, fmt.Errorf("%w: %d bytes (%s)", ErrPayloadTooLong, len(req.Data), req.Kind)
	}
	format |= uint32(dlc) & FormatDLCMask
	if req.Kind == RTR {
		format |= 1 << FormatRTRBit
	}
	if req.Extended {
		format |= 1 << FormatIDEBit
		img.ident = req.ID << IdentifierExtShift
	} else {
		img.ident = req.ID << IdentifierStdShift
	}
	img.format = format

	if req.Kind != RTR {
		img.data = packWords(req.Data)
	}
	return img, nil
}

// packWords packs b into little-endian 32-bit words, zero padding the last.
func packWords(b []byte) []uint32 {
	words := make([]uint32, (len(b)+3)/4)
	for i := range words {
		var w [4]byte
		copy(w[:], b[i*4:])
		words[i] = binary.LittleEndian.Uint32(w[:])
	}
	return words
}

// SendFrame writes req into its TX buffer and issues the transmit command.
// It does not wait for the frame to leave the controller. Validation fails
// before any bus cycle.
func (c *Controller) SendFrame(ctx context.Context, req Request) error {
	img, err := c.encode(req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeTX(ctx, img); err != nil {
		metrics.IncError(metrics.ErrCANTx)
		return err
	}
	metrics.IncCANTx()
	c.logger.Debug("can_tx", "buffer", req.Buffer, "id", req.ID, "kind", req.Kind.String(), "len", len(req.Data))
	return nil
}

func (c *Controller) writeTX(ctx context.Context, img txImage) error {
	base := img.buf.Offset
	if err := c.write32(ctx, base+TXFrameFormat, img.format); err != nil {
		return err
	}
	if err := c.write32(ctx, base+TXIdentifier, img.ident); err != nil {
		return err
	}
	if img.data != nil {
		if err := c.write32(ctx, base+TXTimestampL, 0); err != nil {
			return err
		}
		if err := c.write32(ctx, base+TXTimestampU, 0); err != nil {
			return err
		}
		for i, w := range img.data {
			if err := c.write32(ctx, base+TXDataStart+uint32(i)*4, w); err != nil {
				return err
			}
		}
	}
	cmd := uint32(1)<<TXTCommandTXCRBit | uint32(1)<<img.buf.SelectBit
	return c.write32(ctx, RegTXTCommand, cmd)
}

// RequestFromCAN converts a bridged frame into a Request for buffer idx.
func RequestFromCAN(f can.Frame, idx int) Request {
	req := Request{
		ID:       f.ID(),
		Extended: f.Extended(),
		Buffer:   idx,
		Data:     append([]byte(nil), f.Payload()...),
	}
	switch {
	case f.FD():
		req.Kind = FD
		req.BRS = f.Flags&can.CANFD_BRS != 0
	case f.RTR():
		req.Kind = RTR
	default:
		req.Kind = Standard
	}
	return req
}

// PayloadFromValue derives a payload from an integer the way older callers
// expressed it: the value's significant bits rounded up to whole bytes,
// least significant byte first. Trailing zero bytes cannot be expressed:
// the payload 11 00 written as 0x0011 comes back as the single byte 11.
// Zero yields an empty payload. Negative values are treated by magnitude.
func PayloadFromValue(v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return nil
	}
	be := new(big.Int).Abs(v).Bytes()
	le := make([]byte, len(be))
	for i, b := range be {
		le[len(be)-1-i] = b
	}
	return le
}
