// Package cnl implements the cannelloni TCP framing used between the bridge
// and its clients.
//
// A frame on the wire is a big-endian 32-bit can_id (SocketCAN flag bits
// included) followed by a length byte. When the length byte has
// FDFlag set the frame is CAN FD and one flags byte (BRS, ESI) follows.
// The payload comes last.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-ctucan/internal/can"
	"github.com/kstaniek/go-ctucan/internal/metrics"
)

// FDFlag marks a CAN FD frame in the length byte.
const FDFlag = 0x80

// fdWireFlags are the frame flags carried in the FD flags byte.
const fdWireFlags = can.CANFD_BRS | can.CANFD_ESI

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a length is not a valid CAN (0..8) or
// CAN FD (0..8, 12, 16, 20, 24, 32, 48, 64) payload length.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// wireLen returns the encoded size of f.
func wireLen(f *can.Frame) int {
	n := 4 + 1 + len(f.Payload())
	if f.FD() {
		n++
	}
	return n
}

// Encode packs frames into a single buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var size int
	for i := range frames {
		size += wireLen(&frames[i])
	}
	var buf bytes.Buffer
	buf.Grow(size)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes
// written. Each frame goes out in a single Write.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var scratch [4 + 1 + 1 + can.MaxFDLen]byte
	for i := range frames {
		f := &frames[i]
		data := f.Payload()
		b := scratch[:0]
		b = binary.BigEndian.AppendUint32(b, f.CANID)
		if f.FD() {
			b = append(b, byte(len(data))|FDFlag, f.Flags&fdWireFlags)
		} else {
			b = append(b, byte(len(data)))
		}
		b = append(b, data...)
		n, err := w.Write(b)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// headerLen is the can_id plus the length byte.
const headerLen = 5

// Decode reads exactly one frame from r. It returns io.EOF only when r ends
// cleanly between frames; an end inside a frame is ErrTruncatedFrame.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [headerLen]byte
	switch _, err := io.ReadFull(r, hdr[:]); {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		return f, truncated("header", err)
	default:
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	fd := hdr[4]&FDFlag != 0
	n := int(hdr[4] &^ FDFlag)
	if fd {
		var flags [1]byte
		if _, err := io.ReadFull(r, flags[:]); err != nil {
			return f, truncated("flags", err)
		}
		f.Flags = flags[0]&fdWireFlags | can.CANFD_FDF
	}
	if !can.ValidLen(n, fd) {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d, fd=%t)", ErrInvalidLength, n, fd)
	}
	f.Len = uint8(n)
	if _, err := io.ReadFull(r, f.Data[:n]); err != nil {
		return f, truncated("payload", err)
	}
	return f, nil
}

func truncated(what string, err error) error {
	metrics.IncMalformed()
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("cannelloni decode %s: %w", what, ErrTruncatedFrame)
	}
	return fmt.Errorf("cannelloni decode %s: %w", what, err)
}

// DecodeN decodes frames into onFrame until limit frames are done (limit>0)
// or r fails. It returns the frames decoded and the error that stopped it,
// which is io.EOF at a clean end of stream.
func (c *Codec) DecodeN(r io.Reader, limit int, onFrame func(can.Frame)) (int, error) {
	n := 0
	for ; limit <= 0 || n < limit; n++ {
		f, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(f)
	}
	return n, nil
}
