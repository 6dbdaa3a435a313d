package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-ctucan/internal/can"
)

// Sizes of struct can_frame and struct canfd_frame (linux/can.h).
const (
	ClassicMTU = 16
	FDMTU      = 72
)

// fdFlags are the canfd_frame.flags bits carried through the mirror.
const fdFlags = can.CANFD_BRS | can.CANFD_ESI

// Encode lays fr out as the kernel expects it: can_frame for classic
// frames, canfd_frame for FD frames. Fields are in host byte order; on the
// supported (little-endian) targets that is binary.LittleEndian.
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	len     u8    [4]
//	flags   u8    [5]    (FD only; pad on classic)
//	res     2B    [6:8]
//	data          [8:16] or [8:72]
func Encode(fr *can.Frame) []byte {
	size := ClassicMTU
	if fr.FD() {
		size = FDMTU
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	data := fr.Payload()
	if !fr.FD() && len(data) > can.MaxClassicLen {
		data = data[:can.MaxClassicLen]
	}
	buf[4] = uint8(len(data))
	if fr.FD() {
		buf[5] = fr.Flags & fdFlags
	}
	copy(buf[8:], data)
	return buf
}

// Decode parses one frame read from a raw CAN socket. The read size tells
// classic frames from FD frames.
func Decode(buf []byte, fr *can.Frame) error {
	var fd bool
	switch len(buf) {
	case ClassicMTU:
	case FDMTU:
		fd = true
	default:
		return fmt.Errorf("socketcan: short read: %d", len(buf))
	}
	*fr = can.Frame{CANID: binary.LittleEndian.Uint32(buf[0:4])}
	n := int(buf[4])
	if fd {
		fr.Flags = buf[5]&fdFlags | can.CANFD_FDF
		n = min(n, can.MaxFDLen)
	} else {
		n = min(n, can.MaxClassicLen)
	}
	fr.Len = uint8(n)
	copy(fr.Data[:n], buf[8:8+n])
	return nil
}
