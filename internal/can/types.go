package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// CAN FD frame flags (same values as canfd_frame.flags in <linux/can.h>).
const (
	CANFD_BRS = 0x01 // bit rate switch
	CANFD_ESI = 0x02 // error state indicator of the transmitter
	CANFD_FDF = 0x04 // frame is CAN FD
)

const (
	MaxClassicLen = 8
	MaxFDLen      = 64
)

// Frame is a simple CAN / CAN FD frame holder used across the gateway.
// can_id contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8 for classic, a valid FD length up to 64 when
// Flags has CANFD_FDF); only the first Len bytes are valid.
//
// Note: This is a convenience type. Codecs map this to/from their wires.
type Frame struct {
	CANID uint32
	Len   uint8
	Flags uint8
	Data  [64]byte
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len, g.Flags = f.CANID, f.Len, f.Flags
	copy(g.Data[:], f.Data[:])
	return g
}

// FD reports whether the frame is a CAN FD frame.
func (f Frame) FD() bool { return f.Flags&CANFD_FDF != 0 }

// Extended reports whether the identifier is 29-bit.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// RTR reports whether the frame is a remote transmission request.
func (f Frame) RTR() bool { return f.CANID&CAN_RTR_FLAG != 0 }

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns the valid bytes of Data. Len beyond 64 is clamped.
func (f *Frame) Payload() []byte { return f.Data[:min(int(f.Len), len(f.Data))] }

var dlcToLen = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen maps a 4-bit data length code to a payload length using the
// CAN FD table. Codes above 8 mean 8 bytes on classic frames.
func DLCToLen(dlc uint8, fd bool) int {
	dlc &= 0xF
	if !fd && dlc > 8 {
		return 8
	}
	return int(dlcToLen[dlc])
}

// LenToDLC returns the data length code for an exact payload length.
// ok is false when n has no code (e.g. 9..11 bytes on FD, >8 on classic).
func LenToDLC(n int, fd bool) (dlc uint8, ok bool) {
	if n < 0 {
		return 0, false
	}
	if n <= 8 {
		return uint8(n), true
	}
	if !fd {
		return 0, false
	}
	for code := 9; code < len(dlcToLen); code++ {
		if int(dlcToLen[code]) == n {
			return uint8(code), true
		}
	}
	return 0, false
}

// ValidLen reports whether n is an encodable payload length.
func ValidLen(n int, fd bool) bool {
	_, ok := LenToDLC(n, fd)
	return ok
}
