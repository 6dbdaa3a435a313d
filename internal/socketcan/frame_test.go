package socketcan

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-ctucan/internal/can"
)

func TestEncodeClassic(t *testing.T) {
	fr := can.Frame{CANID: 0x123, Len: 3, Data: [64]byte{1, 2, 3}}
	buf := Encode(&fr)
	want := []byte{0x23, 0x01, 0, 0, 3, 0, 0, 0, 1, 2, 3, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf, want) {
		t.Fatalf("buf=% X", buf)
	}
}

func TestEncodeFD(t *testing.T) {
	fr := can.Frame{CANID: 0x1ABCDEF | can.CAN_EFF_FLAG, Len: 20, Flags: can.CANFD_FDF | can.CANFD_BRS}
	for i := 0; i < 20; i++ {
		fr.Data[i] = byte(i + 1)
	}
	buf := Encode(&fr)
	if len(buf) != FDMTU || buf[4] != 20 || buf[5] != can.CANFD_BRS || buf[8+19] != 20 || buf[8+20] != 0 {
		t.Fatalf("buf=% X", buf)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	frames := []can.Frame{
		{CANID: 0x7FF, Len: 8, Data: [64]byte{8, 7, 6, 5, 4, 3, 2, 1}},
		{CANID: 0x42 | can.CAN_RTR_FLAG, Len: 0},
		{CANID: 0x100, Len: 64, Flags: can.CANFD_FDF | can.CANFD_ESI},
	}
	frames[2].Data[63] = 0xEE
	for i, in := range frames {
		var out can.Frame
		if err := Decode(Encode(&in), &out); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if out.CANID != in.CANID || out.Len != in.Len || out.Flags != in.Flags || out.Data != in.Data {
			t.Fatalf("frame %d: %+v want %+v", i, out, in)
		}
	}
}

func TestDecodeRejectsShortRead(t *testing.T) {
	var fr can.Frame
	if err := Decode(make([]byte, 10), &fr); err == nil {
		t.Fatalf("short read accepted")
	}
	// a classic frame claiming 15 bytes is clamped to 8
	buf := make([]byte, ClassicMTU)
	buf[4] = 15
	if err := Decode(buf, &fr); err != nil || fr.Len != 8 {
		t.Fatalf("len=%d err=%v", fr.Len, err)
	}
}
