package cnl

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-ctucan/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	var f can.Frame
	f.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	n = max(0, min(n, can.MaxClassicLen))
	f.Len = uint8(n)
	rand.Read(f.Data[:n])
	return f
}

func mkFDFrame(id uint32, n int, flags uint8) can.Frame {
	f := can.Frame{CANID: id & can.CAN_SFF_MASK, Len: uint8(n), Flags: flags | can.CANFD_FDF}
	rand.Read(f.Data[:n])
	return f
}

func sameFrame(a, b can.Frame) bool {
	return a.CANID == b.CANID && a.Len == b.Len && a.Flags == b.Flags && bytes.Equal(a.Payload(), b.Payload())
}

func TestCNLCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{
		mkFrame(0x1E5A, 8),
		mkFDFrame(0x123, 64, can.CANFD_BRS),
		mkFrame(0x1F55, 6),
		mkFDFrame(0x124, 12, can.CANFD_ESI),
		mkFrame(0x12345, 0),
		mkFDFrame(0x125, 0, 0),
		{CANID: 0x42 | can.CAN_RTR_FLAG, Len: 2},
	}

	wire := codec.Encode(in)
	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f.CopyShallow()) })
	if err != io.EOF { // expect EOF at clean end
		t.Fatalf("DecodeN unexpected err: %v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d, want %d", n, len(out), len(in))
	}
	for i := range in {
		if !sameFrame(out[i], in[i]) {
			t.Fatalf("frame %d mismatch: %+v vs %+v", i, out[i], in[i])
		}
	}
}

func TestCNLCodec_FDWireLayout(t *testing.T) {
	codec := Codec{}
	f := can.Frame{CANID: 0x123, Len: 12, Flags: can.CANFD_FDF | can.CANFD_BRS}
	for i := 0; i < 12; i++ {
		f.Data[i] = byte(i)
	}
	wire := codec.Encode([]can.Frame{f})
	want := append([]byte{0, 0, 0x01, 0x23, 12 | FDFlag, can.CANFD_BRS}, f.Data[:12]...)
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire=% X\nwant=% X", wire, want)
	}
	classic := codec.Encode([]can.Frame{{CANID: 0x7FF, Len: 1, Data: [64]byte{0xAA}}})
	if !bytes.Equal(classic, []byte{0, 0, 0x07, 0xFF, 1, 0xAA}) {
		t.Fatalf("classic wire=% X", classic)
	}
}

func TestCNLCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFDFrame(0x11, 48, can.CANFD_BRS), mkFrame(0x12, 3)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	n, err := codec.EncodeTo(&buf, frames)
	if err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if n != len(a) || !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
}

func TestCNLCodec_DecodeErrors(t *testing.T) {
	codec := Codec{}
	cases := []struct {
		name string
		wire []byte
		want error
	}{
		{"classic 9", []byte{0, 0, 0, 1, 9}, ErrInvalidLength},
		{"fd 9", []byte{0, 0, 0, 1, 9 | FDFlag, 0}, ErrInvalidLength},
		{"fd 65", []byte{0, 0, 0, 1, 65 | FDFlag, 0}, ErrInvalidLength},
		{"short payload", []byte{0, 0, 0, 2, 5, 1, 2, 3}, ErrTruncatedFrame},
		{"missing flags", []byte{0, 0, 0, 2, 8 | FDFlag}, ErrTruncatedFrame},
		{"missing len", []byte{0, 0, 0, 2}, ErrTruncatedFrame},
		{"short id", []byte{0, 0}, ErrTruncatedFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := codec.Decode(bytes.NewReader(tc.wire)); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
	if _, err := codec.Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("empty input: %v", err)
	}
}

// TestDecodeN_Limit stops after the requested number of frames.
func TestDecodeN_Limit(t *testing.T) {
	c := Codec{}
	in := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 5), mkFrame(0x12, 0)}
	r := bytes.NewReader(c.Encode(in))
	n, err := c.DecodeN(r, 2, func(can.Frame) {})
	if err != nil || n != 2 {
		t.Fatalf("DecodeN n=%d err=%v", n, err)
	}
	f, err := c.Decode(r)
	if err != nil || f.CANID != in[2].CANID {
		t.Fatalf("third frame %+v err=%v", f, err)
	}
}
