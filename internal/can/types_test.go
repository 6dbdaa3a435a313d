package can

import "testing"

func TestLenToDLC(t *testing.T) {
	cases := []struct {
		n   int
		fd  bool
		dlc uint8
		ok  bool
	}{
		{0, false, 0, true},
		{8, false, 8, true},
		{9, false, 0, false},
		{12, false, 0, false},
		{8, true, 8, true},
		{9, true, 0, false},
		{12, true, 9, true},
		{16, true, 10, true},
		{20, true, 11, true},
		{24, true, 12, true},
		{32, true, 13, true},
		{48, true, 14, true},
		{64, true, 15, true},
		{65, true, 0, false},
		{-1, true, 0, false},
	}
	for _, tc := range cases {
		dlc, ok := LenToDLC(tc.n, tc.fd)
		if ok != tc.ok || (ok && dlc != tc.dlc) {
			t.Fatalf("LenToDLC(%d,%v)=(%d,%v) want (%d,%v)", tc.n, tc.fd, dlc, ok, tc.dlc, tc.ok)
		}
		if ok {
			if back := DLCToLen(dlc, tc.fd); back != tc.n {
				t.Fatalf("DLCToLen(%d,%v)=%d want %d", dlc, tc.fd, back, tc.n)
			}
		}
	}
}

func TestDLCToLenClassicClamp(t *testing.T) {
	for dlc := uint8(9); dlc < 16; dlc++ {
		if got := DLCToLen(dlc, false); got != 8 {
			t.Fatalf("classic DLC %d -> %d, want 8", dlc, got)
		}
	}
}

func TestFrameAccessors(t *testing.T) {
	f := Frame{CANID: 0x1ABCDEF0 | CAN_EFF_FLAG, Len: 3, Flags: CANFD_FDF | CANFD_BRS}
	copy(f.Data[:], []byte{1, 2, 3, 4})
	if !f.Extended() || f.RTR() || !f.FD() {
		t.Fatalf("flags decoded wrong: %+v", f)
	}
	if f.ID() != 0x1ABCDEF0 {
		t.Fatalf("id=%x", f.ID())
	}
	if p := f.Payload(); len(p) != 3 || p[2] != 3 {
		t.Fatalf("payload=%v", p)
	}
	g := f.CopyShallow()
	if g.Flags != f.Flags || g.Data != f.Data {
		t.Fatalf("copy mismatch")
	}
	std := Frame{CANID: 0xFFFF | CAN_RTR_FLAG}
	if std.ID() != 0x7FF || !std.RTR() {
		t.Fatalf("std id=%x rtr=%v", std.ID(), std.RTR())
	}
}
