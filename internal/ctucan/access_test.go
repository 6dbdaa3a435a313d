package ctucan

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRead32Alignment(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	ctx := context.Background()
	for _, off := range []uint32{1, 2, 3, 0x2E, 0x6A} {
		if _, err := c.Read32(ctx, off); !errors.Is(err, ErrAlignment) {
			t.Fatalf("Read32(0x%x): expected ErrAlignment, got %v", off, err)
		}
		if err := c.Write32(ctx, off, 1); !errors.Is(err, ErrAlignment) {
			t.Fatalf("Write32(0x%x): expected ErrAlignment, got %v", off, err)
		}
	}
	if n := len(m.txns()); n != 0 {
		t.Fatalf("unaligned access reached the bus: %d cycles", n)
	}
}

func TestRead32WordAddress(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	m.set(RegBTR, 0x08233FEF)
	v, err := c.Read32(context.Background(), RegBTR)
	if err != nil || v != 0x08233FEF {
		t.Fatalf("Read32: v=0x%x err=%v", v, err)
	}
	tx := m.txns()
	if len(tx) != 1 || tx[0].addr != RegBTR>>2 {
		t.Fatalf("expected one read at word 0x%x, got %+v", RegBTR>>2, tx)
	}
}

func TestWrite16RoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name  string
		off   uint32
		other uint32 // mask of the half that must survive
	}{
		{"low", 0x04, 0xFFFF0000},
		{"high", 0x06, 0x0000FFFF},
		{"high_word_0x2c", 0x2E, 0x0000FFFF},
		{"low_word_0x68", 0x68, 0xFFFF0000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for _, v := range []uint16{0, 1, 0x8000, 0xA5A5, 0xFFFF} {
				m := newMemBus()
				c := newTestController(t, m)
				const seed = 0x12345678
				m.set(tc.off&^3, seed)
				if err := c.Write16(ctx, tc.off, v); err != nil {
					t.Fatalf("Write16: %v", err)
				}
				got, err := c.Read16(ctx, tc.off)
				if err != nil {
					t.Fatalf("Read16: %v", err)
				}
				if got != v {
					t.Fatalf("Read16(0x%x)=0x%x want 0x%x", tc.off, got, v)
				}
				if w := m.get(tc.off &^ 3); w&tc.other != seed&tc.other {
					t.Fatalf("other half clobbered: word=0x%08x", w)
				}
			}
		})
	}
}

func TestWrite16HighHalfTargetsContainingWord(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	if err := c.Write16(context.Background(), RegFaultState, 0xBEEF); err != nil {
		t.Fatalf("Write16: %v", err)
	}
	for _, tx := range m.txns() {
		if tx.addr != 0x2C>>2 {
			t.Fatalf("access outside containing word: %+v", tx)
		}
	}
	if w := m.get(0x2C); w != 0xBEEF0000 {
		t.Fatalf("word=0x%08x", w)
	}
}

func TestSetBitGetBit(t *testing.T) {
	ctx := context.Background()
	for _, off := range []uint32{RegMode, RegSettings} {
		for bit := uint(0); bit < 16; bit++ {
			for _, v := range []uint8{0, 1} {
				m := newMemBus()
				c := newTestController(t, m)
				const seed = 0x5A5AA5A5
				m.set(off&^3, seed)
				before, _ := c.Read16(ctx, off)
				if err := c.SetBit(ctx, off, bit, v); err != nil {
					t.Fatalf("SetBit: %v", err)
				}
				got, err := c.GetBit(ctx, off, bit)
				if err != nil || got != v {
					t.Fatalf("GetBit(0x%x,%d)=%d err=%v want %d", off, bit, got, err, v)
				}
				after, _ := c.Read16(ctx, off)
				if mask := ^uint16(1 << bit); before&mask != after&mask {
					t.Fatalf("other bits changed: before=0x%04x after=0x%04x", before, after)
				}
				// the neighbouring 16-bit register is untouched too
				if w := m.get(off &^ 3); off%4 == 0 && w>>16 != seed>>16 || off%4 != 0 && w&0xFFFF != seed&0xFFFF {
					t.Fatalf("neighbour register clobbered: word=0x%08x", w)
				}
			}
		}
	}
}

func TestSetBitNonZeroIsOne(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	ctx := context.Background()
	if err := c.SetBit(ctx, RegMode, 3, 7); err != nil {
		t.Fatalf("SetBit: %v", err)
	}
	if got := m.get(RegMode); got != 1<<3 {
		t.Fatalf("MODE=0x%x", got)
	}
}

func TestBitRange(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	ctx := context.Background()
	if _, err := c.GetBit(ctx, RegMode, 16); !errors.Is(err, ErrBitRange) {
		t.Fatalf("expected ErrBitRange, got %v", err)
	}
	if err := c.SetBit(ctx, RegMode, 31, 1); !errors.Is(err, ErrBitRange) {
		t.Fatalf("expected ErrBitRange, got %v", err)
	}
	if len(m.txns()) != 0 {
		t.Fatalf("out of range bit reached the bus")
	}
}

func TestBusErrorWrapped(t *testing.T) {
	m := newMemBus()
	errFault := errors.New("ack timeout")
	m.failRead = map[uint32]error{RegSettings >> 2: errFault}
	c := newTestController(t, m)
	_, err := c.GetBit(context.Background(), RegSettings, SettingsENABit)
	if !errors.Is(err, errFault) {
		t.Fatalf("expected wrapped bus error, got %v", err)
	}
	if !strings.Contains(err.Error(), "0x4") {
		t.Fatalf("error does not name the register: %v", err)
	}
}
