package ctucan

import (
	"context"
	"testing"
)

func TestDecodeFaultState(t *testing.T) {
	cases := []struct {
		raw  uint16
		want FaultState
	}{
		{0, FaultUnknown},
		{1 << FaultERABit, ErrorActive},
		{1 << FaultERPBit, ErrorPassive},
		{1<<FaultERABit | 1<<FaultERPBit, ErrorPassive},
		{1 << FaultBOFBit, BusOff},
		{1<<FaultERPBit | 1<<FaultBOFBit, BusOff},
		{0xFFF8, FaultUnknown},
	}
	for _, tc := range cases {
		if got := DecodeFaultState(tc.raw); got != tc.want {
			t.Fatalf("DecodeFaultState(0x%x)=%s want %s", tc.raw, got, tc.want)
		}
	}
}

func TestReadFaultStateHighHalf(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	// FAULT_STATE is the high half of word 0x2C; the low half must be ignored
	m.set(0x2C, uint32(1<<FaultERPBit)<<16|1<<FaultBOFBit)
	s, err := c.ReadFaultState(context.Background())
	if err != nil || s != ErrorPassive {
		t.Fatalf("state=%s err=%v", s, err)
	}
	if c.Fault() != ErrorPassive {
		t.Fatalf("Fault()=%s", c.Fault())
	}
}
