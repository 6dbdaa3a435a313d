package ctucan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-ctucan/internal/bus"
)

// SETTINGS.ENA as a bit of the word at 0x04.
const settingsENAWordBit = 16 + SettingsENABit

func TestDisable(t *testing.T) {
	m := newMemBus()
	m.set(0x04, 1<<settingsENAWordBit|1<<ModeSTMBit)
	c := newTestController(t, m)
	if err := c.Disable(context.Background()); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if w := m.get(0x04); w != 1<<ModeSTMBit {
		t.Fatalf("word 0x04=0x%08x", w)
	}
	if c.State() != Disabled {
		t.Fatalf("state=%s", c.State())
	}
}

func TestDisableStateMismatch(t *testing.T) {
	m := newMemBus()
	m.onWrite = func(addr, v uint32) uint32 {
		if addr == bus.WordAddr(RegSettings) {
			v |= 1 << settingsENAWordBit // stuck at 1
		}
		return v
	}
	c := newTestController(t, m)
	if err := c.Disable(context.Background()); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
}

func TestConfigureInterruptsDefault(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	if err := c.ConfigureInterrupts(context.Background()); err != nil {
		t.Fatalf("ConfigureInterrupts: %v", err)
	}
	const want = 1<<IntRX | 1<<IntTX | 1<<IntFCS
	if w := m.writesTo(RegIntMaskSet); len(w) != 1 || w[0] != 0x0FFF {
		t.Fatalf("mask-all writes=%x", w)
	}
	if got := m.get(RegIntEnaSet); got != want {
		t.Fatalf("INT_ENA_SET=0x%x want 0x%x", got, want)
	}
	if got := m.get(RegIntMaskClr); got != want {
		t.Fatalf("INT_MASK_CLR=0x%x want 0x%x", got, want)
	}
	if c.Interrupts() != want {
		t.Fatalf("Interrupts()=%s", c.Interrupts())
	}
	if c.State() != Configuring {
		t.Fatalf("state=%s", c.State())
	}
	// mask-all happens before any enable
	tx := m.txns()
	var sawMask bool
	for _, x := range tx {
		if x.write && x.addr == bus.WordAddr(RegIntMaskSet) {
			sawMask = true
		}
		if x.write && x.addr == bus.WordAddr(RegIntEnaSet) && !sawMask {
			t.Fatalf("interrupt enabled before masking all")
		}
	}
	if last := tx[len(tx)-1]; last.write || last.addr != bus.WordAddr(RegIntStat) {
		t.Fatalf("status not verified last: %+v", last)
	}
}

func TestConfigureInterruptsSubset(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	if err := c.ConfigureInterrupts(context.Background(), IntBE, IntDO); err != nil {
		t.Fatalf("ConfigureInterrupts: %v", err)
	}
	if got := m.get(RegIntEnaSet); got != 1<<IntBE|1<<IntDO {
		t.Fatalf("INT_ENA_SET=0x%x", got)
	}
}

func TestConfigureInterruptsStale(t *testing.T) {
	m := newMemBus()
	m.set(RegIntStat, 1<<IntBE)
	c := newTestController(t, m)
	err := c.ConfigureInterrupts(context.Background())
	if !errors.Is(err, ErrUnexpectedInterrupt) {
		t.Fatalf("expected ErrUnexpectedInterrupt, got %v", err)
	}
}

func TestConfigureInterruptsIgnoresUpperStatusBits(t *testing.T) {
	m := newMemBus()
	m.set(RegIntStat, 0xF000)
	c := newTestController(t, m)
	if err := c.ConfigureInterrupts(context.Background()); err != nil {
		t.Fatalf("bits above the 12 interrupt sources must not count: %v", err)
	}
}

func TestConfigureInterruptsRange(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	if err := c.ConfigureInterrupts(context.Background(), IntBit(12)); !errors.Is(err, ErrBitRange) {
		t.Fatalf("expected ErrBitRange, got %v", err)
	}
	if len(m.txns()) != 0 {
		t.Fatalf("invalid request reached the bus")
	}
}

func TestConfigureTiming(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	if err := c.ConfigureTiming(context.Background(), DefaultTiming); err != nil {
		t.Fatalf("ConfigureTiming: %v", err)
	}
	tx := m.txns()
	want := []txn{
		{true, RegBTR >> 2, 0x08233FEF},
		{true, RegBTRFD >> 2, 0x0808A387},
		{true, RegTRVDelay >> 2, 0x01000000},
	}
	if len(tx) != len(want) {
		t.Fatalf("cycles=%+v", tx)
	}
	for i := range want {
		if tx[i] != want[i] {
			t.Fatalf("cycle %d=%+v want %+v", i, tx[i], want[i])
		}
	}
}

func TestEnableWithTestModes(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	if err := c.Enable(context.Background(), EnableOptions{Loopback: true, SelfAck: true}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	w := m.get(0x04)
	if settings := w >> 16; settings != 1<<SettingsILBPBit|1<<SettingsENABit {
		t.Fatalf("SETTINGS=0x%x", settings)
	}
	if mode := w & 0xFFFF; mode != 1<<ModeSTMBit {
		t.Fatalf("MODE=0x%x", mode)
	}
	if c.State() != Enabled {
		t.Fatalf("state=%s", c.State())
	}
}

func TestEnableStateMismatch(t *testing.T) {
	m := newMemBus()
	m.onWrite = func(addr, v uint32) uint32 {
		if addr == bus.WordAddr(RegSettings) {
			v &^= 1 << settingsENAWordBit
		}
		return v
	}
	c := newTestController(t, m)
	if err := c.Enable(context.Background(), EnableOptions{}); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
	if c.State() == Enabled {
		t.Fatalf("state advanced despite mismatch")
	}
}

// eraAfter makes FAULT_STATE report error-active from the n-th read on.
func eraAfter(m *memBus, n int) *int {
	reads := new(int)
	m.onRead = func(addr, v uint32) uint32 {
		if addr == bus.WordAddr(RegFaultState) {
			*reads++
			if *reads >= n {
				v |= 1 << (16 + FaultERABit)
			}
		}
		return v
	}
	return reads
}

func TestAwaitInitialized(t *testing.T) {
	m := newMemBus()
	reads := eraAfter(m, 3)
	c := newTestController(t, m)
	if err := c.AwaitInitialized(context.Background(), Poll{Attempts: 10, Interval: time.Microsecond}); err != nil {
		t.Fatalf("AwaitInitialized: %v", err)
	}
	if *reads != 3 {
		t.Fatalf("polled %d times, want 3", *reads)
	}
	if c.State() != Initialized || c.Fault() != ErrorActive {
		t.Fatalf("state=%s fault=%s", c.State(), c.Fault())
	}
}

func TestAwaitInitializedTimeout(t *testing.T) {
	m := newMemBus()
	reads := eraAfter(m, 1000)
	c := newTestController(t, m)
	err := c.AwaitInitialized(context.Background(), Poll{Attempts: 5, Interval: time.Microsecond})
	if !errors.Is(err, ErrInitializationTimeout) {
		t.Fatalf("expected ErrInitializationTimeout, got %v", err)
	}
	if *reads != 5 {
		t.Fatalf("polled %d times, want 5", *reads)
	}
}

func TestAwaitInitializedCancelled(t *testing.T) {
	m := newMemBus()
	eraAfter(m, 1000)
	c := newTestController(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := c.AwaitInitialized(ctx, Poll{Attempts: 1000, Interval: 10 * time.Millisecond})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancellation not observed between polls")
	}
}

func TestProbe(t *testing.T) {
	m := newMemBus()
	m.set(RegDeviceID, 0x0203<<16|DeviceID)
	m.set(RegYolo, YoloValue)
	c := newTestController(t, m)
	ctx := context.Background()
	ver, err := c.Probe(ctx)
	if err != nil || ver != 0x0203 {
		t.Fatalf("Probe: ver=0x%x err=%v", ver, err)
	}
	if y, err := c.Yolo(ctx); err != nil || y != YoloValue {
		t.Fatalf("Yolo=0x%x err=%v", y, err)
	}

	m.set(RegDeviceID, 0x1234)
	if _, err := c.Probe(ctx); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestReset(t *testing.T) {
	m := newMemBus()
	c := newTestController(t, m)
	c.setState(Initialized)
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if m.get(RegMode)&1 != 1 {
		t.Fatalf("MODE.RST not set")
	}
	if c.State() != Disabled || c.Interrupts() != 0 {
		t.Fatalf("state=%s irqs=%s", c.State(), c.Interrupts())
	}
}

func TestBringup(t *testing.T) {
	m := newMemBus()
	m.set(0x04, 1<<settingsENAWordBit) // left enabled by a previous session
	eraAfter(m, 2)
	c := newTestController(t, m)
	cfg := DefaultConfig()
	cfg.Enable = EnableOptions{Loopback: true, SelfAck: true}
	cfg.Poll = Poll{Attempts: 5, Interval: time.Microsecond}
	if err := c.Bringup(context.Background(), cfg); err != nil {
		t.Fatalf("Bringup: %v", err)
	}
	if c.State() != Initialized {
		t.Fatalf("state=%s", c.State())
	}
	// disable comes first, timing before the final enable
	settings := m.writesTo(RegSettings)
	if len(settings) == 0 || settings[0]&(1<<settingsENAWordBit) != 0 {
		t.Fatalf("first SETTINGS write does not disable: %x", settings)
	}
	var btrAt, enaAt int
	for i, x := range m.txns() {
		if x.write && x.addr == bus.WordAddr(RegBTR) {
			btrAt = i
		}
		if x.write && x.addr == bus.WordAddr(RegSettings) && x.val&(1<<settingsENAWordBit) != 0 {
			enaAt = i
		}
	}
	if btrAt == 0 || enaAt < btrAt {
		t.Fatalf("timing at %d, enable at %d", btrAt, enaAt)
	}
}

func TestBringupStopsOnStaleInterrupt(t *testing.T) {
	m := newMemBus()
	m.set(RegIntStat, 1<<IntRX)
	c := newTestController(t, m)
	err := c.Bringup(context.Background(), DefaultConfig())
	if !errors.Is(err, ErrUnexpectedInterrupt) {
		t.Fatalf("expected ErrUnexpectedInterrupt, got %v", err)
	}
	if len(m.writesTo(RegBTR)) != 0 {
		t.Fatalf("timing written after failed interrupt check")
	}
}
