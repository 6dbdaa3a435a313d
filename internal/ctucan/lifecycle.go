package ctucan

import (
	"context"
	"fmt"
	"time"

	"github.com/kstaniek/go-ctucan/internal/metrics"
)

// State is the controller lifecycle state as tracked by this package.
type State int32

const (
	Disabled State = iota
	Configuring
	Enabled     // enable bit set, not yet error-active
	Initialized // error-active: the controller has joined the bus
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Configuring:
		return "configuring"
	case Enabled:
		return "enabled"
	case Initialized:
		return "initialized"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Timing holds the pre-encoded bit timing register values.
type Timing struct {
	Nominal          uint32 // BTR
	Data             uint32 // BTR_FD
	TransceiverDelay uint32 // TRV_DELAY
}

// DefaultTiming is 125 kbit/s nominal, 500 kbit/s data phase at a 100 MHz
// core clock.
var DefaultTiming = Timing{
	Nominal:          0x08233FEF,
	Data:             0x0808A387,
	TransceiverDelay: 0x01000000,
}

// EnableOptions selects test modes applied before the enable bit is set.
type EnableOptions struct {
	Loopback bool // SETTINGS.ILBP: internal loopback
	SelfAck  bool // MODE.STM: acknowledge own frames
}

// Poll bounds AwaitInitialized.
type Poll struct {
	Attempts int
	Interval time.Duration
}

// DefaultPoll waits up to one second.
var DefaultPoll = Poll{Attempts: 10000, Interval: 100 * time.Microsecond}

// Config is the full bring-up sequence run by Bringup.
type Config struct {
	Interrupts []IntBit
	Timing     Timing
	Enable     EnableOptions
	Poll       Poll
}

// DefaultConfig enables RX, TX and fault-state interrupts with
// DefaultTiming and no test modes.
func DefaultConfig() Config {
	return Config{
		Interrupts: append([]IntBit(nil), DefaultInterrupts...),
		Timing:     DefaultTiming,
		Poll:       DefaultPoll,
	}
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	metrics.SetControllerState(int(s))
	if prev != s {
		c.logger.Info("controller_state", "state", s.String(), "prev", prev.String())
	}
}

// Disable clears SETTINGS.ENA and verifies it reads back clear.
func (c *Controller) Disable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setBit(ctx, RegSettings, SettingsENABit, 0); err != nil {
		return err
	}
	ena, err := c.getBit(ctx, RegSettings, SettingsENABit)
	if err != nil {
		return err
	}
	if ena != 0 {
		return fmt.Errorf("%w: enable bit still set after disable", ErrStateMismatch)
	}
	c.setState(Disabled)
	return nil
}

// ConfigureInterrupts masks all interrupt sources, then enables and
// unmasks the requested ones (DefaultInterrupts when none are given).
// It fails with ErrUnexpectedInterrupt if any status bit is already
// asserted afterwards; the hardware should then be reset.
func (c *Controller) ConfigureInterrupts(ctx context.Context, bits ...IntBit) error {
	if len(bits) == 0 {
		bits = DefaultInterrupts
	}
	want, err := bitsMask(bits)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(Configuring)

	mask, err := c.read16(ctx, RegIntMaskSet)
	if err != nil {
		return err
	}
	if err := c.write16(ctx, RegIntMaskSet, mask|intBitsMask); err != nil {
		return err
	}
	for _, b := range bits {
		if err := c.setBit(ctx, RegIntEnaSet, uint(b), 1); err != nil {
			return err
		}
	}
	for _, b := range bits {
		if err := c.setBit(ctx, RegIntMaskClr, uint(b), 1); err != nil {
			return err
		}
	}
	c.irqMask.Store(want)

	stat, err := c.read16(ctx, RegIntStat)
	if err != nil {
		return err
	}
	if pending := stat & intBitsMask; pending != 0 {
		return fmt.Errorf("%w: %v", ErrUnexpectedInterrupt, IntBits(pending))
	}
	c.logger.Debug("irq_configured", "bits", IntBits(uint16(want)).String())
	return nil
}

// ConfigureTiming writes BTR, BTR_FD and TRV_DELAY. The values are not
// read back.
func (c *Controller) ConfigureTiming(ctx context.Context, t Timing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write32(ctx, RegBTR, t.Nominal); err != nil {
		return err
	}
	if err := c.write32(ctx, RegBTRFD, t.Data); err != nil {
		return err
	}
	return c.write32(ctx, RegTRVDelay, t.TransceiverDelay)
}

// Enable applies the requested test modes, sets SETTINGS.ENA and verifies
// it reads back set.
func (c *Controller) Enable(ctx context.Context, opts EnableOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.Loopback {
		if err := c.setBit(ctx, RegSettings, SettingsILBPBit, 1); err != nil {
			return err
		}
	}
	if opts.SelfAck {
		if err := c.setBit(ctx, RegMode, ModeSTMBit, 1); err != nil {
			return err
		}
	}
	if err := c.setBit(ctx, RegSettings, SettingsENABit, 1); err != nil {
		return err
	}
	ena, err := c.getBit(ctx, RegSettings, SettingsENABit)
	if err != nil {
		return err
	}
	if ena != 1 {
		return fmt.Errorf("%w: enable bit clear after enable", ErrStateMismatch)
	}
	c.setState(Enabled)
	return nil
}

// AwaitInitialized polls FAULT_STATE.ERA until it reads 1, at most
// p.Attempts times with p.Interval between reads.
func (c *Controller) AwaitInitialized(ctx context.Context, p Poll) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()
	for i := 0; i < p.Attempts; i++ {
		if i > 0 && p.Interval > 0 {
			if t == nil {
				t = time.NewTimer(p.Interval)
			} else {
				t.Reset(p.Interval)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
		era, err := c.GetBit(ctx, RegFaultState, FaultERABit)
		if err != nil {
			return err
		}
		if era == 1 {
			c.fault.Store(int32(ErrorActive))
			metrics.SetFaultState(int(ErrorActive))
			c.setState(Initialized)
			return nil
		}
	}
	return fmt.Errorf("%w: error-active not reached after %d polls", ErrInitializationTimeout, p.Attempts)
}

// Reset sets MODE.RST, a soft reset of the core. Register contents return
// to their reset values, so the controller is back in Disabled.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setBit(ctx, RegMode, ModeRSTBit, 1); err != nil {
		return err
	}
	c.irqMask.Store(0)
	c.fault.Store(int32(FaultUnknown))
	c.setState(Disabled)
	return nil
}

// DeviceID reads DEVICE_ID.
func (c *Controller) DeviceID(ctx context.Context) (uint16, error) { return c.Read16(ctx, RegDeviceID) }

// Version reads VERSION (major in the high byte, minor in the low byte).
func (c *Controller) Version(ctx context.Context) (uint16, error) { return c.Read16(ctx, RegVersion) }

// Yolo reads the fixed test register; a healthy bus returns YoloValue.
func (c *Controller) Yolo(ctx context.Context) (uint32, error) { return c.Read32(ctx, RegYolo) }

// Probe checks that a CTU CAN FD core answers at the bus.
func (c *Controller) Probe(ctx context.Context) (uint16, error) {
	id, err := c.DeviceID(ctx)
	if err != nil {
		return 0, err
	}
	if id != DeviceID {
		return id, fmt.Errorf("%w: 0x%04x", ErrUnknownDevice, id)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info("ctucan_probe", "device_id", fmt.Sprintf("0x%04x", id), "version", fmt.Sprintf("%d.%d", ver>>8, ver&0xFF))
	return ver, nil
}

// Bringup runs the full sequence: disable, configure interrupts, timing,
// test modes and enable, then waits for error-active.
func (c *Controller) Bringup(ctx context.Context, cfg Config) error {
	if err := c.Disable(ctx); err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	if err := c.ConfigureInterrupts(ctx, cfg.Interrupts...); err != nil {
		return fmt.Errorf("configure interrupts: %w", err)
	}
	if err := c.ConfigureTiming(ctx, cfg.Timing); err != nil {
		return fmt.Errorf("configure timing: %w", err)
	}
	if err := c.Enable(ctx, cfg.Enable); err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	if err := c.AwaitInitialized(ctx, cfg.Poll); err != nil {
		return fmt.Errorf("await initialized: %w", err)
	}
	return nil
}
