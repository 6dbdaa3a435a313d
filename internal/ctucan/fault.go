package ctucan

import (
	"context"

	"github.com/kstaniek/go-ctucan/internal/metrics"
)

// FaultState is the controller's fault confinement state. It is maintained
// by hardware; software only observes it.
type FaultState int32

const (
	ErrorActive FaultState = iota
	ErrorPassive
	BusOff
	FaultUnknown // no state bit set, e.g. while disabled
)

func (s FaultState) String() string {
	switch s {
	case ErrorActive:
		return "error-active"
	case ErrorPassive:
		return "error-passive"
	case BusOff:
		return "bus-off"
	}
	return "unknown"
}

// DecodeFaultState classifies a raw FAULT_STATE value. Bus-off takes
// precedence over error-passive, which takes precedence over error-active.
func DecodeFaultState(raw uint16) FaultState {
	switch {
	case raw&(1<<FaultBOFBit) != 0:
		return BusOff
	case raw&(1<<FaultERPBit) != 0:
		return ErrorPassive
	case raw&(1<<FaultERABit) != 0:
		return ErrorActive
	}
	return FaultUnknown
}

// ReadFaultState reads and decodes FAULT_STATE.
func (c *Controller) ReadFaultState(ctx context.Context) (FaultState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readFaultState(ctx)
}

func (c *Controller) readFaultState(ctx context.Context) (FaultState, error) {
	raw, err := c.read16(ctx, RegFaultState)
	if err != nil {
		return FaultUnknown, err
	}
	s := DecodeFaultState(raw)
	if prev := FaultState(c.fault.Swap(int32(s))); prev != s {
		c.logger.Info("can_fault_state", "state", s.String(), "prev", prev.String(), "raw", raw)
	}
	metrics.SetFaultState(int(s))
	return s, nil
}
