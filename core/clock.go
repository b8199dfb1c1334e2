package core

import (
	"context"
	"fmt"
)

// Base clock prescalers ahead of CLKDIV
const (
	LowSpeedThresholdKHz = 400
	PrescaleLowSpeed     = 8
	PrescaleHighSpeed    = 4
	MaxClockDivider      = 0xFF
)

// ClockSetting is a computed card clock configuration
type ClockSetting struct {
	Prescale uint32 // Base clock = source / Prescale
	Divider  uint32 // CLKDIV value; card clock = base / (2*Divider), 0 bypasses
	ActualHz uint32
}

// ComputeClock picks the divider that yields the fastest card clock at or
// below targetKHz. Targets at or below LowSpeedThresholdKHz use the coarse
// prescaler.
func ComputeClock(sourceHz, targetKHz uint32) (ClockSetting, error) {
	if sourceHz == 0 || targetKHz == 0 {
		return ClockSetting{}, fmt.Errorf("clock source %d Hz target %d kHz: %w", sourceHz, targetKHz, InvalidParameter)
	}

	s := ClockSetting{Prescale: PrescaleHighSpeed}
	if targetKHz <= LowSpeedThresholdKHz {
		s.Prescale = PrescaleLowSpeed
	}
	base := uint64(sourceHz / s.Prescale)
	target := uint64(targetKHz) * 1000

	if base <= target {
		s.ActualHz = uint32(base)
		return s, nil
	}

	div := (base + 2*target - 1) / (2 * target)
	if div > MaxClockDivider {
		return ClockSetting{}, fmt.Errorf("target %d kHz below minimum %d Hz: %w",
			targetKHz, base/(2*MaxClockDivider), InvalidParameter)
	}
	s.Divider = uint32(div)
	s.ActualHz = uint32(base / (2 * div))
	return s, nil
}

// ConfigureClock programs the card clock and bus width.
// CLKDIV and CLKENA only take effect through the update-clock pseudo-command;
// no command may be issued until the controller has accepted it.
func (h *Host) ConfigureClock(ctx context.Context, targetKHz uint32, wide bool) error {
	s, err := ComputeClock(h.cfg.SourceClockHz, targetKHz)
	if err != nil {
		return err
	}

	// Gate the clock while the divider changes
	h.bus.Write32(RegCLKENA, 0)
	if err := h.updateClock(ctx); err != nil {
		return err
	}

	if p, ok := h.bus.(ClockPrescaler); ok {
		if err := p.SetSDIOPrescale(s.Prescale); err != nil {
			return fmt.Errorf("set prescaler: %w", err)
		}
	}
	h.bus.Write32(RegCLKSRC, 0)
	h.bus.Write32(RegCLKDIV, s.Divider)

	ctype := uint32(BusWidth1)
	if wide {
		ctype = BusWidth4
	}
	h.bus.Write32(RegCTYPE, ctype)

	h.bus.Write32(RegCLKENA, ClkEnable)
	if err := h.updateClock(ctx); err != nil {
		return err
	}

	h.clock = s
	h.wide = wide
	h.log.V(1).Info("clock configured", "targetKHz", targetKHz, "actualHz", s.ActualHz,
		"prescale", s.Prescale, "div", s.Divider, "wide", wide)
	return nil
}

// updateClock issues the update-clock pseudo-command and waits for the
// controller to clear the start bit
func (h *Host) updateClock(ctx context.Context) error {
	word, err := clockUpdateWord()
	if err != nil {
		return err
	}
	h.bus.Write32(RegCMDARG, 0)
	h.bus.Write32(RegCMD, word)

	err = poll(ctx, h.cfg.ClockPoll, func() bool {
		return h.bus.Read32(RegCMD)&CmdStart == 0
	})
	if err != nil {
		return fmt.Errorf("clock update: %w", err)
	}

	if h.bus.Read32(RegRINTSTS)&IntHWLocked != 0 {
		h.bus.Write32(RegRINTSTS, IntHWLocked)
		return fmt.Errorf("clock update rejected: %w", InternalError)
	}
	return nil
}

// Clock returns the active clock configuration
func (h *Host) Clock() ClockSetting {
	return h.clock
}
