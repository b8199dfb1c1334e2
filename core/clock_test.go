package core

import (
	"context"
	"testing"
)

func TestComputeClock(t *testing.T) {
	testCases := []struct {
		source   uint32
		target   uint32
		prescale uint32
		div      uint32
		actual   uint32
	}{
		{96000000, 400, 8, 15, 400000},
		{96000000, 25000, 4, 0, 24000000},
		{96000000, 10000, 4, 2, 6000000},
		{96000000, 12000, 4, 1, 12000000},
		{96000000, 100, 8, 60, 100000},
		{48000000, 401, 4, 15, 400000},
	}

	for _, tc := range testCases {
		s, err := ComputeClock(tc.source, tc.target)
		if err != nil {
			t.Errorf("ComputeClock(%d, %d): unexpected error %v", tc.source, tc.target, err)
			continue
		}
		if s.Prescale != tc.prescale || s.Divider != tc.div || s.ActualHz != tc.actual {
			t.Errorf("ComputeClock(%d, %d): expected /%d div %d %d Hz, got /%d div %d %d Hz",
				tc.source, tc.target, tc.prescale, tc.div, tc.actual, s.Prescale, s.Divider, s.ActualHz)
		}
	}
}

func TestComputeClockNeverExceedsTarget(t *testing.T) {
	for target := uint32(100); target <= 50000; target += 37 {
		s, err := ComputeClock(96000000, target)
		if err != nil {
			t.Fatalf("target %d: unexpected error %v", target, err)
		}
		if s.ActualHz > target*1000 {
			t.Fatalf("target %d kHz: actual %d Hz exceeds target", target, s.ActualHz)
		}
	}
}

func TestComputeClockRejects(t *testing.T) {
	if _, err := ComputeClock(96000000, 0); Code(err) != InvalidParameter {
		t.Errorf("Expected InvalidParameter for zero target, got %v", err)
	}
	if _, err := ComputeClock(96000000, 1); Code(err) != InvalidParameter {
		t.Errorf("Expected InvalidParameter for unreachable target, got %v", err)
	}
}

func TestConfigureClockSequence(t *testing.T) {
	h, bus, _ := newTestHost()

	if err := h.ConfigureClock(context.Background(), 400, false); err != nil {
		t.Fatalf("ConfigureClock failed: %v", err)
	}

	cmds := bus.writes(RegCMD)
	if len(cmds) != 2 {
		t.Fatalf("Expected 2 update clock commands, got %d", len(cmds))
	}
	for _, c := range cmds {
		if c&CmdUpdateClock == 0 || c&CmdStart == 0 {
			t.Errorf("Expected update clock pseudo-command, got 0x%08x", c)
		}
	}

	// Divider and bus width must be programmed before the final update
	lastCmd := -1
	for i, a := range bus.trace {
		if a.op == "w" && a.off == RegCMD {
			lastCmd = i
		}
	}
	div := bus.index("w", RegCLKDIV)
	ctype := bus.index("w", RegCTYPE)
	if div < 0 || ctype < 0 || div > lastCmd || ctype > lastCmd {
		t.Errorf("Expected CLKDIV (%d) and CTYPE (%d) before the last update (%d)", div, ctype, lastCmd)
	}
	if bus.regs[RegCLKDIV] != 15 {
		t.Errorf("Expected divider 15, got %d", bus.regs[RegCLKDIV])
	}
	if bus.regs[RegCTYPE] != BusWidth1 {
		t.Errorf("Expected 1-bit bus, got %#x", bus.regs[RegCTYPE])
	}
	if bus.regs[RegCLKENA] != ClkEnable {
		t.Errorf("Expected clock enabled, got %#x", bus.regs[RegCLKENA])
	}

	if err := h.ConfigureClock(context.Background(), 25000, true); err != nil {
		t.Fatalf("ConfigureClock failed: %v", err)
	}
	if bus.regs[RegCTYPE] != BusWidth4 || !h.Wide() {
		t.Errorf("Expected 4-bit bus")
	}
	if h.Clock().Prescale != PrescaleHighSpeed {
		t.Errorf("Expected high speed prescaler, got %d", h.Clock().Prescale)
	}
}

func TestConfigureClockTimesOut(t *testing.T) {
	h, bus, _ := newTestHost()
	bus.holdStart = true

	err := h.ConfigureClock(context.Background(), 400, false)
	if Code(err) != Timeout {
		t.Errorf("Expected Timeout when start bit never clears, got %v", err)
	}
}

func TestResetProgramsFIFOThreshold(t *testing.T) {
	bus := newFakeBus()
	h := NewHost(bus, &fakeDMA{bus: bus})

	if err := h.Reset(context.Background()); err != nil {
		t.Fatalf("Reset with default watermarks failed: %v", err)
	}
	expected := uint32(DMABurst8)<<28 | 7<<16 | 8
	if got := bus.regs[RegFIFOTH]; got != expected {
		t.Errorf("Expected FIFOTH 0x%08x, got 0x%08x", expected, got)
	}
}
