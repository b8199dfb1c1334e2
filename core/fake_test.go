package core

import (
	"fmt"
	"time"
)

// access is one recorded register or DMA operation
type access struct {
	op  string // "r", "w" or a DMA step
	off uint32
	val uint32
}

func (a access) String() string {
	return fmt.Sprintf("%s %#x=%#x", a.op, a.off, a.val)
}

// fakeBus is a scripted controller: registers are plain storage, RINTSTS is
// write-1-to-clear, self-clearing bits clear on write, and a command write
// raises the status chosen by the test.
type fakeBus struct {
	regs  map[uint32]uint32
	trace []access

	// cmdStatus returns the RINTSTS bits raised by a command write
	cmdStatus func(word uint32) uint32
	// resp is loaded into RESP0..3 on every command
	resp [4]uint32
	// busyReads keeps STATUS busy for this many reads
	busyReads int
	// holdStart leaves CMD start set, modelling a stuck controller
	holdStart bool
	// dataStatus is raised with the command when a data phase is expected
	dataStatus uint32
}

func newFakeBus() *fakeBus {
	b := &fakeBus{regs: make(map[uint32]uint32)}
	b.cmdStatus = func(uint32) uint32 { return IntCmdDone }
	b.dataStatus = IntDataOver
	return b
}

func (b *fakeBus) Read32(off uint32) uint32 {
	v := b.regs[off]
	if off == RegSTATUS && b.busyReads > 0 {
		b.busyReads--
		v |= StatusDataBusy
	}
	b.trace = append(b.trace, access{"r", off, v})
	return v
}

func (b *fakeBus) Write32(off, val uint32) {
	b.trace = append(b.trace, access{"w", off, val})
	switch off {
	case RegRINTSTS:
		b.regs[off] &^= val
	case RegCTRL:
		b.regs[off] = val &^ CtrlResetAll
	case RegCMD:
		if b.holdStart {
			b.regs[off] = val
			return
		}
		b.regs[off] = val &^ CmdStart
		if val&CmdUpdateClock != 0 {
			return
		}
		st := b.cmdStatus(val)
		if st&IntCmdDone != 0 || st&IntRespTimeout != 0 {
			b.regs[RegRESP0] = b.resp[0]
			b.regs[RegRESP1] = b.resp[1]
			b.regs[RegRESP2] = b.resp[2]
			b.regs[RegRESP3] = b.resp[3]
		}
		if val&CmdDataExpected != 0 && st&IntCmdErrors == 0 {
			st |= b.dataStatus
			if val&CmdAutoStop != 0 {
				st |= IntAutoCmdDone
			}
		}
		b.regs[RegRINTSTS] |= st
	default:
		b.regs[off] = val
	}
}

// writes returns the recorded writes to off
func (b *fakeBus) writes(off uint32) []uint32 {
	var out []uint32
	for _, a := range b.trace {
		if a.op == "w" && a.off == off {
			out = append(out, a.val)
		}
	}
	return out
}

// index returns the position of the first trace entry matching op/off, or -1
func (b *fakeBus) index(op string, off uint32) int {
	for i, a := range b.trace {
		if a.op == op && a.off == off {
			return i
		}
	}
	return -1
}

// fakeDMA records its calls into the bus trace so ordering can be checked
type fakeDMA struct {
	bus      *fakeBus
	cfg      DMAConfig
	buf      []byte
	fill     byte
	finished int
	stopped  int
}

func (d *fakeDMA) Configure(cfg DMAConfig) error {
	d.cfg = cfg
	d.bus.trace = append(d.bus.trace, access{op: "dma-config"})
	return nil
}

func (d *fakeDMA) Start(buf []byte) error {
	d.buf = buf
	d.bus.trace = append(d.bus.trace, access{op: "dma-start"})
	return nil
}

func (d *fakeDMA) Finish() error {
	d.finished++
	if d.cfg.Direction == DMAPeriphToMem {
		for i := range d.buf {
			d.buf[i] = d.fill
		}
	}
	return nil
}

func (d *fakeDMA) Stop() {
	d.stopped++
}

func testConfig() Config {
	cfg := DefaultConfig()
	budget := PollBudget{MaxIterations: 50, Timeout: time.Second}
	cfg.CommandPoll = budget
	cfg.DataPoll = budget
	cfg.BusyPoll = budget
	cfg.ClockPoll = budget
	cfg.ErasePoll = budget
	return cfg
}

func newTestHost() (*Host, *fakeBus, *fakeDMA) {
	bus := newFakeBus()
	dma := &fakeDMA{bus: bus}
	return NewHost(bus, dma, WithConfig(testConfig())), bus, dma
}
