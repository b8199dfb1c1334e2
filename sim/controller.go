// Package sim models the MH1903 SD host controller, its DMA channel and an
// attached SD card well enough to run the core driver without hardware.
package sim

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"sdio/core"
)

// Controller is a register-level model of the host controller. It
// implements core.RegisterBus and core.ClockPrescaler; its DMA channel is
// returned by DMA. Commands complete synchronously on the CMD write.
type Controller struct {
	mu  sync.Mutex
	log logr.Logger

	regs     map[uint32]uint32
	card     *Card
	dma      *DMA
	faults   []Fault
	prescale uint32
	history  []uint8
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger for command tracing (V(2))
func WithLogger(log logr.Logger) Option {
	return func(s *Controller) {
		s.log = log
	}
}

// NewController builds an empty controller; Insert attaches a card
func NewController(opts ...Option) *Controller {
	s := &Controller{log: logr.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithName("sim")
	s.dma = &DMA{s: s}
	s.regs = map[uint32]uint32{
		core.RegFIFOTH: (core.FIFODepth - 1) << 16,
		core.RegTMOUT:  0xFFFFFF40,
		core.RegDEBNCE: 0xFFFFFF,
	}
	return s
}

// DMA returns the channel serving the controller FIFO
func (s *Controller) DMA() *DMA {
	return s.dma
}

// Insert attaches a card, raising the card detect interrupt
func (s *Controller) Insert(card *Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.card = card
	s.regs[core.RegRINTSTS] |= core.IntCardDetect
}

// Remove detaches the card
func (s *Controller) Remove() *Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	card := s.card
	s.card = nil
	s.regs[core.RegRINTSTS] |= core.IntCardDetect
	return card
}

// Card returns the attached card, nil when empty
func (s *Controller) Card() *Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.card
}

// Commands returns the indices of all commands issued so far, including
// controller-generated stop commands
func (s *Controller) Commands() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint8(nil), s.history...)
}

// Prescale returns the last SDIO base clock prescaler setting
func (s *Controller) Prescale() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prescale
}

// SetSDIOPrescale implements core.ClockPrescaler
func (s *Controller) SetSDIOPrescale(div uint32) error {
	if div == 0 || div > 16 {
		return fmt.Errorf("prescaler %d out of range", div)
	}
	s.mu.Lock()
	s.prescale = div
	s.mu.Unlock()
	return nil
}

// Read32 implements core.RegisterBus
func (s *Controller) Read32(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case core.RegCDETECT:
		if s.card == nil {
			return core.CardDetectN
		}
		return 0
	case core.RegWRTPRT:
		if s.card != nil && s.card.writeProtected() {
			return core.WriteProtect
		}
		return 0
	case core.RegSTATUS:
		v := s.regs[off]
		if s.card != nil && s.card.tickBusy() {
			v |= core.StatusDataBusy
		}
		return v
	case core.RegMINTSTS:
		return s.regs[core.RegRINTSTS] & s.regs[core.RegINTMASK]
	}
	return s.regs[off]
}

// Write32 implements core.RegisterBus
func (s *Controller) Write32(off, val uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case core.RegRINTSTS:
		s.regs[off] &^= val
	case core.RegCTRL:
		if val&core.CtrlControllerReset != 0 {
			s.regs[core.RegRINTSTS] = 0
			s.regs[core.RegCMD] = 0
		}
		s.regs[off] = val &^ core.CtrlResetAll
	case core.RegPWREN:
		s.regs[off] = val
		if val&1 == 0 && s.card != nil {
			s.card.mu.Lock()
			s.card.powerCycle()
			s.card.mu.Unlock()
		}
	case core.RegCMD:
		s.regs[off] = val
		if val&core.CmdStart != 0 {
			s.command(val)
		}
	default:
		s.regs[off] = val
	}
}

// command executes a CMD register write; s.mu is held
func (s *Controller) command(word uint32) {
	cw, err := core.DecodeCommandWord(word)
	if err != nil {
		s.regs[core.RegRINTSTS] |= core.IntHWLocked
		s.regs[core.RegCMD] &^= core.CmdStart
		return
	}
	if cw.UpdateClock != 0 {
		s.regs[core.RegCMD] &^= core.CmdStart
		return
	}

	index := uint8(cw.Index)
	arg := s.regs[core.RegCMDARG]
	s.history = append(s.history, index)

	if s.takeFault(index, FaultCommandHang) != FaultNone {
		s.log.V(2).Info("command hangs", "cmd", index)
		return
	}
	s.regs[core.RegCMD] &^= core.CmdStart

	expectResp := cw.Response&1 != 0
	long := cw.Response&2 != 0
	status := uint32(core.IntCmdDone)

	if s.takeFault(index, FaultResponseTimeout) != FaultNone || !s.clocked() {
		if expectResp {
			status |= core.IntRespTimeout
		}
		s.regs[core.RegRINTSTS] |= status
		return
	}

	r := s.card.command(index, arg)
	s.log.V(2).Info("command", "cmd", index, "arg", arg, "silent", r.silent, "data", r.data)

	if r.silent {
		if expectResp {
			status |= core.IntRespTimeout
		}
		if r.data {
			s.card.abortData()
		}
		s.regs[core.RegRINTSTS] |= status
		return
	}

	if expectResp {
		if long {
			s.regs[core.RegRESP0] = r.resp[0]
			s.regs[core.RegRESP1] = r.resp[1]
			s.regs[core.RegRESP2] = r.resp[2]
			s.regs[core.RegRESP3] = r.resp[3]
		} else {
			s.regs[core.RegRESP0] = r.resp[0]
		}
	}

	if s.takeFault(index, FaultResponseCRC) != FaultNone {
		status |= core.IntRespCRC
		if r.data {
			s.card.abortData()
		}
		s.regs[core.RegRINTSTS] |= status
		return
	}

	if r.data && cw.DataExpected != 0 {
		status |= s.dataPhase(index, cw)
	} else if r.data {
		s.card.abortData()
	}
	s.regs[core.RegRINTSTS] |= status
}

// clocked reports whether a card is powered and clocked
func (s *Controller) clocked() bool {
	return s.card != nil && s.regs[core.RegPWREN]&1 != 0 && s.regs[core.RegCLKENA]&core.ClkEnable != 0
}

// dataPhase moves the data of an accepted data command through the DMA
// channel and returns the raised interrupt bits; s.mu is held
func (s *Controller) dataPhase(index uint8, cw core.CommandWord) uint32 {
	write := cw.Write != 0
	n := int(s.regs[core.RegBYTCNT])

	// Without an armed channel the first burst is lost
	if !s.dma.armed || s.regs[core.RegCTRL]&core.CtrlDMAEnable == 0 {
		s.log.V(2).Info("data without DMA", "cmd", index)
		s.card.failData()
		return core.IntFIFORun
	}
	if n <= 0 || n > len(s.dma.buf) || n != s.dma.cfg.LengthBytes {
		s.card.failData()
		return core.IntFIFORun
	}
	wantDir := core.DMAPeriphToMem
	if write {
		wantDir = core.DMAMemToPeriph
	}
	if s.dma.cfg.Direction != wantDir {
		s.card.failData()
		return core.IntFIFORun
	}

	switch s.takeFault(index, FaultDataTimeout, FaultDataCRC) {
	case FaultDataTimeout:
		s.card.failData()
		return core.IntDataTimeout
	case FaultDataCRC:
		s.card.failData()
		return core.IntDataCRC | core.IntDataOver
	}

	wide := s.regs[core.RegCTYPE] == core.BusWidth4
	if wide != s.card.Wide() {
		s.card.failData()
		return core.IntDataCRC | core.IntDataOver
	}

	if err := s.card.transfer(s.dma.buf[:n]); err != nil {
		s.log.V(2).Info("data phase failed", "cmd", index, "err", err.Error())
		s.card.failData()
		if write {
			return core.IntEndBit | core.IntDataOver
		}
		return core.IntDataCRC | core.IntDataOver
	}
	s.dma.moved = n
	s.regs[core.RegTCBCNT] = uint32(n)
	s.regs[core.RegTBBCNT] = uint32(n)

	status := uint32(core.IntDataOver)
	if cw.AutoStop != 0 {
		s.history = append(s.history, core.CmdStopTransmission)
		s.regs[core.RegRESP1] = s.card.autoStop()
		status |= core.IntAutoCmdDone
	}
	return status
}

// DMA is the model of the channel serving the controller FIFO. Data moves
// when the controller runs the data phase, so a read buffer is complete as
// soon as data transfer over is raised.
type DMA struct {
	s *Controller

	cfg        core.DMAConfig
	configured bool
	armed      bool
	buf        []byte
	moved      int
	starts     int
	stops      int
}

// Configure implements core.DMAChannel
func (d *DMA) Configure(cfg core.DMAConfig) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	switch {
	case d.armed:
		return fmt.Errorf("channel busy")
	case cfg.Direction != core.DMAMemToPeriph && cfg.Direction != core.DMAPeriphToMem:
		return fmt.Errorf("direction %d", cfg.Direction)
	case cfg.PeriphAddr != core.RegFIFO || cfg.PeriphMode != core.DMANoChange:
		return fmt.Errorf("peripheral side must be the fixed FIFO address")
	case cfg.Width != core.DMAWidthWord:
		return fmt.Errorf("width %d, FIFO is word wide", cfg.Width)
	case cfg.Burst.Words() == 0:
		return fmt.Errorf("burst encoding %d", cfg.Burst)
	case cfg.LengthBytes <= 0 || cfg.LengthBytes%4 != 0:
		return fmt.Errorf("length %d", cfg.LengthBytes)
	}
	d.cfg = cfg
	d.configured = true
	return nil
}

// Start implements core.DMAChannel
func (d *DMA) Start(buf []byte) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	if !d.configured {
		return fmt.Errorf("channel not configured")
	}
	if len(buf) < d.cfg.LengthBytes {
		return fmt.Errorf("buffer %d bytes, transfer %d", len(buf), d.cfg.LengthBytes)
	}
	d.buf = buf
	d.armed = true
	d.moved = 0
	d.starts++
	return nil
}

// Finish implements core.DMAChannel
func (d *DMA) Finish() error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	if !d.armed {
		return fmt.Errorf("channel not started")
	}
	moved := d.moved
	d.release()
	if moved != d.cfg.LengthBytes {
		return fmt.Errorf("moved %d of %d bytes", moved, d.cfg.LengthBytes)
	}
	return nil
}

// Stop implements core.DMAChannel
func (d *DMA) Stop() {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.stops++
	d.release()
}

func (d *DMA) release() {
	d.armed = false
	d.configured = false
	d.buf = nil
}

// Stats returns how often the channel was started and stopped
func (d *DMA) Stats() (starts, stops int) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.starts, d.stops
}

var (
	_ core.RegisterBus    = (*Controller)(nil)
	_ core.ClockPrescaler = (*Controller)(nil)
	_ core.DMAChannel     = (*DMA)(nil)
)
