//go:build mh1903

package main

import (
	"errors"
	"fmt"
	"runtime/volatile"
	"unsafe"

	"sdio/core"
)

// DesignWare AHB DMA controller layout
const (
	chanStride = 0x58

	chSAR  = 0x00
	chDAR  = 0x08
	chLLP  = 0x10
	chCTLL = 0x18
	chCTLH = 0x1C
	chCFGL = 0x40
	chCFGH = 0x44

	dmaRawTfr      = 0x2C0
	dmaRawErr      = 0x2E0
	dmaClearTfr    = 0x338
	dmaClearBlock  = 0x340
	dmaClearSrcTrn = 0x348
	dmaClearDstTrn = 0x350
	dmaClearErr    = 0x358
	dmaCfgReg      = 0x398
	dmaChEnReg     = 0x3A0
)

// CTL_L fields
const (
	ctlDstWidthPos = 1
	ctlSrcWidthPos = 4
	ctlDincPos     = 7
	ctlSincPos     = 9
	ctlDstMsizePos = 11
	ctlSrcMsizePos = 14
	ctlTTFCPos     = 20

	ttfcMemToPeriph = 1
	ttfcPeriphToMem = 2

	ctlBlockTSMask = 0x0FFF
)

// CFG fields
const (
	cfgHSSelDst  = 1 << 10
	cfgHSSelSrc  = 1 << 11
	cfgSrcPerPos = 7
	cfgDstPerPos = 11
)

// maxBlockBeats bounds a single-block transfer (BLOCK_TS is 12 bits)
const maxBlockBeats = ctlBlockTSMask

var errDMABusy = errors.New("dma channel busy")

// dmac drives one channel of the DW AHB DMAC with hardware handshaking on
// the SDIO FIFO. The SDIO request line must be routed to the channel's
// handshake interface, which carries the channel number.
type dmac struct {
	base    uintptr
	channel uint32
	fifo    uint32 // Bus address of the SDIO FIFO window

	cfg core.DMAConfig
	buf []byte
}

func newDMAC(base uintptr, channel uint32, sdio uintptr) *dmac {
	return &dmac{base: base, channel: channel, fifo: uint32(sdio)}
}

func (d *dmac) reg(offset uint32) *volatile.Register32 {
	return (*volatile.Register32)(unsafe.Pointer(d.base + uintptr(offset)))
}

func (d *dmac) chreg(offset uint32) *volatile.Register32 {
	return d.reg(d.channel*chanStride + offset)
}

func (d *dmac) bit() uint32 {
	return 1 << d.channel
}

func (d *dmac) enabled() bool {
	return d.reg(dmaChEnReg).Get()&d.bit() != 0
}

// Configure clears stale status and latches the channel setup
func (d *dmac) Configure(cfg core.DMAConfig) error {
	if d.enabled() {
		return errDMABusy
	}
	beats := cfg.LengthBytes >> cfg.Width
	if cfg.LengthBytes <= 0 || beats > maxBlockBeats {
		return fmt.Errorf("dma length %d", cfg.LengthBytes)
	}
	if cfg.Direction != core.DMAMemToPeriph && cfg.Direction != core.DMAPeriphToMem {
		return fmt.Errorf("dma direction %d", cfg.Direction)
	}

	bit := d.bit()
	d.reg(dmaClearTfr).Set(bit)
	d.reg(dmaClearBlock).Set(bit)
	d.reg(dmaClearSrcTrn).Set(bit)
	d.reg(dmaClearDstTrn).Set(bit)
	d.reg(dmaClearErr).Set(bit)

	d.cfg = cfg
	d.buf = nil
	return nil
}

// Start programs addresses, control and handshake and enables the channel
func (d *dmac) Start(buf []byte) error {
	cfg := d.cfg
	if len(buf) < cfg.LengthBytes {
		return fmt.Errorf("dma buffer %d bytes, transfer %d", len(buf), cfg.LengthBytes)
	}
	mem := uint32(uintptr(unsafe.Pointer(&buf[0])))
	periph := d.fifo + cfg.PeriphAddr
	msize := uint32(cfg.Burst)

	ctl := uint32(cfg.Width)<<ctlSrcWidthPos | uint32(cfg.Width)<<ctlDstWidthPos |
		msize<<ctlSrcMsizePos | msize<<ctlDstMsizePos
	// Memory side handshakes in software, the FIFO side in hardware
	cfgl := uint32(cfgHSSelSrc | cfgHSSelDst)
	if cfg.Direction == core.DMAMemToPeriph {
		d.chreg(chSAR).Set(mem)
		d.chreg(chDAR).Set(periph)
		ctl |= uint32(cfg.MemMode)<<ctlSincPos | uint32(cfg.PeriphMode)<<ctlDincPos | ttfcMemToPeriph<<ctlTTFCPos
		cfgl &^= cfgHSSelDst
	} else {
		d.chreg(chSAR).Set(periph)
		d.chreg(chDAR).Set(mem)
		ctl |= uint32(cfg.PeriphMode)<<ctlSincPos | uint32(cfg.MemMode)<<ctlDincPos | ttfcPeriphToMem<<ctlTTFCPos
		cfgl &^= cfgHSSelSrc
	}
	d.chreg(chLLP).Set(0)
	d.chreg(chCTLL).Set(ctl)
	d.chreg(chCTLH).Set(uint32(cfg.LengthBytes>>cfg.Width) & ctlBlockTSMask)
	d.chreg(chCFGL).Set(cfgl)
	d.chreg(chCFGH).Set(d.channel<<cfgSrcPerPos | d.channel<<cfgDstPerPos)

	d.reg(dmaCfgReg).Set(1)
	d.buf = buf
	// The upper byte is the write enable for the channel bit
	d.reg(dmaChEnReg).Set(d.bit()<<8 | d.bit())
	return nil
}

// Finish waits for the channel to drain after data transfer over
func (d *dmac) Finish() error {
	bit := d.bit()
	for i := 0; d.reg(dmaRawTfr).Get()&bit == 0; i++ {
		if d.reg(dmaRawErr).Get()&bit != 0 {
			d.Stop()
			return errors.New("dma bus error")
		}
		if i > 1_000_000 {
			d.Stop()
			return errors.New("dma did not complete")
		}
	}
	d.reg(dmaClearTfr).Set(bit)
	d.buf = nil
	return nil
}

// Stop disables the channel
func (d *dmac) Stop() {
	d.reg(dmaChEnReg).Set(d.bit() << 8)
	for d.enabled() {
	}
	d.buf = nil
}

var _ core.DMAChannel = (*dmac)(nil)
