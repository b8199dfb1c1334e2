package core

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
)

// Host drives one SDIO host controller and its DMA channel.
// It is not reentrant: callers serialize access (Card does so).
type Host struct {
	bus RegisterBus
	dma DMAChannel
	cfg Config
	log logr.Logger
	obs Observer

	clock ClockSetting
	wide  bool
}

// NewHost binds a controller register window and DMA channel
func NewHost(bus RegisterBus, dma DMAChannel, opts ...Option) *Host {
	o := buildOptions(opts)
	return newHost(bus, dma, o)
}

func newHost(bus RegisterBus, dma DMAChannel, o options) *Host {
	return &Host{
		bus: bus,
		dma: dma,
		cfg: o.cfg,
		log: o.log.WithName("host"),
		obs: o.obs,
	}
}

// Config returns the active configuration
func (h *Host) Config() Config {
	return h.cfg
}

// Reset resets the controller, FIFO and DMA interface and masks all interrupts
func (h *Host) Reset(ctx context.Context) error {
	h.bus.Write32(RegCTRL, CtrlResetAll)
	err := poll(ctx, h.cfg.ClockPoll, func() bool {
		return h.bus.Read32(RegCTRL)&CtrlResetAll == 0
	})
	if err != nil {
		return fmt.Errorf("controller reset: %w", err)
	}

	h.bus.Write32(RegRINTSTS, IntAll)
	h.bus.Write32(RegINTMASK, 0)
	h.bus.Write32(RegCTRL, CtrlIntEnable)
	h.bus.Write32(RegTMOUT, h.cfg.DataTimeoutCycles<<TimeoutDataPos|h.cfg.ResponseTimeoutCycles&TimeoutRespMax)

	fifoth, err := FIFOThreshold{
		TxWatermark: h.cfg.TxWatermark,
		RxWatermark: h.cfg.RxWatermark,
		Burst:       uint32(h.cfg.DMABurst),
	}.Word()
	if err != nil {
		return err
	}
	h.bus.Write32(RegFIFOTH, fifoth)
	return h.busFault()
}

// PowerOn enables card power
func (h *Host) PowerOn() {
	h.bus.Write32(RegPWREN, 1)
}

// PowerOff stops the card clock and removes power
func (h *Host) PowerOff(ctx context.Context) error {
	h.bus.Write32(RegCLKENA, 0)
	err := h.updateClock(ctx)
	h.bus.Write32(RegPWREN, 0)
	h.clock = ClockSetting{}
	return err
}

// CardPresent reports the card-detect line (active low)
func (h *Host) CardPresent() bool {
	return h.bus.Read32(RegCDETECT)&CardDetectN == 0
}

// WriteProtected reports the write-protect switch
func (h *Host) WriteProtected() bool {
	return h.bus.Read32(RegWRTPRT)&WriteProtect != 0
}

// Wide reports whether the 4-bit bus is active
func (h *Host) Wide() bool {
	return h.wide
}

// clearInterrupts acknowledges the given raw interrupt bits
func (h *Host) clearInterrupts(mask uint32) {
	h.bus.Write32(RegRINTSTS, mask)
}

func (h *Host) setCtrl(set, clear uint32) {
	v := h.bus.Read32(RegCTRL)
	h.bus.Write32(RegCTRL, v&^clear|set)
}

// busFault reports an out-of-band failure of the register bus, if any
func (h *Host) busFault() error {
	if f, ok := h.bus.(BusFaulter); ok {
		if err := f.Err(); err != nil {
			return fmt.Errorf("register bus: %v: %w", err, InternalError)
		}
	}
	return nil
}
