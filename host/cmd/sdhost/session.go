package main

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"sdio/core"
	"sdio/host/bridge"
	"sdio/host/config"
	"sdio/host/serial"
	"sdio/sim"
)

// session is an open controller with the card driver on top
type session struct {
	card    *core.Card
	dev     *core.BlockDevice
	ctrl    *sim.Controller // nil over a bridge
	closers []func() error
}

func openSession(ctx context.Context, cfg *config.Config, log logr.Logger, obs core.Observer) (*session, error) {
	s := &session{}
	var (
		bus core.RegisterBus
		dma core.DMAChannel
	)

	if cfg.Sim.Enabled() {
		card, f, err := sim.OpenImage(cfg.Sim.Image, cfg.Sim.SizeMB<<20, sim.CardConfig{})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, f.Close)
		s.ctrl = sim.NewController(sim.WithLogger(log.WithName("sim")))
		s.ctrl.Insert(card)
		bus, dma = s.ctrl, s.ctrl.DMA()
		log.V(1).Info("simulated card", "image", cfg.Sim.Image, "size", card.Size())
	} else {
		port, err := serial.Open(&cfg.Link)
		if err != nil {
			return nil, err
		}
		client := bridge.NewClient(port,
			bridge.WithClientLogger(log.WithName("bridge")),
			bridge.WithCallTimeout(cfg.Driver.CallTimeout))
		s.closers = append(s.closers, client.Close)
		dict, err := client.Connect(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("bridge %s: %w", cfg.Link.Device, err)
		}
		log.Info("bridge connected", "device", cfg.Link.Device, "version", dict.Version, "controller", dict.Config["CONTROLLER"])
		bus, dma = client, client
	}

	opts := []core.Option{
		core.WithConfig(cfg.CoreConfig()),
		core.WithLogger(log),
	}
	if obs != nil {
		opts = append(opts, core.WithObserver(obs))
	}
	s.card = core.NewCard(bus, dma, opts...)
	s.dev = core.NewBlockDevice(s.card)
	return s, nil
}

// Close releases the link or image, newest first
func (s *session) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
