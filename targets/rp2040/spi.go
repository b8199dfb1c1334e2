//go:build rp2040

package main

import (
	"fmt"
	"machine"

	"tinygo.org/x/drivers/sdcard"
)

// spiBusConfig is one pin assignment of an RP2040 SPI controller
type spiBusConfig struct {
	spi  *machine.SPI
	sck  machine.Pin
	mosi machine.Pin
	miso machine.Pin
	cs   machine.Pin
	name string
}

var spiBuses = []spiBusConfig{
	{spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO4, cs: machine.GPIO5, name: "spi0e"},
	{spi: machine.SPI0, sck: machine.GPIO18, mosi: machine.GPIO19, miso: machine.GPIO16, cs: machine.GPIO17, name: "spi0c"},
	{spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO12, cs: machine.GPIO13, name: "spi1d"},
}

// openSPICard runs the SPI-mode identification on the selected bus. The
// driver retunes the bus frequency itself once the card is selected.
func openSPICard(bus spiBusConfig) (*sdcard.Device, error) {
	err := bus.spi.Configure(machine.SPIConfig{
		SCK:  bus.sck,
		SDO:  bus.mosi,
		SDI:  bus.miso,
		Mode: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", bus.name, err)
	}

	dev := sdcard.New(bus.spi, bus.sck, bus.mosi, bus.miso, bus.cs)
	if err := dev.Configure(); err != nil {
		return nil, fmt.Errorf("%s: %w", bus.name, err)
	}
	return &dev, nil
}
