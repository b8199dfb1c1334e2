//go:build mh1903

// Command mh1903 is the bridge agent firmware: it exposes the SDIO
// controller and its DMA channel to sdhost over the UART.
package main

import (
	"context"
	"machine"
	"time"

	"github.com/go-logr/logr"

	"sdio/core"
	"sdio/host/bridge"
)

// sdioDMAChannel is the DMAC channel whose handshake interface the SDIO
// request line is routed to
const sdioDMAChannel = 0

func main() {
	err := machine.DefaultUART.Configure(machine.UARTConfig{BaudRate: 921600})
	if err != nil {
		return
	}

	core.SetSDIODriver(newMMIOBus(sdioBase), newDMAC(dmacBase, sdioDMAChannel, sdioBase))
	bus, dma := core.MustSDIO()

	srv, err := bridge.NewServer(bus, dma, "mh1903", logr.Discard())
	if err != nil {
		return
	}
	link := uartLink{uart: machine.DefaultUART}
	for {
		// Serve only returns when the link reports an error; start over
		_ = srv.Serve(context.Background(), link)
		time.Sleep(10 * time.Millisecond)
	}
}
