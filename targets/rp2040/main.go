//go:build rp2040

// Command rp2040 is the SPI-mode fallback for boards without an SD host
// controller: it identifies the card over SPI and reports the volume on the
// USB serial console.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"machine"
	"time"

	"sdio/core"
)

// blockStore is the shape shared by core.BlockDevice and the SPI driver
type blockStore interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

var _ blockStore = (*core.BlockDevice)(nil)

// cardBus selects an entry of spiBuses
const cardBus = 0

func main() {
	err := machine.Serial.Configure(machine.UARTConfig{})
	if err != nil {
		return
	}
	out := machine.Serial

	var present bool
	for {
		dev, err := openSPICard(spiBuses[cardBus])
		switch {
		case err != nil:
			if present {
				fmt.Fprintf(out, "card removed: %v\r\n", err)
			}
			present = false
		case !present:
			present = true
			report(out, dev)
		}
		time.Sleep(time.Second)
	}
}

// report prints capacity and the partition table signature of block 0
func report(w io.Writer, dev blockStore) {
	size := dev.Size()
	fmt.Fprintf(w, "card: %d bytes, %d blocks\r\n", size, size/core.BlockSize)

	block := make([]byte, core.BlockSize)
	if _, err := dev.ReadAt(block, 0); err != nil {
		fmt.Fprintf(w, "read block 0: %v\r\n", err)
		return
	}
	if binary.LittleEndian.Uint16(block[510:]) != 0xAA55 {
		fmt.Fprintf(w, "block 0: no partition table\r\n")
		return
	}
	for i := 0; i < 4; i++ {
		entry := block[446+16*i:]
		if entry[4] == 0 {
			continue
		}
		first := binary.LittleEndian.Uint32(entry[8:])
		count := binary.LittleEndian.Uint32(entry[12:])
		fmt.Fprintf(w, "partition %d: type 0x%02x, blocks %d+%d\r\n", i+1, entry[4], first, count)
	}
}
