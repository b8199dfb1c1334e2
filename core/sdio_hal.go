package core

// RegisterBus is the abstract register window of the SDIO host controller.
// Offsets are relative to the controller base (see sdio_regs.go).
// Platform-specific implementations handle the actual access: MMIO on
// hardware, a serial bridge on the host, or a model in tests.
type RegisterBus interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// BusFaulter is implemented by register buses that can fail out of band
// (for example a bridge whose link went down). Err reports the first fault.
type BusFaulter interface {
	Err() error
}

// DMADirection selects the transfer direction of a DMA channel
type DMADirection uint8

const (
	DMAMemToPeriph DMADirection = 1 // Write to card
	DMAPeriphToMem DMADirection = 2 // Read from card
)

// DMAAddrMode is the address update policy of one side of a DMA transfer
type DMAAddrMode uint8

const (
	DMAIncrement DMAAddrMode = 0
	DMADecrement DMAAddrMode = 1
	DMANoChange  DMAAddrMode = 2
)

// DMAWidth is the transfer width per beat
type DMAWidth uint8

const (
	DMAWidthByte     DMAWidth = 0
	DMAWidthHalfWord DMAWidth = 1
	DMAWidthWord     DMAWidth = 2
)

// DMABurst is the number of words moved per handshake
type DMABurst uint8

const (
	DMABurst1 DMABurst = 0
	DMABurst4 DMABurst = 1
	DMABurst8 DMABurst = 2
)

// Words returns the number of words per burst
func (b DMABurst) Words() int {
	switch b {
	case DMABurst1:
		return 1
	case DMABurst4:
		return 4
	case DMABurst8:
		return 8
	}
	return 0
}

// BurstFromWords maps a burst length in words to its encoding
func BurstFromWords(words int) (DMABurst, bool) {
	switch words {
	case 1:
		return DMABurst1, true
	case 4:
		return DMABurst4, true
	case 8:
		return DMABurst8, true
	}
	return 0, false
}

// DMAConfig describes one channel setup for an SDIO data transfer
type DMAConfig struct {
	Direction   DMADirection
	PeriphAddr  uint32 // FIFO offset relative to the controller base
	PeriphMode  DMAAddrMode
	MemMode     DMAAddrMode
	Width       DMAWidth
	Burst       DMABurst
	LengthBytes int
}

// DMAChannel is the abstract DMA channel serving the SDIO FIFO.
// Configure and Start arm the channel; the SDIO data command must not be
// issued before Start returns. Finish is called after the controller reports
// data transfer over and completes any outstanding memory-side work.
type DMAChannel interface {
	Configure(cfg DMAConfig) error
	Start(buf []byte) error
	Finish() error
	Stop()
}

// ClockPrescaler is implemented by platforms that expose the SDIO base
// clock prescaler (a clock-tree setting outside the controller).
type ClockPrescaler interface {
	SetSDIOPrescale(div uint32) error
}

// Global singletons registered by target code
var (
	sdioBus RegisterBus
	sdioDMA DMAChannel
)

// SetSDIODriver is called by target-specific code to register its controller window and DMA channel
func SetSDIODriver(bus RegisterBus, dma DMAChannel) {
	sdioBus = bus
	sdioDMA = dma
}

// MustSDIO returns the registered controller bus and DMA channel or panics if missing
func MustSDIO() (RegisterBus, DMAChannel) {
	if sdioBus == nil || sdioDMA == nil {
		panic("SDIO driver not configured")
	}
	return sdioBus, sdioDMA
}
