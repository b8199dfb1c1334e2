package core

import (
	"time"

	"github.com/go-logr/logr"
)

const defaultPollTimeout = 100 * time.Millisecond

// Config holds the tunables of the SD host driver
type Config struct {
	SourceClockHz   uint32 // SDIO base clock before the prescaler
	InitClockKHz    uint32 // Identification mode clock
	DefaultClockKHz uint32 // Transfer clock when the CSD rate is unusable
	MaxClockKHz     uint32 // Upper bound on the transfer clock, 0 for none
	WideBus         bool   // Switch to 4-bit after identification

	ACMD41Attempts       int // ACMD41 retries waiting for power-up
	ReadRetries          int // Extra attempts for retryable read failures
	MaxBlocksPerTransfer int // Blocks per DMA transfer

	DMABurst    DMABurst
	RxWatermark uint32
	TxWatermark uint32

	ResponseTimeoutCycles uint32 // TMOUT response field, card clocks
	DataTimeoutCycles     uint32 // TMOUT data field, card clocks

	CommandPoll PollBudget // Command done
	DataPoll    PollBudget // Data transfer over
	BusyPoll    PollBudget // Card busy after R1b and writes
	ClockPoll   PollBudget // Clock update and controller resets
	ErasePoll   PollBudget // Card busy after CMD38
}

// DefaultConfig returns the settings used for the MH1903 SDIO block
func DefaultConfig() Config {
	return Config{
		SourceClockHz:   96000000,
		InitClockKHz:    400,
		DefaultClockKHz: 25000,
		WideBus:         true,

		ACMD41Attempts:       500,
		MaxBlocksPerTransfer: 16,

		DMABurst:    DMABurst8,
		RxWatermark: 7,
		TxWatermark: 8,

		ResponseTimeoutCycles: TimeoutRespMax,
		DataTimeoutCycles:     TimeoutDataMax,

		CommandPoll: PollBudget{Timeout: 100 * time.Millisecond},
		DataPoll:    PollBudget{Timeout: 500 * time.Millisecond},
		BusyPoll:    PollBudget{Timeout: 1 * time.Second},
		ClockPoll:   PollBudget{Timeout: 50 * time.Millisecond},
		ErasePoll:   PollBudget{Timeout: 30 * time.Second},
	}
}

// Observer receives driver events, typically for metrics
type Observer interface {
	CommandDone(index uint8, err error, elapsed time.Duration)
	TransferDone(write bool, blocks int, err error, elapsed time.Duration)
	CardChanged(present bool)
}

type nopObserver struct{}

func (nopObserver) CommandDone(uint8, error, time.Duration)       {}
func (nopObserver) TransferDone(bool, int, error, time.Duration) {}
func (nopObserver) CardChanged(bool)                             {}

type options struct {
	cfg Config
	log logr.Logger
	obs Observer
}

// Option customizes a Host or Card
type Option func(*options)

// WithConfig replaces the default configuration
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger; the default discards
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithObserver attaches an event observer
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.obs = obs
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		cfg: DefaultConfig(),
		log: logr.Discard(),
		obs: nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
