// Package config loads the sdhost configuration file
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"sdio/core"
	"sdio/host/serial"
)

// Config is the sdhost configuration
type Config struct {
	Link      serial.Config `yaml:"link"`
	Sim       SimConfig     `yaml:"sim"`
	Driver    DriverConfig  `yaml:"driver"`
	Serve     ServeConfig   `yaml:"serve"`
	Verbosity int           `yaml:"verbosity"`
}

// SimConfig selects the simulated controller instead of a serial link
type SimConfig struct {
	Image  string `yaml:"image"`   // Disk image backing the card
	SizeMB uint64 `yaml:"size_mb"` // Capacity when creating the image, 0 keeps the file size
}

// Enabled reports whether the simulator replaces the serial link
func (s SimConfig) Enabled() bool {
	return s.Image != ""
}

// DriverConfig overrides driver tunables. Poll budgets are wall-clock
// limits since every register read crosses the link.
type DriverConfig struct {
	SourceClockHz uint32        `yaml:"source_clock_hz"`
	InitClockKHz  uint32        `yaml:"init_clock_khz"`
	MaxClockKHz   uint32        `yaml:"max_clock_khz"`
	WideBus       *bool         `yaml:"wide_bus"`
	ReadRetries   int           `yaml:"read_retries"`
	DMABurstWords int           `yaml:"dma_burst_words"`
	CommandPoll   time.Duration `yaml:"command_timeout"`
	DataPoll      time.Duration `yaml:"data_timeout"`
	BusyPoll      time.Duration `yaml:"busy_timeout"`
	ErasePoll     time.Duration `yaml:"erase_timeout"`
	CallTimeout   time.Duration `yaml:"call_timeout"` // One bridge round trip
}

// ServeConfig configures sdhost serve
type ServeConfig struct {
	Listen       string        `yaml:"listen"`
	PollInterval time.Duration `yaml:"poll_interval"` // Card detect
}

// Load reads a YAML configuration file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills in values the file left unset
func applyDefaults(cfg *Config) {
	if cfg.Link.Baud == 0 {
		cfg.Link.Baud = serial.DefaultBaud
	}
	if cfg.Link.ReadTimeout == 0 {
		cfg.Link.ReadTimeout = serial.DefaultReadTimeout
	}

	d := &cfg.Driver
	if d.DMABurstWords == 0 {
		d.DMABurstWords = 8
	}
	if d.CommandPoll == 0 {
		d.CommandPoll = time.Second
	}
	if d.DataPoll == 0 {
		d.DataPoll = 2 * time.Second
	}
	if d.BusyPoll == 0 {
		d.BusyPoll = 2 * time.Second
	}
	if d.ErasePoll == 0 {
		d.ErasePoll = 30 * time.Second
	}
	if d.CallTimeout == 0 {
		d.CallTimeout = time.Second
	}

	if cfg.Serve.Listen == "" {
		cfg.Serve.Listen = ":9103"
	}
	if cfg.Serve.PollInterval == 0 {
		cfg.Serve.PollInterval = time.Second
	}
}

// Validate checks the combined file and flag settings
func (c *Config) Validate() error {
	if !c.Sim.Enabled() {
		if err := c.Link.Validate(); err != nil {
			return fmt.Errorf("%w (or set sim.image)", err)
		}
	}
	if _, ok := core.BurstFromWords(c.Driver.DMABurstWords); !ok {
		return fmt.Errorf("driver: dma_burst_words %d, want 1, 4 or 8", c.Driver.DMABurstWords)
	}
	if c.Driver.ReadRetries < 0 {
		return fmt.Errorf("driver: read_retries %d", c.Driver.ReadRetries)
	}
	return nil
}

// CoreConfig applies the overrides to the driver defaults
func (c *Config) CoreConfig() core.Config {
	d := c.Driver
	cfg := core.DefaultConfig()
	if d.SourceClockHz != 0 {
		cfg.SourceClockHz = d.SourceClockHz
	}
	if d.InitClockKHz != 0 {
		cfg.InitClockKHz = d.InitClockKHz
	}
	cfg.MaxClockKHz = d.MaxClockKHz
	if d.WideBus != nil {
		cfg.WideBus = *d.WideBus
	}
	cfg.ReadRetries = d.ReadRetries
	if burst, ok := core.BurstFromWords(d.DMABurstWords); ok {
		cfg.DMABurst = burst
	}
	cfg.CommandPoll = core.PollBudget{Timeout: d.CommandPoll}
	cfg.DataPoll = core.PollBudget{Timeout: d.DataPoll}
	cfg.BusyPoll = core.PollBudget{Timeout: d.BusyPoll}
	cfg.ClockPoll = core.PollBudget{Timeout: d.CommandPoll}
	cfg.ErasePoll = core.PollBudget{Timeout: d.ErasePoll}
	return cfg
}
