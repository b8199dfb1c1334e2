// Package serial opens the link to a bridge agent
package serial

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Port is an open link to the agent
type Port interface {
	io.ReadWriteCloser

	// Flush discards data not yet transmitted or read
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	Device      string        `yaml:"device"`       // e.g. /dev/ttyACM0, COM3
	Baud        int           `yaml:"baud"`         // Ignored by USB CDC agents
	ReadTimeout time.Duration `yaml:"read_timeout"` // 0 blocks
}

// Bridge link defaults
const (
	DefaultBaud        = 921600
	DefaultReadTimeout = 50 * time.Millisecond
)

// DefaultConfig returns the bridge defaults for device
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: DefaultReadTimeout,
	}
}

// Validate checks the configuration before a port is opened
func (c *Config) Validate() error {
	switch {
	case c == nil:
		return errors.New("serial: nil config")
	case c.Device == "":
		return errors.New("serial: device not set")
	case c.Baud <= 0:
		return fmt.Errorf("serial: baud %d", c.Baud)
	case c.ReadTimeout < 0:
		return fmt.Errorf("serial: read timeout %v", c.ReadTimeout)
	}
	return nil
}
