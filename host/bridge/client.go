// Package bridge carries the SD controller register window and its DMA
// channel over a serial link. The Client side implements the core HAL
// interfaces so the full driver runs on a workstation; the Server side
// answers the link from a local controller.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"sdio/core"
	"sdio/protocol"
)

// ErrVersion is returned when the agent speaks another command set
var ErrVersion = errors.New("bridge version mismatch")

// Client is a RegisterBus and DMAChannel backed by a remote agent.
// Register reads return all ones once the link has failed; Err reports the
// first failure.
type Client struct {
	tr      *protocol.HostTransport
	log     logr.Logger
	timeout time.Duration

	mu   sync.Mutex
	err  error
	cfg  core.DMAConfig
	read []byte // Destination of an armed read transfer
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientLogger sets the client logger
func WithClientLogger(log logr.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithCallTimeout bounds each bridge round trip
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient starts a client on an open link
func NewClient(port io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		log:     logr.Discard(),
		timeout: protocol.DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tr = protocol.NewHostTransport(port, c.log.WithName("link"))
	return c
}

// Connect starts a new agent session, retrieves the agent dictionary and
// checks that it serves every bridge command under the expected id
func (c *Client) Connect(ctx context.Context) (Dictionary, error) {
	if err := c.tr.Restart(ctx); err != nil {
		return Dictionary{}, err
	}
	var raw []byte
	for {
		chunk, err := c.identify(ctx, uint32(len(raw)))
		if err != nil {
			return Dictionary{}, err
		}
		raw = append(raw, chunk...)
		if len(chunk) < protocol.DMAChunk {
			break
		}
	}

	dict, err := parseDictionary(raw)
	if err != nil {
		return Dictionary{}, err
	}
	if dict.Version != protocol.Version {
		return dict, fmt.Errorf("%w: agent %q, host %q", ErrVersion, dict.Version, protocol.Version)
	}
	for id := protocol.CmdIdentify; id <= protocol.CmdDMAFinish; id++ {
		got, ok := dict.CommandID(protocol.CommandName(id))
		if !ok || got != id {
			return dict, fmt.Errorf("%w: %s not served as id %d", ErrVersion, protocol.CommandName(id), id)
		}
	}
	c.log.V(1).Info("connected", "controller", dict.Config["CONTROLLER"], "commands", len(dict.Commands))
	return dict, nil
}

func (c *Client) identify(ctx context.Context, offset uint32) ([]byte, error) {
	body, err := c.tr.Call(ctx, protocol.CmdIdentify, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQUint(out, protocol.DMAChunk)
	})
	if err != nil {
		return nil, err
	}
	got, err := protocol.DecodeVLQUint(&body)
	if err != nil {
		return nil, fmt.Errorf("identify: %w", protocol.ErrBadResponse)
	}
	if got != offset {
		return nil, fmt.Errorf("identify: offset %d, want %d", got, offset)
	}
	chunk, err := protocol.DecodeVLQBytes(&body)
	if err != nil {
		return nil, fmt.Errorf("identify: %w", protocol.ErrBadResponse)
	}
	return append([]byte(nil), chunk...), nil
}

func (c *Client) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

// fail records the first link fault
func (c *Client) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
		c.log.Error(err, "bridge fault")
	}
	return err
}

// Err reports the first link fault, if any
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Read32 reads a controller register through the agent
func (c *Client) Read32(offset uint32) uint32 {
	ctx, cancel := c.callContext()
	defer cancel()
	body, err := c.tr.Call(ctx, protocol.CmdRegRead, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
	})
	if err == nil {
		var v uint32
		if v, err = protocol.DecodeVLQUint(&body); err == nil {
			return v
		}
	}
	c.fail(fmt.Errorf("read 0x%03x: %w", offset, err))
	return 0xFFFFFFFF
}

// Write32 writes a controller register through the agent
func (c *Client) Write32(offset uint32, value uint32) {
	ctx, cancel := c.callContext()
	defer cancel()
	err := c.tr.Send(ctx, protocol.CmdRegWrite, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQUint(out, value)
	})
	if err != nil {
		c.fail(fmt.Errorf("write 0x%03x: %w", offset, err))
	}
}

// status issues a command whose reply is a status body
func (c *Client) status(cmdID uint16, args func(out protocol.OutputBuffer)) error {
	ctx, cancel := c.callContext()
	defer cancel()
	body, err := c.tr.Call(ctx, cmdID, args)
	if err != nil {
		return c.fail(err)
	}
	return protocol.DecodeStatus(&body)
}

// Configure sends the direction and burst. The agent always drives the
// FIFO at a fixed address with word beats, so other layouts are refused.
func (c *Client) Configure(cfg core.DMAConfig) error {
	switch {
	case cfg.PeriphAddr != core.RegFIFO || cfg.PeriphMode != core.DMANoChange:
		return fmt.Errorf("bridge dma: peripheral side must be the FIFO")
	case cfg.MemMode != core.DMAIncrement || cfg.Width != core.DMAWidthWord:
		return fmt.Errorf("bridge dma: memory side must increment in words")
	case cfg.LengthBytes <= 0 || cfg.LengthBytes%4 != 0:
		return fmt.Errorf("bridge dma: length %d", cfg.LengthBytes)
	}
	err := c.status(protocol.CmdDMAConfig, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(cfg.Direction))
		protocol.EncodeVLQUint(out, uint32(cfg.Burst))
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.read = nil
	c.mu.Unlock()
	return nil
}

// Start loads write data into the agent and arms the remote channel
func (c *Client) Start(buf []byte) error {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	length := cfg.LengthBytes
	if len(buf) < length {
		return fmt.Errorf("bridge dma: buffer %d bytes, transfer %d", len(buf), length)
	}

	if cfg.Direction == core.DMAMemToPeriph {
		for off := 0; off < length; off += protocol.DMAChunk {
			end := off + protocol.DMAChunk
			if end > length {
				end = length
			}
			if err := c.load(uint32(off), buf[off:end]); err != nil {
				return c.fail(err)
			}
		}
	}

	err := c.status(protocol.CmdDMAStart, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(length))
	})
	if err != nil {
		return err
	}
	if cfg.Direction == core.DMAPeriphToMem {
		c.mu.Lock()
		c.read = buf[:length]
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) load(offset uint32, chunk []byte) error {
	ctx, cancel := c.callContext()
	defer cancel()
	return c.tr.Send(ctx, protocol.CmdDMALoad, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQBytes(out, chunk)
	})
}

// Finish completes the remote transfer and copies read data back
func (c *Client) Finish() error {
	c.mu.Lock()
	dst := c.read
	c.read = nil
	c.mu.Unlock()

	if err := c.status(protocol.CmdDMAFinish, nil); err != nil {
		return err
	}
	for off := 0; off < len(dst); off += protocol.DMAChunk {
		end := off + protocol.DMAChunk
		if end > len(dst) {
			end = len(dst)
		}
		if err := c.fetch(uint32(off), dst[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) fetch(offset uint32, dst []byte) error {
	ctx, cancel := c.callContext()
	defer cancel()
	body, err := c.tr.Call(ctx, protocol.CmdDMAFetch, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQUint(out, uint32(len(dst)))
	})
	if err != nil {
		return c.fail(err)
	}
	if err := protocol.DecodeStatus(&body); err != nil {
		return err
	}
	chunk, err := protocol.DecodeVLQBytes(&body)
	if err != nil || len(chunk) != len(dst) {
		return c.fail(fmt.Errorf("dma_fetch at %d: %w", offset, protocol.ErrBadResponse))
	}
	copy(dst, chunk)
	return nil
}

// Stop disarms the remote channel
func (c *Client) Stop() {
	c.mu.Lock()
	c.read = nil
	c.mu.Unlock()

	ctx, cancel := c.callContext()
	defer cancel()
	if err := c.tr.Send(ctx, protocol.CmdDMAStop, nil); err != nil {
		c.fail(err)
	}
}

// Close shuts the link down
func (c *Client) Close() error {
	return c.tr.Close()
}

var (
	_ core.RegisterBus = (*Client)(nil)
	_ core.DMAChannel  = (*Client)(nil)
	_ core.BusFaulter  = (*Client)(nil)
)
