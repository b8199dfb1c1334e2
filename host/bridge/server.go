package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"sdio/core"
	"sdio/protocol"
)

var errLinkClosed = errors.New("link closed")

// Server answers bridge commands against a local controller window and DMA
// channel. It stages DMA data in its own buffer: writes are loaded in chunks
// before dma_start, reads are fetched in chunks after dma_finish.
type Server struct {
	bus core.RegisterBus
	dma core.DMAChannel
	log logr.Logger

	registry *Registry
	out      *protocol.ScratchOutput
	tr       *protocol.Transport
	dict     []byte

	mu       sync.Mutex // guards the DMA staging state, out and link
	link     io.Writer
	writeErr error
	staging  []byte
	dir      core.DMADirection
	burst    core.DMABurst
	armed    bool
}

// NewServer creates a server for bus and dma. name is published in the
// dictionary as the controller description.
func NewServer(bus core.RegisterBus, dma core.DMAChannel, name string, log logr.Logger) (*Server, error) {
	s := &Server{
		bus:      bus,
		dma:      dma,
		log:      log,
		registry: NewRegistry(),
		out:      protocol.NewScratchOutput(),
	}
	s.tr = protocol.NewTransport(s.out, s.registry.Dispatch)
	s.tr.SetResetCallback(s.reset)
	s.tr.SetFlushCallback(s.flush)

	for _, c := range []struct {
		id      uint16
		format  string
		handler Handler
	}{
		{protocol.CmdIdentify, "offset=%u count=%c", s.identify},
		{protocol.CmdRegRead, "addr=%u", s.regRead},
		{protocol.CmdRegWrite, "addr=%u value=%u", s.regWrite},
		{protocol.CmdDMAConfig, "dir=%c burst=%c", s.dmaConfig},
		{protocol.CmdDMALoad, "offset=%u data=%*s", s.dmaLoad},
		{protocol.CmdDMAStart, "length=%u", s.dmaStart},
		{protocol.CmdDMAFetch, "offset=%u count=%c", s.dmaFetch},
		{protocol.CmdDMAStop, "", s.dmaStop},
		{protocol.CmdDMAFinish, "", s.dmaFinish},
	} {
		if err := s.registry.Register(c.id, protocol.CommandName(c.id), c.format, c.handler); err != nil {
			return nil, err
		}
	}
	s.registry.SetConfig("CONTROLLER", name)
	s.registry.SetConfig("FIFO_DEPTH", strconv.Itoa(core.FIFODepth))
	s.registry.SetConfig("DMA_CHUNK", strconv.Itoa(protocol.DMAChunk))

	dict, err := s.registry.Dictionary(protocol.Version).marshal()
	if err != nil {
		return nil, err
	}
	s.dict = dict
	return s, nil
}

// Serve processes frames from conn until ctx is cancelled or the link closes
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	s.mu.Lock()
	s.out.Reset()
	s.tr.Reset()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(conn)
	})
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	err := g.Wait()
	if errors.Is(err, errLinkClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) readLoop(conn io.ReadWriter) error {
	in := protocol.NewStreamBuffer(4 * protocol.MessageMax)
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			in.Write(buf[:n])
			if werr := s.receive(conn, in); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return errLinkClosed
			}
			return fmt.Errorf("bridge read: %w", err)
		}
	}
}

// receive runs the transport over buffered input and flushes replies
func (s *Server) receive(w io.Writer, in protocol.InputBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link = w
	s.writeErr = nil
	s.tr.Receive(in)
	s.flush()
	return s.writeErr
}

// flush writes pending output; the transport calls it after every ack so
// the host sees the ack before a slow command completes
func (s *Server) flush() {
	res := s.out.Result()
	if len(res) == 0 || s.writeErr != nil {
		return
	}
	if _, err := s.link.Write(res); err != nil {
		s.writeErr = fmt.Errorf("bridge write: %w", err)
	}
	s.out.Reset()
}

// reset drops any transfer left over from a previous link or host session
func (s *Server) reset() {
	if s.armed {
		s.dma.Stop()
	}
	s.armed = false
	s.staging = s.staging[:0]
	s.log.V(1).Info("bridge state reset")
}

func (s *Server) identify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if count > protocol.DMAChunk {
		count = protocol.DMAChunk
	}
	var chunk []byte
	if int(offset) < len(s.dict) {
		end := int(offset) + int(count)
		if end > len(s.dict) {
			end = len(s.dict)
		}
		chunk = s.dict[offset:end]
	}
	s.tr.SendCommand(protocol.CmdIdentify, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQBytes(out, chunk)
	})
	return nil
}

func (s *Server) regRead(data *[]byte) error {
	addr, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	v := s.bus.Read32(addr)
	s.tr.SendCommand(protocol.CmdRegRead, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, v)
	})
	return nil
}

func (s *Server) regWrite(data *[]byte) error {
	addr, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	s.bus.Write32(addr, value)
	return nil
}

func (s *Server) replyStatus(cmdID uint16, err error) {
	if err != nil {
		s.log.V(1).Info("command failed", "cmd", protocol.CommandName(cmdID), "err", err.Error())
	}
	s.tr.SendCommand(cmdID, func(out protocol.OutputBuffer) {
		protocol.EncodeStatus(out, err)
	})
}

func (s *Server) dmaConfig(data *[]byte) error {
	dir, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	burst, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	var cerr error
	switch {
	case s.armed:
		cerr = errors.New("channel armed")
	case core.DMADirection(dir) != core.DMAMemToPeriph && core.DMADirection(dir) != core.DMAPeriphToMem:
		cerr = fmt.Errorf("bad direction %d", dir)
	case core.DMABurst(burst).Words() == 0:
		cerr = fmt.Errorf("bad burst %d", burst)
	default:
		s.dir = core.DMADirection(dir)
		s.burst = core.DMABurst(burst)
		s.staging = s.staging[:0]
	}
	s.replyStatus(protocol.CmdDMAConfig, cerr)
	return nil
}

func (s *Server) dmaLoad(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	chunk, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	end := int(offset) + len(chunk)
	s.grow(end)
	copy(s.staging[offset:end], chunk)
	return nil
}

func (s *Server) grow(n int) {
	if n <= len(s.staging) {
		return
	}
	if n > cap(s.staging) {
		next := make([]byte, len(s.staging), n)
		copy(next, s.staging)
		s.staging = next
	}
	s.staging = s.staging[:n]
}

func (s *Server) dmaStart(data *[]byte) error {
	length, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	cfg := core.DMAConfig{
		Direction:   s.dir,
		PeriphAddr:  core.RegFIFO,
		PeriphMode:  core.DMANoChange,
		MemMode:     core.DMAIncrement,
		Width:       core.DMAWidthWord,
		Burst:       s.burst,
		LengthBytes: int(length),
	}
	var serr error
	if s.dir == core.DMAMemToPeriph && len(s.staging) < int(length) {
		serr = fmt.Errorf("%d of %d bytes loaded", len(s.staging), length)
	} else {
		s.grow(int(length))
		if serr = s.dma.Configure(cfg); serr == nil {
			serr = s.dma.Start(s.staging[:length])
		}
	}
	s.armed = serr == nil
	s.replyStatus(protocol.CmdDMAStart, serr)
	return nil
}

func (s *Server) dmaFinish(data *[]byte) error {
	var err error
	if !s.armed {
		err = errors.New("channel not armed")
	} else {
		err = s.dma.Finish()
		s.armed = false
	}
	s.replyStatus(protocol.CmdDMAFinish, err)
	return nil
}

func (s *Server) dmaFetch(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	var ferr error
	var chunk []byte
	end := int(offset) + int(count)
	switch {
	case count > protocol.DMAChunk:
		ferr = fmt.Errorf("fetch of %d bytes exceeds chunk size", count)
	case end > len(s.staging):
		ferr = fmt.Errorf("fetch beyond %d staged bytes", len(s.staging))
	default:
		chunk = s.staging[offset:end]
	}
	s.tr.SendCommand(protocol.CmdDMAFetch, func(out protocol.OutputBuffer) {
		protocol.EncodeStatus(out, ferr)
		if ferr == nil {
			protocol.EncodeVLQBytes(out, chunk)
		}
	})
	return nil
}

func (s *Server) dmaStop(data *[]byte) error {
	s.dma.Stop()
	s.armed = false
	return nil
}
