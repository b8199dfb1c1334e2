package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func mustFrame(t *testing.T, seq uint8, payload []byte) []byte {
	t.Helper()
	frame, err := EncodeMessage(seq, payload)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	return frame
}

func TestEncodeMessageTooLong(t *testing.T) {
	if _, err := EncodeMessage(MessageDest, make([]byte, MessageLengthMax)); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestTransportAcksAndDispatches(t *testing.T) {
	out := NewScratchOutput()
	var got []uint32
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		v, err := DecodeVLQUint(data)
		got = append(got, uint32(cmdID), v)
		return err
	})

	frame := mustFrame(t, MessageDest, []byte{byte(CmdRegRead), 0x05})
	in := NewSliceInputBuffer(frame)
	tr.Receive(in)

	if in.Available() != 0 {
		t.Errorf("%d bytes left unconsumed", in.Available())
	}
	if len(got) != 2 || got[0] != uint32(CmdRegRead) || got[1] != 5 {
		t.Errorf("unexpected dispatch %v", got)
	}
	if ack := mustFrame(t, MessageDest+1, nil); !bytes.Equal(out.Result(), ack) {
		t.Errorf("ack %v, want %v", out.Result(), ack)
	}

	// A retransmitted frame is acknowledged but not executed twice
	out.Reset()
	tr.Receive(NewSliceInputBuffer(frame))
	if len(got) != 2 {
		t.Errorf("duplicate frame dispatched: %v", got)
	}
	if ack := mustFrame(t, MessageDest+1, nil); !bytes.Equal(out.Result(), ack) {
		t.Errorf("nak %v, want %v", out.Result(), ack)
	}
}

func TestTransportPartialFrame(t *testing.T) {
	out := NewScratchOutput()
	calls := 0
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		calls++
		return nil
	})

	frame := mustFrame(t, MessageDest, []byte{byte(CmdDMAStop)})
	in := NewStreamBuffer(128)
	in.Write(frame[:3])
	tr.Receive(in)
	if calls != 0 || in.Available() != 3 {
		t.Fatalf("partial frame consumed: calls=%d available=%d", calls, in.Available())
	}

	in.Write(frame[3:])
	tr.Receive(in)
	if calls != 1 || in.Available() != 0 {
		t.Errorf("complete frame not consumed: calls=%d available=%d", calls, in.Available())
	}
}

func TestTransportResynchronizes(t *testing.T) {
	out := NewScratchOutput()
	calls := 0
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		calls++
		return nil
	})

	corrupt := mustFrame(t, MessageDest, []byte{byte(CmdDMAStop)})
	corrupt[2] ^= 0xFF
	stream := append(corrupt, mustFrame(t, MessageDest, []byte{byte(CmdDMAStop)})...)
	tr.Receive(NewSliceInputBuffer(stream))

	if tr.FrameErrors() != 1 {
		t.Errorf("FrameErrors() = %d, want 1", tr.FrameErrors())
	}
	if calls != 1 {
		t.Errorf("expected the intact frame to be dispatched once, got %d", calls)
	}
}

func TestTransportHostRestart(t *testing.T) {
	out := NewScratchOutput()
	calls := 0
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		calls++
		return nil
	})
	resets := 0
	tr.SetResetCallback(func() { resets++ })

	tr.Receive(NewSliceInputBuffer(mustFrame(t, MessageDest, []byte{byte(CmdDMAStop)})))
	tr.Receive(NewSliceInputBuffer(mustFrame(t, MessageDest+1, []byte{byte(CmdDMAStop)})))
	out.Reset()

	// A command frame at the base sequence is not a restart
	tr.Receive(NewSliceInputBuffer(mustFrame(t, MessageDest, []byte{byte(CmdDMAStop)})))
	if resets != 0 || calls != 2 {
		t.Errorf("stale frame: resets=%d calls=%d, want 0 and 2", resets, calls)
	}
	if ack := mustFrame(t, MessageDest+2, nil); !bytes.Equal(out.Result(), ack) {
		t.Errorf("ack for stale frame %v, want %v", out.Result(), ack)
	}

	// The empty restart frame resets, and repeating it only resets again
	restart := mustFrame(t, MessageDest, nil)
	for i := 1; i <= 2; i++ {
		out.Reset()
		tr.Receive(NewSliceInputBuffer(restart))
		if resets != i {
			t.Errorf("resets = %d, want %d", resets, i)
		}
		if ack := mustFrame(t, MessageDest+1, nil); !bytes.Equal(out.Result(), ack) {
			t.Errorf("ack after restart %v, want %v", out.Result(), ack)
		}
	}

	tr.Receive(NewSliceInputBuffer(mustFrame(t, MessageDest+1, []byte{byte(CmdDMAStop)})))
	if calls != 3 {
		t.Errorf("calls = %d after restart, want 3", calls)
	}
}

func TestTransportDuplicateAfterWrap(t *testing.T) {
	out := NewScratchOutput()
	calls := 0
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		calls++
		return nil
	})
	resets := 0
	tr.SetResetCallback(func() { resets++ })

	seq := uint8(MessageDest)
	var last []byte
	for i := 0; i < MessageSeqMask+2; i++ {
		last = mustFrame(t, seq, []byte{byte(CmdDMAStop)})
		tr.Receive(NewSliceInputBuffer(last))
		seq = nextSeq(seq)
	}
	if calls != MessageSeqMask+2 {
		t.Fatalf("calls = %d, want %d", calls, MessageSeqMask+2)
	}

	out.Reset()
	tr.Receive(NewSliceInputBuffer(last))
	if calls != MessageSeqMask+2 || resets != 0 {
		t.Errorf("retransmission executed: calls=%d resets=%d", calls, resets)
	}
	if ack := mustFrame(t, seq, nil); !bytes.Equal(out.Result(), ack) {
		t.Errorf("ack %v, want %v", out.Result(), ack)
	}
}

// serveAgent runs an agent transport on conn until the pipe closes
func serveAgent(conn net.Conn, handler func(tr *Transport) CommandHandler) {
	out := NewScratchOutput()
	var tr *Transport
	tr = NewTransport(out, func(cmdID uint16, data *[]byte) error {
		return handler(tr)(cmdID, data)
	})
	in := NewStreamBuffer(1024)
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		in.Write(buf[:n])
		tr.Receive(in)
		if res := out.Result(); len(res) > 0 {
			if _, err := conn.Write(res); err != nil {
				return
			}
			out.Reset()
		}
	}
}

func TestHostTransportRoundTrip(t *testing.T) {
	hostSide, agentSide := net.Pipe()
	go serveAgent(agentSide, func(tr *Transport) CommandHandler {
		return func(cmdID uint16, data *[]byte) error {
			switch cmdID {
			case CmdRegRead:
				addr, err := DecodeVLQUint(data)
				if err != nil {
					return err
				}
				tr.SendCommand(CmdRegRead, func(out OutputBuffer) {
					EncodeVLQUint(out, addr|0xFFFF0000)
				})
			case CmdRegWrite:
				_, _ = DecodeVLQUint(data)
				_, _ = DecodeVLQUint(data)
			}
			return nil
		}
	})

	host := NewHostTransport(hostSide, logr.Discard())
	ctx := context.Background()
	if err := host.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	// Enough calls to wrap the sequence number
	for i := uint32(0); i < 40; i++ {
		body, err := host.Call(ctx, CmdRegRead, func(out OutputBuffer) {
			EncodeVLQUint(out, i*4)
		})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		v, err := DecodeVLQUint(&body)
		if err != nil || v != i*4|0xFFFF0000 {
			t.Fatalf("call %d: got 0x%08X, %v", i, v, err)
		}
		if err := host.Send(ctx, CmdRegWrite, func(out OutputBuffer) {
			EncodeVLQUint(out, 0x30)
			EncodeVLQUint(out, i)
		}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	if err := host.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := host.Call(ctx, CmdRegRead, nil); err == nil {
		t.Error("expected error after Close")
	}
}

func TestHostTransportTimeout(t *testing.T) {
	hostSide, agentSide := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, agentSide)
	}()
	host := NewHostTransport(hostSide, logr.Discard())
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := host.Call(ctx, CmdIdentify, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
