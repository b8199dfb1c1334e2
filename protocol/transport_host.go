package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrNoAck       = errors.New("frame not acknowledged")
	ErrBadResponse = errors.New("malformed response")
)

// DefaultCallTimeout bounds one command round trip when the caller's
// context carries no deadline
const DefaultCallTimeout = 2 * time.Second

// sendAttempts is the number of transmissions of a frame the agent refuses
const sendAttempts = 3

// HostTransport is the tool side of the link. Calls are serialized: each
// frame carries one command and waits for its ack before the next is sent.
type HostTransport struct {
	port io.ReadWriteCloser
	log  logr.Logger

	callMu sync.Mutex
	seq    uint8

	scanner   frameScanner
	input     *StreamBuffer
	acks      chan Message
	responses chan Message

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	portOnce  sync.Once

	errMu   sync.Mutex
	readErr error
}

// NewHostTransport starts a transport reading frames from port
func NewHostTransport(port io.ReadWriteCloser, log logr.Logger) *HostTransport {
	t := &HostTransport{
		port:      port,
		log:       log,
		seq:       MessageDest,
		input:     NewStreamBuffer(4 * MessageMax),
		acks:      make(chan Message, 4),
		responses: make(chan Message, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Send transmits a command that has no reply and waits for its ack
func (t *HostTransport) Send(ctx context.Context, cmdID uint16, args func(output OutputBuffer)) error {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()
	return t.send(ctx, cmdID, args)
}

// Call transmits a command and returns the body of the reply carrying the
// same command id
func (t *HostTransport) Call(ctx context.Context, cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	drain(t.responses)
	if err := t.send(ctx, cmdID, args); err != nil {
		return nil, err
	}
	for {
		select {
		case msg := <-t.responses:
			body := msg.Payload
			id, err := DecodeVLQUint(&body)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", CommandName(cmdID), ErrBadResponse)
			}
			if uint16(id) != cmdID {
				t.log.V(1).Info("discarding unexpected response", "want", CommandName(cmdID), "got", CommandName(uint16(id)))
				continue
			}
			return body, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%s response: %w", CommandName(cmdID), ctx.Err())
		case <-t.stop:
			return nil, t.closedErr()
		}
	}
}

func withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultCallTimeout)
}

// Restart opens a new session: the agent drops its sequence state and any
// transfer a previous host left armed
func (t *HostTransport) Restart(ctx context.Context) error {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	t.seq = MessageDest
	return t.sendFrame(ctx, "restart", nil)
}

func (t *HostTransport) send(ctx context.Context, cmdID uint16, args func(output OutputBuffer)) error {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	return t.sendFrame(ctx, CommandName(cmdID), scratch.Result())
}

func (t *HostTransport) sendFrame(ctx context.Context, name string, payload []byte) error {
	frame, err := EncodeMessage(t.seq, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	want := nextSeq(t.seq)

	drain(t.acks)
	for attempt := 0; attempt < sendAttempts; attempt++ {
		t.log.V(2).Info("send", "cmd", name, "seq", t.seq, "attempt", attempt)
		if _, err := t.port.Write(frame); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		ack, err := t.waitAck(ctx)
		if err != nil {
			return fmt.Errorf("%s ack: %w", name, err)
		}
		if ack.Sequence == want {
			t.seq = want
			return nil
		}
		t.log.V(1).Info("nak", "cmd", name, "expected", want, "got", ack.Sequence)
	}
	return fmt.Errorf("%s: %w", name, ErrNoAck)
}

func (t *HostTransport) waitAck(ctx context.Context) (Message, error) {
	select {
	case ack := <-t.acks:
		return ack, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.stop:
		return Message{}, t.closedErr()
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.done)
	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			t.input.Write(buf[:n])
			consumed := t.scanner.scan(t.input.Data(), t.dispatch, nil)
			t.input.Pop(consumed)
		}

		select {
		case <-t.stop:
			return
		default:
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			// Serial ports report an idle read timeout as EOF
			time.Sleep(5 * time.Millisecond)
		default:
			t.errMu.Lock()
			t.readErr = err
			t.errMu.Unlock()
			t.log.Error(err, "link read failed")
			t.closeOnce.Do(func() { close(t.stop) })
			return
		}
	}
}

func (t *HostTransport) dispatch(msg Message) {
	ch := t.responses
	if len(msg.Payload) == 0 {
		ch = t.acks
	}
	select {
	case ch <- msg:
	default:
		t.log.V(1).Info("dropping frame, receiver not keeping up", "seq", msg.Sequence)
	}
}

func (t *HostTransport) closedErr() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, t.readErr)
	}
	return ErrClosed
}

// Close stops the reader and closes the port
func (t *HostTransport) Close() error {
	t.closeOnce.Do(func() { close(t.stop) })
	var err error
	t.portOnce.Do(func() { err = t.port.Close() })
	<-t.done
	return err
}

func drain(ch chan Message) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
