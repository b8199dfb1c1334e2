package protocol

import "sync/atomic"

// CommandHandler handles one decoded command; data holds the remaining
// frame bytes and the handler consumes its arguments from it
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the agent side of the link. It checks frame sequence numbers,
// dispatches commands and acknowledges every frame with the next expected
// sequence.
type Transport struct {
	scanner       frameScanner
	nextSequence  uint32 // Expected host sequence, 0x10-0x1F
	output        OutputBuffer
	handler       CommandHandler
	resetCallback func()
	flushCallback func()
}

// NewTransport creates an agent transport writing replies to output
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		nextSequence: MessageDest,
		output:       output,
		handler:      handler,
	}
}

// Receive consumes complete frames from input
func (t *Transport) Receive(input InputBuffer) {
	consumed := t.scanner.scan(input.Data(), t.handleMessage, t.encodeAckNak)
	if consumed > 0 {
		input.Pop(consumed)
	}
}

// FrameErrors returns the number of framing or CRC errors seen
func (t *Transport) FrameErrors() int {
	return t.scanner.errors
}

func (t *Transport) handleMessage(msg Message) {
	if msg.Sequence&^MessageSeqMask != MessageDest {
		t.encodeAckNak()
		return
	}

	// An empty frame at the base sequence starts a new host session. Hosts
	// send no other empty frames, so a retransmitted restart only repeats
	// the reset.
	if msg.Sequence == MessageDest && len(msg.Payload) == 0 {
		if t.resetCallback != nil {
			t.resetCallback()
		}
		atomic.StoreUint32(&t.nextSequence, uint32(nextSeq(MessageDest)))
		t.encodeAckNak()
		return
	}

	// A repeated or out of order frame is not executed; the ack then names
	// the sequence the agent still expects
	expected := uint8(atomic.LoadUint32(&t.nextSequence))
	if msg.Sequence == expected {
		atomic.StoreUint32(&t.nextSequence, uint32(nextSeq(msg.Sequence)))
		t.encodeAckNak()
		_ = t.parseFrame(msg.Payload)
		return
	}
	t.encodeAckNak()
}

// parseFrame dispatches every command packed in a frame
func (t *Transport) parseFrame(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.scanner.fail()
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.scanner.fail()
			return err
		}
		if t.handler == nil {
			return nil
		}
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			return err
		}
	}
	return nil
}

// encodeAckNak emits an empty frame carrying the next expected sequence
func (t *Transport) encodeAckNak() {
	ns := uint8(atomic.LoadUint32(&t.nextSequence))
	crc := CRC16([]byte{MessageLengthMin, ns})
	t.output.Output([]byte{MessageLengthMin, ns, uint8(crc >> 8), uint8(crc), MessageValueSync})
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame frames the bytes written by frameData
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	cursor := t.output.CurPosition()
	t.output.Output([]byte{0, uint8(atomic.LoadUint32(&t.nextSequence))})
	frameData(t.output)

	changed := len(t.output.DataSince(cursor))
	t.output.Update(cursor, uint8(changed+MessageTrailerSize))

	crc := CRC16(t.output.DataSince(cursor))
	t.output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}

// SendCommand frames a reply or event with its arguments
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset returns the transport to its power-on state
func (t *Transport) Reset() {
	t.scanner = frameScanner{}
	atomic.StoreUint32(&t.nextSequence, MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets a callback run when the host starts a new session
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback run after every ack
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}
