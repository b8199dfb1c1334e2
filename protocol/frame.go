package protocol

import "fmt"

// Frame layout: [len][seq][payload...][crc hi][crc lo][sync]
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
)

// Message is one decoded frame
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // Frame data without header and trailer
	CRC      uint16
}

// EncodeMessage builds a complete frame around payload
func EncodeMessage(seq uint8, payload []byte) ([]byte, error) {
	msgLen := MessageHeaderSize + len(payload) + MessageTrailerSize
	if msgLen > MessageLengthMax {
		return nil, fmt.Errorf("message too long: %d bytes (max %d)", msgLen, MessageLengthMax)
	}
	msg := make([]byte, 0, msgLen)
	msg = append(msg, uint8(msgLen), seq)
	msg = append(msg, payload...)
	crc := CRC16(msg)
	return append(msg, uint8(crc>>8), uint8(crc), MessageValueSync), nil
}

// frameScanner splits a byte stream into frames, dropping to byte-wise
// resynchronization on any framing or CRC error
type frameScanner struct {
	desynced bool
	errors   int
}

// scan consumes complete frames from data, calling emit for each, and
// returns the number of bytes consumed. resync is called when the scanner
// regains sync after an error.
func (s *frameScanner) scan(data []byte, emit func(Message), resync func()) int {
	total := len(data)
	for len(data) > 0 {
		if s.desynced {
			i := 0
			for i < len(data) && data[i] != MessageValueSync {
				i++
			}
			if i == len(data) {
				data = nil
				break
			}
			data = data[i+1:]
			s.desynced = false
			if resync != nil {
				resync()
			}
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}
		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			s.fail()
			continue
		}
		if len(data) < msgLen {
			break
		}
		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			s.fail()
			continue
		}
		frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 | uint16(data[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
			s.fail()
			continue
		}

		payload := make([]byte, msgLen-MessageLengthMin)
		copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])
		msg := Message{
			Length:   uint8(msgLen),
			Sequence: data[MessagePositionSeq],
			Payload:  payload,
			CRC:      frameCRC,
		}
		data = data[msgLen:]
		emit(msg)
	}
	return total - len(data)
}

func (s *frameScanner) fail() {
	s.desynced = true
	s.errors++
}

// nextSeq advances a sequence number within the destination range
func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
