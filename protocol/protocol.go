// Package protocol implements the framed link between the sdhost tool and an
// SD controller agent: CRC16-checked frames with a rolling sequence number
// carrying VLQ-encoded register bridge commands.
package protocol

import (
	"errors"
	"fmt"
)

// Version of the bridge command set
const Version = "0.3.0"

const (
	MessageMax     = 512 // Scratch output capacity
	MessageSeqMask = 0x0F
)

// Bridge commands. A response reuses the identifier of its command; commands
// without a reply are acknowledged by an empty frame only.
const (
	CmdIdentify  uint16 = 0 // offset count -> offset data
	CmdRegRead   uint16 = 1 // addr -> value
	CmdRegWrite  uint16 = 2 // addr value
	CmdDMAConfig uint16 = 3 // dir burst -> status
	CmdDMALoad   uint16 = 4 // offset data
	CmdDMAStart  uint16 = 5 // length -> status
	CmdDMAFetch  uint16 = 6 // offset count -> data
	CmdDMAStop   uint16 = 7
	CmdDMAFinish uint16 = 8 // -> status
)

var commandNames = map[uint16]string{
	CmdIdentify:  "identify",
	CmdRegRead:   "reg_read",
	CmdRegWrite:  "reg_write",
	CmdDMAConfig: "dma_config",
	CmdDMALoad:   "dma_load",
	CmdDMAStart:  "dma_start",
	CmdDMAFetch:  "dma_fetch",
	CmdDMAStop:   "dma_stop",
	CmdDMAFinish: "dma_finish",
}

// CommandName returns the wire name of a bridge command
func CommandName(id uint16) string {
	if n, ok := commandNames[id]; ok {
		return n
	}
	return fmt.Sprintf("cmd_%d", id)
}

// DMAChunk is the largest data slice carried by one dma_load or dma_fetch.
// id, offset and length prefix plus the chunk stay inside MessageLengthMax.
const DMAChunk = 48

// ErrRemote is returned for a failure reported by the agent
var ErrRemote = errors.New("agent reported failure")

// EncodeStatus writes a status reply body: 0, or 1 followed by the message
func EncodeStatus(output OutputBuffer, err error) {
	if err == nil {
		EncodeVLQUint(output, 0)
		return
	}
	msg := err.Error()
	// Leave room for id, status and length prefix
	if max := MessageLengthMax - MessageHeaderSize - MessageTrailerSize - 4; len(msg) > max {
		msg = msg[:max]
	}
	EncodeVLQUint(output, 1)
	EncodeVLQString(output, msg)
}

// DecodeStatus reads a status reply body
func DecodeStatus(data *[]byte) error {
	status, err := DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if status == 0 {
		return nil
	}
	msg, err := DecodeVLQString(data)
	if err != nil {
		return fmt.Errorf("%w: status %d", ErrRemote, status)
	}
	return fmt.Errorf("%w: %s", ErrRemote, msg)
}
