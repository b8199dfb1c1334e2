package core

import "fmt"

// ResponseType is the expected response format of an SD command
type ResponseType uint8

const (
	RespNone ResponseType = iota
	RespR1                // Normal response
	RespR1b               // Normal response with busy signalled on DAT0
	RespR2                // CID/CSD, 136 bits
	RespR3                // OCR, no CRC
	RespR6                // Published RCA
	RespR7                // Card interface condition
)

// Response length classes written to the command word
const (
	ResponseClassNone  = 0
	ResponseClassShort = 1
	ResponseClassLong  = 3
)

var responseTypeNames = [...]string{"none", "R1", "R1b", "R2", "R3", "R6", "R7"}

func (r ResponseType) String() string {
	if int(r) < len(responseTypeNames) {
		return responseTypeNames[r]
	}
	return fmt.Sprintf("ResponseType(%d)", uint8(r))
}

// Class returns the response length class
func (r ResponseType) Class() uint32 {
	switch r {
	case RespNone:
		return ResponseClassNone
	case RespR2:
		return ResponseClassLong
	}
	return ResponseClassShort
}

// CheckCRC reports whether the controller should validate the response CRC
func (r ResponseType) CheckCRC() bool {
	return r != RespNone && r != RespR3
}

// Busy reports whether the card signals busy after the response
func (r ResponseType) Busy() bool {
	return r == RespR1b
}

// Words is the number of response registers carrying the response
func (r ResponseType) Words() int {
	switch r.Class() {
	case ResponseClassNone:
		return 0
	case ResponseClassLong:
		return 4
	}
	return 1
}

// Command describes one SD command issued to the controller
type Command struct {
	Index    uint8
	Arg      uint32
	Response ResponseType
	Data     bool // Data phase follows the command
	Write    bool // Data flows to the card
	AutoStop bool // Controller sends CMD12 after the last block
	InitSeq  bool // 80 clocks of initialization before the command
	Abort    bool // Stop/abort command for an ongoing data transfer
}

func (c Command) String() string {
	return fmt.Sprintf("CMD%d(0x%08x,%s)", c.Index, c.Arg, c.Response)
}

// CommandWord is the packed CMD register layout
type CommandWord struct {
	Index        uint32 `bitfield:"6"` // [5:0]
	Response     uint32 `bitfield:"2"` // [7:6] 0 none, 1 short, 3 long
	CheckCRC     uint32 `bitfield:"1"` // 8
	DataExpected uint32 `bitfield:"1"` // 9
	Write        uint32 `bitfield:"1"` // 10
	Stream       uint32 `bitfield:"1"` // 11
	AutoStop     uint32 `bitfield:"1"` // 12
	WaitPrevData uint32 `bitfield:"1"` // 13
	StopAbort    uint32 `bitfield:"1"` // 14
	SendInit     uint32 `bitfield:"1"` // 15
	CardNumber   uint32 `bitfield:"5"` // [20:16]
	UpdateClock  uint32 `bitfield:"1"` // 21
	ReadCEATA    uint32 `bitfield:"1"` // 22
	CCSExpected  uint32 `bitfield:"1"` // 23
	EnableBoot   uint32 `bitfield:"1"` // 24
	ExpectBoot   uint32 `bitfield:"1"` // 25
	DisableBoot  uint32 `bitfield:"1"` // 26
	BootMode     uint32 `bitfield:"1"` // 27
	VoltSwitch   uint32 `bitfield:"1"` // 28
	UseHoldReg   uint32 `bitfield:"1"` // 29
	Rsvd         uint32 `bitfield:"1,reserved"`
	Start        uint32 `bitfield:"1"` // 31
}

func flag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Word builds the command register layout for c.
// The start, hold register and wait-for-previous-data bits are always set,
// except that an abort must not wait for the transfer it is stopping.
func (c Command) Word() (CommandWord, error) {
	if c.Index > CmdIndexMask {
		return CommandWord{}, fmt.Errorf("command index %d: %w", c.Index, CmdOutOfRange)
	}
	if c.Response > RespR7 {
		return CommandWord{}, fmt.Errorf("response type %d: %w", c.Response, InvalidParameter)
	}
	if c.Write && !c.Data {
		return CommandWord{}, fmt.Errorf("write without data phase: %w", InvalidParameter)
	}
	return CommandWord{
		Index:        uint32(c.Index),
		Response:     c.Response.Class(),
		CheckCRC:     flag(c.Response.CheckCRC()),
		DataExpected: flag(c.Data),
		Write:        flag(c.Write),
		AutoStop:     flag(c.AutoStop),
		WaitPrevData: flag(!c.Abort),
		StopAbort:    flag(c.Abort),
		SendInit:     flag(c.InitSeq),
		UseHoldReg:   1,
		Start:        1,
	}, nil
}

// Encode returns the CMD register value
func (w CommandWord) Encode() (uint32, error) {
	return packWord(&w)
}

// DecodeCommandWord unpacks a CMD register value
func DecodeCommandWord(v uint32) (CommandWord, error) {
	var w CommandWord
	err := unpackWord(v, &w)
	return w, err
}

// clockUpdateWord is the pseudo-command that latches CLKDIV/CLKENA
func clockUpdateWord() (uint32, error) {
	return CommandWord{
		UpdateClock:  1,
		WaitPrevData: 1,
		UseHoldReg:   1,
		Start:        1,
	}.Encode()
}

// Response holds the raw response registers; a short response uses word 0.
// Long responses keep RESP0 (bits 31:0) in word 0.
type Response [4]uint32

// Short returns the 32-bit short response
func (r Response) Short() uint32 {
	return r[0]
}
