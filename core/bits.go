package core

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/HewlettPackard/structex"
)

// packWord encodes a 32-bit structex layout into its register value
func packWord(s interface{}) (uint32, error) {
	buf := structex.NewBuffer(s)
	if buf == nil {
		return 0, fmt.Errorf("cannot allocate buffer for %T", s)
	}
	if err := structex.Encode(buf, s); err != nil {
		return 0, fmt.Errorf("encode %T: %w", s, err)
	}
	data := buf.Bytes()
	if len(data) != 4 {
		return 0, fmt.Errorf("encode %T: %d bytes, expected 4", s, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// unpackWord decodes a register value into a 32-bit structex layout
func unpackWord(v uint32, s interface{}) error {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], v)
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(data[:]), s); err != nil {
		return fmt.Errorf("decode %T: %w", s, err)
	}
	return nil
}

// unpackWords decodes a multi-word register snapshot, raw[0] holding bits 31:0
func unpackWords(raw []uint32, s interface{}) error {
	data := make([]byte, 4*len(raw))
	for i, w := range raw {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(data), s); err != nil {
		return fmt.Errorf("decode %T: %w", s, err)
	}
	return nil
}

// packWords encodes a multi-word structex layout, raw[0] receiving bits 31:0
func packWords(s interface{}, raw []uint32) error {
	buf := structex.NewBuffer(s)
	if buf == nil {
		return fmt.Errorf("cannot allocate buffer for %T", s)
	}
	if err := structex.Encode(buf, s); err != nil {
		return fmt.Errorf("encode %T: %w", s, err)
	}
	data := buf.Bytes()
	if len(data) != 4*len(raw) {
		return fmt.Errorf("encode %T: %d bytes, expected %d", s, len(data), 4*len(raw))
	}
	for i := range raw {
		raw[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return nil
}

// FIFOThreshold holds the FIFOTH register settings
type FIFOThreshold struct {
	TxWatermark uint32 // words, 1..15
	RxWatermark uint32 // words, 0..14
	Burst       uint32 // DMABurst encoding
}

// fifothLayout is FIFOTH split into byte-aligned fields. The watermark high
// nibbles stay zero for the watermarks this FIFO depth allows.
type fifothLayout struct {
	TxWatermark   uint32 `bitfield:"8"` // [7:0]
	TxWatermarkHi uint32 `bitfield:"4"` // [11:8]
	Rsvd0         uint32 `bitfield:"4,reserved"`
	RxWatermark   uint32 `bitfield:"8"` // [23:16]
	RxWatermarkHi uint32 `bitfield:"4"` // [27:24]
	Burst         uint32 `bitfield:"3"` // [30:28]
	Rsvd1         uint32 `bitfield:"1,reserved"`
}

// Word validates the watermarks and returns the register value
func (f FIFOThreshold) Word() (uint32, error) {
	if f.TxWatermark < FIFOTxWmarkMin || f.TxWatermark > FIFOTxWmarkMax {
		return 0, fmt.Errorf("tx watermark %d out of range [%d,%d]: %w",
			f.TxWatermark, FIFOTxWmarkMin, FIFOTxWmarkMax, InvalidParameter)
	}
	if f.RxWatermark > FIFORxWmarkMax {
		return 0, fmt.Errorf("rx watermark %d out of range [%d,%d]: %w",
			f.RxWatermark, FIFORxWmarkMin, FIFORxWmarkMax, InvalidParameter)
	}
	if DMABurst(f.Burst).Words() == 0 {
		return 0, fmt.Errorf("burst encoding %d: %w", f.Burst, InvalidParameter)
	}
	return packWord(&fifothLayout{
		TxWatermark:   f.TxWatermark & 0xFF,
		TxWatermarkHi: f.TxWatermark >> 8,
		RxWatermark:   f.RxWatermark & 0xFF,
		RxWatermarkHi: f.RxWatermark >> 8,
		Burst:         f.Burst,
	})
}

// CardStatus is the R1 card status layout
type CardStatus struct {
	Rsvd0            uint32 `bitfield:"3,reserved"`
	AKESeqError      uint32 `bitfield:"1"` // 3
	Rsvd1            uint32 `bitfield:"1,reserved"`
	AppCmd           uint32 `bitfield:"1"` // 5
	FXEvent          uint32 `bitfield:"1"` // 6
	Rsvd2            uint32 `bitfield:"1,reserved"`
	ReadyForData     uint32 `bitfield:"1"` // 8
	CurrentState     uint32 `bitfield:"4"` // 12:9
	EraseReset       uint32 `bitfield:"1"` // 13
	CardECCDisabled  uint32 `bitfield:"1"` // 14
	WPEraseSkip      uint32 `bitfield:"1"` // 15
	CSDOverwrite     uint32 `bitfield:"1"` // 16
	Rsvd3            uint32 `bitfield:"2,reserved"`
	Error            uint32 `bitfield:"1"` // 19
	CCError          uint32 `bitfield:"1"` // 20
	CardECCFailed    uint32 `bitfield:"1"` // 21
	IllegalCommand   uint32 `bitfield:"1"` // 22
	ComCRCError      uint32 `bitfield:"1"` // 23
	LockUnlockFailed uint32 `bitfield:"1"` // 24
	CardIsLocked     uint32 `bitfield:"1"` // 25
	WPViolation      uint32 `bitfield:"1"` // 26
	EraseParam       uint32 `bitfield:"1"` // 27
	EraseSeqError    uint32 `bitfield:"1"` // 28
	BlockLenError    uint32 `bitfield:"1"` // 29
	AddressError     uint32 `bitfield:"1"` // 30
	OutOfRange       uint32 `bitfield:"1"` // 31
}

// CardState is the CURRENT_STATE field of the card status
type CardState uint8

const (
	StateIdle  CardState = 0
	StateReady CardState = 1
	StateIdent CardState = 2
	StateStby  CardState = 3
	StateTran  CardState = 4
	StateData  CardState = 5
	StateRcv   CardState = 6
	StatePrg   CardState = 7
	StateDis   CardState = 8
)

var cardStateNames = [...]string{"idle", "ready", "ident", "stby", "tran", "data", "rcv", "prg", "dis"}

func (s CardState) String() string {
	if int(s) < len(cardStateNames) {
		return cardStateNames[s]
	}
	return fmt.Sprintf("CardState(%d)", uint8(s))
}

// DecodeCardStatus unpacks an R1 response word
func DecodeCardStatus(r1 uint32) (CardStatus, error) {
	var cs CardStatus
	err := unpackWord(r1, &cs)
	return cs, err
}

// Word packs the status back into an R1 response word
func (cs CardStatus) Word() (uint32, error) {
	return packWord(&cs)
}

// State returns the card's current state
func (cs CardStatus) State() CardState {
	return CardState(cs.CurrentState)
}
