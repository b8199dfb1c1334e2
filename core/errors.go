package core

import (
	"errors"
	"fmt"
)

// Error is the closed set of SD driver failure conditions.
// Exactly one code describes a failed operation; OK is never returned as an error.
type Error uint8

const (
	OK Error = iota

	// Controller-reported conditions
	CmdCRCFail    // Command response received but CRC check failed
	DataCRCFail   // Data block sent/received but CRC check failed
	CmdRspTimeout // Command response timeout
	DataTimeout   // Data timeout
	TxUnderrun    // Transmit FIFO underrun
	RxOverrun     // Receive FIFO overrun
	StartBitErr   // Start bit not detected on all data signals in wide bus mode

	// Card status (R1) conditions
	CmdOutOfRange       // CMD argument out of range
	AddrMisaligned      // Misaligned address
	BlockLenErr         // Transferred block length is not allowed for the card
	EraseSeqErr         // Error in the sequence of erase commands
	BadEraseParam       // Invalid selection of write blocks for erase
	WriteProtViolation  // Attempt to program a write protected block
	LockUnlockFailed    // Sequence or password error in lock/unlock command
	ComCRCFailed        // CRC check of the previous command failed
	IllegalCmd          // Command is not legal for the card state
	CardECCFailed       // Card internal ECC applied but failed to correct the data
	CCError             // Internal card controller error
	GeneralUnknownError // General or unknown error
	StreamReadUnderrun  // Card could not sustain data transfer in stream read
	StreamWriteOverrun  // Card could not sustain data programming in stream mode
	CIDCSDOverwrite     // CID/CSD overwrite error
	WPEraseSkip         // Only partial address space was erased
	CardECCDisabled     // Command executed without internal ECC
	EraseReset          // Erase sequence cleared before executing
	AKESeqError         // Error in sequence of authentication
	InvalidVoltRange    // Card does not support the host voltage window
	AddrOutOfRange      // Address out of range
	SwitchError         // Switch function error
	SDIODisabled        // SDIO function disabled
	SDIOFunctionBusy    // SDIO function busy
	SDIOFunctionFailed  // SDIO function failed
	SDIOUnknownFunction // Unknown SDIO function

	// Driver conditions
	InternalError
	NotConfigured
	RequestPending
	RequestNotApplicable
	InvalidParameter
	UnsupportedFeature
	UnsupportedHW
	GeneralError
	Timeout // Driver-side wait budget expired or the wait was cancelled
)

var errorNames = [...]string{
	OK:                   "ok",
	CmdCRCFail:           "command response CRC failure",
	DataCRCFail:          "data CRC failure",
	CmdRspTimeout:        "command response timeout",
	DataTimeout:          "data timeout",
	TxUnderrun:           "transmit FIFO underrun",
	RxOverrun:            "receive FIFO overrun",
	StartBitErr:          "start bit error",
	CmdOutOfRange:        "command argument out of range",
	AddrMisaligned:       "misaligned address",
	BlockLenErr:          "block length error",
	EraseSeqErr:          "erase sequence error",
	BadEraseParam:        "bad erase parameter",
	WriteProtViolation:   "write protect violation",
	LockUnlockFailed:     "lock/unlock failed",
	ComCRCFailed:         "previous command CRC failed",
	IllegalCmd:           "illegal command",
	CardECCFailed:        "card ECC failed",
	CCError:              "card controller error",
	GeneralUnknownError:  "general unknown error",
	StreamReadUnderrun:   "stream read underrun",
	StreamWriteOverrun:   "stream write overrun",
	CIDCSDOverwrite:      "CID/CSD overwrite",
	WPEraseSkip:          "write protected erase skip",
	CardECCDisabled:      "card ECC disabled",
	EraseReset:           "erase reset",
	AKESeqError:          "authentication sequence error",
	InvalidVoltRange:     "invalid voltage range",
	AddrOutOfRange:       "address out of range",
	SwitchError:          "switch error",
	SDIODisabled:         "SDIO function disabled",
	SDIOFunctionBusy:     "SDIO function busy",
	SDIOFunctionFailed:   "SDIO function failed",
	SDIOUnknownFunction:  "unknown SDIO function",
	InternalError:        "internal error",
	NotConfigured:        "not configured",
	RequestPending:       "request pending",
	RequestNotApplicable: "request not applicable",
	InvalidParameter:     "invalid parameter",
	UnsupportedFeature:   "unsupported feature",
	UnsupportedHW:        "unsupported hardware",
	GeneralError:         "error",
	Timeout:              "timeout",
}

func (e Error) Error() string {
	if int(e) < len(errorNames) {
		return "sdio: " + errorNames[e]
	}
	return fmt.Sprintf("sdio: unknown error %d", uint8(e))
}

func (e Error) String() string {
	if int(e) < len(errorNames) {
		return errorNames[e]
	}
	return fmt.Sprintf("Error(%d)", uint8(e))
}

// Code returns the driver error code carried by err.
// A nil error is OK; an error from outside the driver is GeneralError.
func Code(err error) Error {
	if err == nil {
		return OK
	}
	var e Error
	if errors.As(err, &e) {
		return e
	}
	return GeneralError
}

// R1 card status error bits, checked in this order
var cardStatusErrors = []struct {
	mask uint32
	code Error
}{
	{0x80000000, AddrOutOfRange},
	{0x40000000, AddrMisaligned},
	{0x20000000, BlockLenErr},
	{0x10000000, EraseSeqErr},
	{0x08000000, BadEraseParam},
	{0x04000000, WriteProtViolation},
	{0x01000000, LockUnlockFailed},
	{0x00800000, ComCRCFailed},
	{0x00400000, IllegalCmd},
	{0x00200000, CardECCFailed},
	{0x00100000, CCError},
	{0x00080000, GeneralUnknownError},
	{0x00040000, StreamReadUnderrun},
	{0x00020000, StreamWriteOverrun},
	{0x00010000, CIDCSDOverwrite},
	{0x00008000, WPEraseSkip},
	{0x00004000, CardECCDisabled},
	{0x00002000, EraseReset},
	{0x00000008, AKESeqError},
}

// isCardStatusError reports whether err carries a code raised from R1 status bits
func isCardStatusError(err error) bool {
	code := Code(err)
	for _, s := range cardStatusErrors {
		if s.code == code {
			return true
		}
	}
	return false
}

// CardStatusErrorBits is the union of all R1 error bits
const CardStatusErrorBits = 0xFDFFE008

// CardLocked is the R1 "card is locked" flag; it is a state, not an error
const CardLocked = 0x02000000

// CardStatusError maps an R1 card status word to the first error it reports
func CardStatusError(status uint32) error {
	if status&CardStatusErrorBits == 0 {
		return nil
	}
	for _, s := range cardStatusErrors {
		if status&s.mask != 0 {
			return s.code
		}
	}
	return GeneralUnknownError
}

// R6 published-RCA status bits
const (
	R6GeneralUnknownError = 0x2000
	R6IllegalCmd          = 0x4000
	R6ComCRCFailed        = 0x8000
)

// PublishedRCAError maps the status half of an R6 response
func PublishedRCAError(resp uint32) error {
	switch {
	case resp&R6GeneralUnknownError != 0:
		return GeneralUnknownError
	case resp&R6IllegalCmd != 0:
		return IllegalCmd
	case resp&R6ComCRCFailed != 0:
		return ComCRCFailed
	}
	return nil
}

// Op identifies the kind of operation that failed
type Op uint8

const (
	OpCommand Op = iota // Standalone command, idempotent
	OpRead              // Block read
	OpWrite             // Block write
)

// Recovery is the action a caller should take after a failed operation
type Recovery uint8

const (
	RecoverNone    Recovery = iota // No failure
	RecoverRetry                   // Reissue the same operation
	RecoverReset                   // Reinitialize the card before continuing
	RecoverAbandon                 // The request cannot succeed as issued
)

func (r Recovery) String() string {
	switch r {
	case RecoverNone:
		return "none"
	case RecoverRetry:
		return "retry"
	case RecoverReset:
		return "reset"
	case RecoverAbandon:
		return "abandon"
	}
	return fmt.Sprintf("Recovery(%d)", uint8(r))
}

// Recover classifies err for op.
// Command phase failures never started a data transfer and are safe to
// reissue. Data phase failures are retryable for reads only; a write that
// failed mid-block leaves the card contents undefined and requires a reset.
func Recover(err error, op Op) Recovery {
	if err == nil {
		return RecoverNone
	}
	switch Code(err) {
	case CmdCRCFail, CmdRspTimeout, ComCRCFailed:
		return RecoverRetry
	case DataCRCFail, DataTimeout, RxOverrun, TxUnderrun, StartBitErr:
		if op == OpWrite {
			return RecoverReset
		}
		return RecoverRetry
	case Timeout, CardECCFailed, CCError, GeneralUnknownError, InternalError, RequestPending:
		return RecoverReset
	}
	return RecoverAbandon
}
