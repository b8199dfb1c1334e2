package core

// SDIO host controller register map
// DesignWare mobile storage host as integrated in the MH1903 (SDIO_TypeDef)

// Register offsets from the controller base
const (
	RegCTRL    = 0x00 // Control
	RegPWREN   = 0x04 // Power enable
	RegCLKDIV  = 0x08 // Clock divider
	RegCLKSRC  = 0x0C // Clock source
	RegCLKENA  = 0x10 // Clock enable
	RegTMOUT   = 0x14 // Data/response timeout
	RegCTYPE   = 0x18 // Card bus width
	RegBLKSIZ  = 0x1C // Block size
	RegBYTCNT  = 0x20 // Byte count
	RegINTMASK = 0x24 // Interrupt mask
	RegCMDARG  = 0x28 // Command argument
	RegCMD     = 0x2C // Command
	RegRESP0   = 0x30 // Response 0
	RegRESP1   = 0x34 // Response 1
	RegRESP2   = 0x38 // Response 2
	RegRESP3   = 0x3C // Response 3
	RegMINTSTS = 0x40 // Masked interrupt status
	RegRINTSTS = 0x44 // Raw interrupt status (write 1 to clear)
	RegSTATUS  = 0x48 // Status
	RegFIFOTH  = 0x4C // FIFO threshold / DMA burst
	RegCDETECT = 0x50 // Card detect (active low)
	RegWRTPRT  = 0x54 // Write protect
	RegTCBCNT  = 0x5C // Transferred CIU byte count
	RegTBBCNT  = 0x60 // Transferred host/DMA byte count
	RegDEBNCE  = 0x64 // Card detect debounce
	RegFIFO    = 0x200
)

// CTRL bits
const (
	CtrlControllerReset = 1 << 0
	CtrlFIFOReset       = 1 << 1
	CtrlDMAReset        = 1 << 2
	CtrlIntEnable       = 1 << 4 // Global interrupt enable
	CtrlDMAEnable       = 1 << 5

	CtrlResetAll = CtrlControllerReset | CtrlFIFOReset | CtrlDMAReset
)

// CLKENA bits
const (
	ClkEnable   = 1 << 0
	ClkLowPower = 1 << 16
)

// CTYPE values
const (
	BusWidth1 = 0x0
	BusWidth4 = 0x1
	BusWidth8 = 0x10000
)

// Interrupt bits, shared by INTMASK, MINTSTS and RINTSTS
const (
	IntCardDetect  = 1 << 0  // Card detect
	IntRespErr     = 1 << 1  // Response error
	IntCmdDone     = 1 << 2  // Command done
	IntDataOver    = 1 << 3  // Data transfer over
	IntTxDataReq   = 1 << 4  // Transmit FIFO data request
	IntRxDataReq   = 1 << 5  // Receive FIFO data request
	IntRespCRC     = 1 << 6  // Response CRC error
	IntDataCRC     = 1 << 7  // Data CRC error
	IntRespTimeout = 1 << 8  // Response timeout
	IntDataTimeout = 1 << 9  // Data read timeout
	IntHostTimeout = 1 << 10 // Data starvation by host timeout / volt switch
	IntFIFORun     = 1 << 11 // FIFO underrun/overrun
	IntHWLocked    = 1 << 12 // Hardware locked write error
	IntStartBit    = 1 << 13 // Start bit error
	IntAutoCmdDone = 1 << 14 // Auto command done
	IntEndBit      = 1 << 15 // End bit error (read) / write no CRC
	IntAll         = 0xFFFF
	IntSDIO        = 1 << 16 // SDIO card interrupt

	// Errors observable during the command phase
	IntCmdErrors = IntRespErr | IntRespCRC | IntRespTimeout | IntHWLocked

	// Errors observable during the data phase
	IntDataErrors = IntDataCRC | IntDataTimeout | IntHostTimeout | IntFIFORun | IntStartBit | IntEndBit
)

// STATUS bits
const (
	StatusRxWatermark = 1 << 0
	StatusTxWatermark = 1 << 1
	StatusFIFOEmpty   = 1 << 2
	StatusFIFOFull    = 1 << 3
	StatusCardPresent = 1 << 8  // DAT3 level
	StatusDataBusy    = 1 << 9  // Card busy (DAT0 low)
	StatusDataSMBusy  = 1 << 10 // Data state machine busy

	StatusRespIndexPos  = 11
	StatusRespIndexMask = 0x3F
	StatusFIFOCountPos  = 17
	StatusFIFOCountMask = 0x1FFF
)

// CMD register bits (see CommandWord for the packed layout)
const (
	CmdStart        = 1 << 31
	CmdUseHoldReg   = 1 << 29
	CmdUpdateClock  = 1 << 21
	CmdSendInit     = 1 << 15
	CmdStopAbort    = 1 << 14
	CmdWaitPrevData = 1 << 13
	CmdAutoStop     = 1 << 12
	CmdWrite        = 1 << 10
	CmdDataExpected = 1 << 9
	CmdCheckCRC     = 1 << 8
	CmdRespLong     = 1 << 7
	CmdRespExpect   = 1 << 6
	CmdIndexMask    = 0x3F
)

// TMOUT layout
const (
	TimeoutDataPos = 8
	TimeoutRespMax = 0xFF
	TimeoutDataMax = 0xFFFFFF
)

// CDETECT / WRTPRT
const (
	CardDetectN  = 1 << 0 // Low when a card is inserted
	WriteProtect = 1 << 0
)

// FIFO geometry
const (
	FIFODepth      = 16 // 32-bit words
	FIFOTxWmarkMin = 1
	FIFOTxWmarkMax = 15
	FIFORxWmarkMin = 0
	FIFORxWmarkMax = 14
)

// MH1903 memory map
const (
	PeriphBase = 0x40000000
	AHBBase    = PeriphBase
	APB0Base   = PeriphBase + 0x10000
	APB3Base   = PeriphBase + 0x40000

	SDIOBase = APB3Base + 0xE000
	DMABase  = AHBBase + 0x0800
)

// SD block size fixed by the physical layer for SDHC and later
const BlockSize = 512

// SD command indices
const (
	CmdGoIdleState      = 0
	CmdAllSendCID       = 2
	CmdSetRelAddr       = 3
	CmdSelectCard       = 7
	CmdSendIfCond       = 8
	CmdSendCSD          = 9
	CmdSendCID          = 10
	CmdStopTransmission = 12
	CmdSendStatus       = 13
	CmdSetBlockLen      = 16
	CmdReadSingle       = 17
	CmdReadMultiple     = 18
	CmdSetBlockCount    = 23
	CmdWriteSingle      = 24
	CmdWriteMultiple    = 25
	CmdEraseStart       = 32
	CmdEraseEnd         = 33
	CmdErase            = 38
	CmdAppCmd           = 55

	AppCmdSetBusWidth = 6
	AppCmdSendOpCond  = 41
)

// OCR / operating condition constants
const (
	OCRPowerUpDone  = 1 << 31
	OCRHighCapacity = 1 << 30

	VoltageWindowSD = 0x80100000
	CheckPattern    = 0x1AA
)
