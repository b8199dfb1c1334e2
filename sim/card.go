package sim

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"sdio/core"
)

// CCSMode selects the capacity status the card reports in its OCR
type CCSMode uint8

const (
	CCSAuto  CCSMode = iota // Set for CSD version 2 and 3
	CCSSet                  // Always block addressed
	CCSClear                // Always byte addressed
)

const (
	ocrVoltageWindow = 0x00FF8000 // 2.7-3.6V
	defaultRCA       = 0xB368
)

// CardConfig describes the simulated card
type CardConfig struct {
	CSD          [4]uint32
	CID          core.CID // Zero value selects DefaultCID
	Version1     bool     // Card ignores CMD8
	CCS          CCSMode
	PowerUpPolls int  // ACMD41 replies reporting busy before power-up completes
	BusyReads    int  // STATUS reads reporting busy after R1b, writes and erase
	WriteProtect bool // Write protect switch
	RCA          uint16
}

// Card is the SD card state machine behind the simulated controller
type Card struct {
	mu sync.Mutex

	cfg     CardConfig
	storage Storage
	size    uint64
	rawCID  [4]uint32
	ccs     bool

	state    core.CardState
	appCmd   bool
	rca      uint16
	polls    int
	ocr      uint32
	blockLen uint32
	wide     bool
	busy     int
	pending  core.CardStatus

	xferAddr  int64
	xferWrite bool
	xferMulti bool

	eraseStart, eraseEnd int64
	eraseSeq             int
}

// reply is the card side of one command
type reply struct {
	resp   [4]uint32
	silent bool // No response on the CMD line
	data   bool // Data phase follows
}

// NewCard builds a card over storage. storage may be smaller than the
// capacity advertised by the CSD; missing blocks read as zero.
func NewCard(storage Storage, cfg CardConfig) (*Card, error) {
	csd, err := core.DecodeCSD(cfg.CSD)
	if err != nil {
		return nil, err
	}
	if cfg.CID == (core.CID{}) {
		cfg.CID = DefaultCID()
	}
	rawCID, err := cfg.CID.Raw()
	if err != nil {
		return nil, err
	}
	if cfg.RCA == 0 {
		cfg.RCA = defaultRCA
	}

	c := &Card{
		cfg:     cfg,
		storage: storage,
		size:    csd.Capacity(),
		rawCID:  rawCID,
	}
	switch cfg.CCS {
	case CCSAuto:
		c.ccs = csd.Common().Structure != core.CSDVersion1
	case CCSSet:
		c.ccs = true
	}
	c.powerCycle()
	return c, nil
}

// NewMemoryCard builds a card of the given size over in-memory storage
func NewMemoryCard(size uint64, cfg CardConfig) (*Card, *Memory, error) {
	csd, err := CSDForSize(size)
	if err != nil {
		return nil, nil, err
	}
	cfg.CSD = csd
	mem := NewMemory()
	card, err := NewCard(mem, cfg)
	return card, mem, err
}

// Size returns the capacity advertised by the CSD
func (c *Card) Size() uint64 {
	return c.size
}

// State returns the current card state
func (c *Card) State() core.CardState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wide reports whether ACMD6 selected the 4-bit bus
func (c *Card) Wide() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wide
}

// SetWriteProtect moves the write protect switch
func (c *Card) SetWriteProtect(wp bool) {
	c.mu.Lock()
	c.cfg.WriteProtect = wp
	c.mu.Unlock()
}

func (c *Card) writeProtected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.WriteProtect
}

// powerCycle returns the card to its power-on state
func (c *Card) powerCycle() {
	c.state = core.StateIdle
	c.appCmd = false
	c.rca = 0
	c.polls = 0
	c.ocr = ocrVoltageWindow
	c.blockLen = core.BlockSize
	c.wide = false
	c.busy = 0
	c.pending = core.CardStatus{}
	c.eraseSeq = 0
}

// tickBusy is one STATUS read; it reports whether DAT0 is held low
func (c *Card) tickBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy == 0 {
		return false
	}
	c.busy--
	if c.busy == 0 && c.state == core.StatePrg {
		c.state = core.StateTran
	}
	return true
}

// status builds the R1 word for the state the command was received in and
// clears the reported error bits
func (c *Card) status(state core.CardState) uint32 {
	cs := c.pending
	cs.CurrentState = uint32(state)
	if c.busy == 0 && state != core.StatePrg {
		cs.ReadyForData = 1
	}
	if c.appCmd {
		cs.AppCmd = 1
	}
	c.pending = core.CardStatus{}
	w, err := cs.Word()
	if err != nil {
		panic(fmt.Sprintf("sim: card status: %v", err))
	}
	return w
}

func (c *Card) r1(state core.CardState) reply {
	return reply{resp: [4]uint32{c.status(state)}}
}

func (c *Card) illegal() reply {
	c.pending.IllegalCommand = 1
	return reply{silent: true}
}

func (c *Card) addressed(arg uint32) bool {
	return uint16(arg>>16) == c.rca
}

// address converts a data command argument to a byte offset, recording
// address errors in the pending status
func (c *Card) address(arg uint32, blocks int64) (int64, bool) {
	off := int64(arg)
	if c.ccs {
		off *= core.BlockSize
	} else if off%core.BlockSize != 0 {
		c.pending.AddressError = 1
		return 0, false
	}
	if uint64(off+blocks*core.BlockSize) > c.size {
		c.pending.OutOfRange = 1
		return 0, false
	}
	return off, true
}

// command runs one command through the state machine
func (c *Card) command(index uint8, arg uint32) reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	app := c.appCmd
	c.appCmd = false
	if app {
		if r, ok := c.appCommand(index, arg); ok {
			return r
		}
	}

	state := c.state
	if c.busy > 0 && index != core.CmdSendStatus && index != core.CmdStopTransmission && index != core.CmdGoIdleState {
		return c.illegal()
	}

	switch index {
	case core.CmdGoIdleState:
		c.powerCycle()
		return reply{silent: true}

	case core.CmdSendIfCond:
		if c.cfg.Version1 || state != core.StateIdle {
			return c.illegal()
		}
		return reply{resp: [4]uint32{arg & 0xFFF}}

	case core.CmdAppCmd:
		if state != core.StateIdle && !c.addressed(arg) {
			return reply{silent: true}
		}
		c.appCmd = true
		return c.r1(state)

	case core.CmdAllSendCID:
		if state != core.StateReady {
			return c.illegal()
		}
		c.state = core.StateIdent
		return reply{resp: c.rawCID}

	case core.CmdSetRelAddr:
		if state != core.StateIdent && state != core.StateStby {
			return c.illegal()
		}
		c.rca = c.cfg.RCA
		c.state = core.StateStby
		r1 := c.status(state)
		r6 := uint32(c.rca)<<16 | r1&0x1FFF
		r6 |= (r1 >> 23 & 1) << 15
		r6 |= (r1 >> 22 & 1) << 14
		r6 |= (r1 >> 19 & 1) << 13
		return reply{resp: [4]uint32{r6}}

	case core.CmdSendCSD, core.CmdSendCID:
		if state != core.StateStby {
			return c.illegal()
		}
		if !c.addressed(arg) {
			return reply{silent: true}
		}
		if index == core.CmdSendCID {
			return reply{resp: c.rawCID}
		}
		return reply{resp: c.cfg.CSD}

	case core.CmdSelectCard:
		if !c.addressed(arg) {
			if state == core.StateTran || state == core.StateData {
				c.state = core.StateStby
			}
			return reply{silent: true}
		}
		if state != core.StateStby {
			return c.illegal()
		}
		c.state = core.StateTran
		c.busy = c.cfg.BusyReads
		return c.r1(state)

	case core.CmdSendStatus:
		if !c.addressed(arg) {
			return reply{silent: true}
		}
		return c.r1(state)

	case core.CmdSetBlockLen:
		if state != core.StateTran {
			return c.illegal()
		}
		if arg == 0 || arg > core.BlockSize {
			c.pending.BlockLenError = 1
		} else if !c.ccs {
			c.blockLen = arg
		}
		return c.r1(state)

	case core.CmdStopTransmission:
		return c.stop(state)

	case core.CmdReadSingle, core.CmdReadMultiple, core.CmdWriteSingle, core.CmdWriteMultiple:
		return c.startData(index, arg, state)

	case core.CmdEraseStart, core.CmdEraseEnd:
		if state != core.StateTran {
			return c.illegal()
		}
		if index == core.CmdEraseEnd && c.eraseSeq != 1 {
			c.pending.EraseSeqError = 1
			c.eraseSeq = 0
			return c.r1(state)
		}
		off, ok := c.address(arg, 1)
		if !ok {
			c.eraseSeq = 0
			return c.r1(state)
		}
		if index == core.CmdEraseStart {
			c.eraseStart, c.eraseSeq = off, 1
		} else {
			c.eraseEnd, c.eraseSeq = off, 2
		}
		return c.r1(state)

	case core.CmdErase:
		if state != core.StateTran {
			return c.illegal()
		}
		if c.eraseSeq != 2 || c.eraseEnd < c.eraseStart {
			c.pending.EraseSeqError = 1
			c.eraseSeq = 0
			return c.r1(state)
		}
		c.eraseSeq = 0
		if c.cfg.WriteProtect {
			c.pending.WPEraseSkip = 1
			return c.r1(state)
		}
		r := c.r1(state)
		if err := c.erase(c.eraseStart, c.eraseEnd); err != nil {
			c.pending.CCError = 1
		}
		c.state = core.StatePrg
		c.busy = c.cfg.BusyReads
		if c.busy == 0 {
			c.state = core.StateTran
		}
		return r
	}
	return c.illegal()
}

// appCommand handles the application commands; ok is false for indices
// that fall back to the regular command set
func (c *Card) appCommand(index uint8, arg uint32) (reply, bool) {
	state := c.state
	switch index {
	case core.AppCmdSendOpCond:
		if state != core.StateIdle {
			return c.illegal(), true
		}
		if arg&ocrVoltageWindow == 0 {
			// Inquiry: report the window without starting power-up
			return reply{resp: [4]uint32{c.ocr}}, true
		}
		if c.polls < c.cfg.PowerUpPolls {
			c.polls++
			return reply{resp: [4]uint32{c.ocr}}, true
		}
		// High capacity cards stay busy until the host sets HCS
		if c.ccs && arg&core.OCRHighCapacity == 0 {
			return reply{resp: [4]uint32{c.ocr}}, true
		}
		c.ocr |= core.OCRPowerUpDone
		if c.ccs {
			c.ocr |= core.OCRHighCapacity
		}
		c.state = core.StateReady
		return reply{resp: [4]uint32{c.ocr}}, true

	case core.AppCmdSetBusWidth:
		if state != core.StateTran {
			return c.illegal(), true
		}
		c.appCmd = true // APP_CMD is reported in the ACMD's own status
		switch arg & 3 {
		case 0:
			c.wide = false
		case 2:
			c.wide = true
		default:
			c.appCmd = false
			return c.illegal(), true
		}
		r := c.r1(state)
		c.appCmd = false
		return r, true
	}
	return reply{}, false
}

func (c *Card) startData(index uint8, arg uint32, state core.CardState) reply {
	if state != core.StateTran {
		return c.illegal()
	}
	write := index == core.CmdWriteSingle || index == core.CmdWriteMultiple
	multi := index == core.CmdReadMultiple || index == core.CmdWriteMultiple

	off, ok := c.address(arg, 1)
	if ok && write && c.cfg.WriteProtect {
		c.pending.WPViolation = 1
		ok = false
	}
	if !ok {
		return c.r1(state)
	}

	c.xferAddr, c.xferWrite, c.xferMulti = off, write, multi
	if write {
		c.state = core.StateRcv
	} else {
		c.state = core.StateData
	}
	r := c.r1(state)
	r.data = true
	return r
}

// stop ends an open-ended transfer (CMD12)
func (c *Card) stop(state core.CardState) reply {
	switch state {
	case core.StateData:
		c.state = core.StateTran
	case core.StateRcv:
		c.state = core.StatePrg
		c.busy = c.cfg.BusyReads
		if c.busy == 0 {
			c.state = core.StateTran
		}
	default:
		return c.illegal()
	}
	return c.r1(state)
}

// autoStop is the controller-issued CMD12 after the last block
func (c *Card) autoStop() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop(c.state).resp[0]
}

// abortData drops an accepted data phase that never ran
func (c *Card) abortData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateData || c.state == core.StateRcv {
		c.state = core.StateTran
	}
}

// failData ends a data phase that did not complete on the bus. A single
// block command is over; a multiple block command still waits for CMD12.
func (c *Card) failData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.xferMulti && (c.state == core.StateData || c.state == core.StateRcv) {
		c.state = core.StateTran
	}
}

// transfer runs the data phase of the accepted data command over buf
func (c *Card) transfer(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(buf)%core.BlockSize != 0 {
		return fmt.Errorf("data phase of %d bytes", len(buf))
	}
	if !c.xferMulti && len(buf) != core.BlockSize {
		return fmt.Errorf("single block command with %d bytes", len(buf))
	}
	if uint64(c.xferAddr)+uint64(len(buf)) > c.size {
		c.pending.OutOfRange = 1
		return fmt.Errorf("data phase beyond card end")
	}

	var err error
	if c.xferWrite {
		_, err = c.storage.WriteAt(buf, c.xferAddr)
	} else {
		var n int
		n, err = c.storage.ReadAt(buf, c.xferAddr)
		if errors.Is(err, io.EOF) {
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
			err = nil
		}
	}
	if err != nil {
		return err
	}

	if !c.xferMulti {
		if c.xferWrite {
			c.state = core.StatePrg
			c.busy = c.cfg.BusyReads
			if c.busy == 0 {
				c.state = core.StateTran
			}
		} else {
			c.state = core.StateTran
		}
	}
	return nil
}

func (c *Card) erase(first, last int64) error {
	zero := make([]byte, core.BlockSize)
	for off := first; off <= last; off += core.BlockSize {
		if _, err := c.storage.WriteAt(zero, off); err != nil {
			return fmt.Errorf("erase at %d: %w", off, err)
		}
	}
	return nil
}
