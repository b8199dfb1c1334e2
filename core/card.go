package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Card is the single-owner driver context for one card on one controller.
// Every operation that touches the controller holds mu, so at most one
// command or transfer is in flight. The Card Info snapshot is written once
// per insertion and read under infoMu.
type Card struct {
	mu   sync.Mutex
	host *Host
	cfg  Config
	log  logr.Logger
	obs  Observer

	infoMu sync.RWMutex
	info   CardInfo
}

// NewCard creates the driver context for a controller and its DMA channel
func NewCard(bus RegisterBus, dma DMAChannel, opts ...Option) *Card {
	o := buildOptions(opts)
	return &Card{
		host: newHost(bus, dma, o),
		cfg:  o.cfg,
		log:  o.log.WithName("card"),
		obs:  o.obs,
	}
}

// Host returns the underlying controller driver. Callers using it directly
// must not run concurrently with Card operations.
func (c *Card) Host() *Host {
	return c.host
}

// GetCardInfo returns the current card descriptor; the zero CardInfo
// (Valid false, TierUndefined) when no card is initialized
func (c *Card) GetCardInfo() CardInfo {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info
}

func (c *Card) setInfo(info CardInfo) {
	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()
}

// Invalidate drops the card descriptor, as on card removal
func (c *Card) Invalidate() {
	c.infoMu.Lock()
	was := c.info.Valid
	c.info = CardInfo{}
	c.infoMu.Unlock()
	if was {
		c.log.Info("card info invalidated")
		c.obs.CardChanged(false)
	}
}

// IsCardPresent polls card detect; observing no card invalidates Card Info
func (c *Card) IsCardPresent() bool {
	c.mu.Lock()
	present := c.host.CardPresent()
	c.mu.Unlock()
	if !present {
		c.Invalidate()
	}
	return present
}

// CardEvent is the outcome of one card-detect poll
type CardEvent uint8

const (
	CardUnchanged CardEvent = iota
	CardInserted            // A card was identified
	CardRemoved
	CardSwapped // A different card answered after identification
)

func (e CardEvent) String() string {
	switch e {
	case CardUnchanged:
		return "unchanged"
	case CardInserted:
		return "inserted"
	case CardRemoved:
		return "removed"
	case CardSwapped:
		return "swapped"
	}
	return fmt.Sprintf("CardEvent(%d)", uint8(e))
}

// Poll samples card detect and keeps Card Info in step with the slot.
// A present card that stops answering CMD13 is identified again, and its
// VolumeID tells a replaced card from the same one. Error bits in the status
// of a card that did answer leave it in place.
func (c *Card) Poll(ctx context.Context) (CardEvent, error) {
	prev := c.GetCardInfo()
	if !c.IsCardPresent() {
		if prev.Valid {
			return CardRemoved, nil
		}
		return CardUnchanged, nil
	}
	if prev.Valid {
		_, err := c.Status(ctx)
		switch {
		case err == nil:
			return CardUnchanged, nil
		case isCardStatusError(err):
			c.log.V(1).Info("card status reports an error", "err", err.Error())
			return CardUnchanged, nil
		case !stoppedAnswering(err):
			return CardUnchanged, err
		}
		c.log.Info("card stopped answering, identifying again", "volume", prev.VolumeID().String())
	}

	if err := c.Initialize(ctx); err != nil {
		return CardUnchanged, err
	}
	if prev.Valid && c.GetCardInfo().VolumeID() != prev.VolumeID() {
		return CardSwapped, nil
	}
	return CardInserted, nil
}

// stoppedAnswering reports whether err means no response reached the host
func stoppedAnswering(err error) bool {
	switch Code(err) {
	case CmdRspTimeout, Timeout:
		return true
	}
	return false
}

// Initialize powers the card up, runs the identification sequence and
// switches to the transfer clock
func (c *Card) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Invalidate()
	info, err := c.initialize(ctx)
	if err != nil {
		c.log.Error(err, "card initialization failed")
		return err
	}
	c.setInfo(info)
	c.log.Info("card initialized", "tier", info.Tier.String(), "size", info.DeviceSize,
		"rca", info.RCA, "rateKHz", info.TransferRateKHz, "product", info.CID.ProductName())
	c.obs.CardChanged(true)
	return nil
}

func (c *Card) initialize(ctx context.Context) (CardInfo, error) {
	h := c.host
	if !h.CardPresent() {
		return CardInfo{}, fmt.Errorf("no card inserted: %w", RequestNotApplicable)
	}
	if err := h.Reset(ctx); err != nil {
		return CardInfo{}, err
	}
	h.PowerOn()
	if err := h.ConfigureClock(ctx, c.cfg.InitClockKHz, false); err != nil {
		return CardInfo{}, err
	}

	// CMD0 has no response; a failure here shows up in CMD8/ACMD41
	_ = h.Exec(ctx, Command{Index: CmdGoIdleState, Response: RespNone, InitSeq: true}, nil)

	var specVersion uint8 = 1
	resp, err := h.ExecuteCommand(ctx, CmdSendIfCond, CheckPattern, RespR7)
	if err == nil {
		if resp.Short()&0xFFF != CheckPattern {
			return CardInfo{}, fmt.Errorf("CMD8 echo 0x%03x: %w", resp.Short()&0xFFF, InvalidVoltRange)
		}
		specVersion = 2
	}

	ocr, err := c.powerUp(ctx, specVersion)
	if err != nil {
		return CardInfo{}, err
	}

	cid, err := h.ExecuteCommand(ctx, CmdAllSendCID, 0, RespR2)
	if err != nil {
		return CardInfo{}, err
	}

	r6, err := h.ExecuteCommand(ctx, CmdSetRelAddr, 0, RespR6)
	if err != nil {
		return CardInfo{}, err
	}
	if err := PublishedRCAError(r6.Short()); err != nil {
		return CardInfo{}, fmt.Errorf("CMD3: %w", err)
	}
	rca := uint16(r6.Short() >> 16)

	csd, err := h.ExecuteCommand(ctx, CmdSendCSD, uint32(rca)<<16, RespR2)
	if err != nil {
		return CardInfo{}, err
	}

	info, err := DecodeCardInfo(cid, csd)
	if err != nil {
		return CardInfo{}, err
	}
	info.SpecVersion = specVersion
	info.RCA = rca
	info.CardStatus = uint16(r6.Short())
	info.HighCapacity = ocr&OCRHighCapacity != 0

	if err := c.command(ctx, Command{Index: CmdSelectCard, Arg: uint32(rca) << 16, Response: RespR1b}); err != nil {
		return CardInfo{}, err
	}

	if !info.HighCapacity {
		if err := c.command(ctx, Command{Index: CmdSetBlockLen, Arg: BlockSize, Response: RespR1}); err != nil {
			return CardInfo{}, err
		}
	}

	if c.cfg.WideBus {
		if err := c.appCommand(ctx, rca, Command{Index: AppCmdSetBusWidth, Arg: 2, Response: RespR1}); err != nil {
			return CardInfo{}, err
		}
	}

	rate := info.TransferRateKHz
	if rate == 0 {
		rate = c.cfg.DefaultClockKHz
	}
	if c.cfg.MaxClockKHz != 0 && rate > c.cfg.MaxClockKHz {
		rate = c.cfg.MaxClockKHz
	}
	if err := h.ConfigureClock(ctx, rate, c.cfg.WideBus); err != nil {
		return CardInfo{}, err
	}

	info.Valid = true
	return info, nil
}

// powerUp repeats ACMD41 until the card leaves the busy state and returns the OCR
func (c *Card) powerUp(ctx context.Context, specVersion uint8) (uint32, error) {
	arg := uint32(VoltageWindowSD)
	if specVersion >= 2 {
		arg |= OCRHighCapacity
	}

	var ocr uint32
	for try := 0; try < c.cfg.ACMD41Attempts; try++ {
		// The R1 of this CMD55 may still flag CMD8 as illegal on v1 cards
		if _, err := c.host.ExecuteCommand(ctx, CmdAppCmd, 0, RespR1); err != nil {
			return 0, err
		}
		resp, err := c.host.ExecuteCommand(ctx, AppCmdSendOpCond, arg, RespR3)
		if err != nil {
			return 0, err
		}
		ocr = resp.Short()
		if ocr&OCRPowerUpDone != 0 {
			return ocr, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("ACMD41: %v: %w", err, Timeout)
		}
	}
	return 0, fmt.Errorf("power up failed after %d tries, OCR 0x%08x: %w",
		c.cfg.ACMD41Attempts, ocr, InvalidVoltRange)
}

// command runs a command with an R1/R1b response and checks the card status
func (c *Card) command(ctx context.Context, cmd Command) error {
	var resp Response
	if err := c.host.Exec(ctx, cmd, &resp); err != nil {
		return err
	}
	return checkR1(cmd, resp)
}

// appCommand prefixes cmd with CMD55
func (c *Card) appCommand(ctx context.Context, rca uint16, cmd Command) error {
	if err := c.command(ctx, Command{Index: CmdAppCmd, Arg: uint32(rca) << 16, Response: RespR1}); err != nil {
		return err
	}
	return c.command(ctx, cmd)
}

// SetBusWidth switches the card and controller between 1-bit and 4-bit
func (c *Card) SetBusWidth(ctx context.Context, wide bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := c.GetCardInfo()
	if !info.Valid {
		return NotConfigured
	}
	var arg uint32
	if wide {
		arg = 2
	}
	if err := c.appCommand(ctx, info.RCA, Command{Index: AppCmdSetBusWidth, Arg: arg, Response: RespR1}); err != nil {
		return err
	}
	ctype := uint32(BusWidth1)
	if wide {
		ctype = BusWidth4
	}
	c.host.bus.Write32(RegCTYPE, ctype)
	c.host.wide = wide
	return nil
}

// Status reads the card status register (CMD13)
func (c *Card) Status(ctx context.Context) (CardStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := c.GetCardInfo()
	if !info.Valid {
		return CardStatus{}, NotConfigured
	}
	cmd := Command{Index: CmdSendStatus, Arg: uint32(info.RCA) << 16, Response: RespR1}
	var resp Response
	if err := c.host.Exec(ctx, cmd, &resp); err != nil {
		return CardStatus{}, err
	}
	cs, err := DecodeCardStatus(resp.Short())
	if err != nil {
		return CardStatus{}, fmt.Errorf("%v: %w", err, InternalError)
	}
	return cs, checkR1(cmd, resp)
}

// PowerOff stops the clock, removes power and invalidates Card Info
func (c *Card) PowerOff(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Invalidate()
	return c.host.PowerOff(ctx)
}

// address converts a block index to the command argument for this card
func (info CardInfo) address(lba uint32) uint32 {
	if info.HighCapacity {
		return lba
	}
	return lba * BlockSize
}

func (c *Card) checkRange(info CardInfo, lba uint32, count int, buf []byte) error {
	if !info.Valid {
		return NotConfigured
	}
	if count < 1 || len(buf) != count*BlockSize {
		return fmt.Errorf("%d blocks with %d byte buffer: %w", count, len(buf), InvalidParameter)
	}
	if uint64(lba)+uint64(count) > info.Blocks() {
		return fmt.Errorf("blocks %d+%d beyond %d: %w", lba, count, info.Blocks(), AddrOutOfRange)
	}
	return nil
}

// ReadBlocks reads count 512-byte blocks starting at block index lba
func (c *Card) ReadBlocks(ctx context.Context, lba uint32, count int, buf []byte) error {
	return c.blocks(ctx, Read, lba, count, buf)
}

// WriteBlocks writes count 512-byte blocks starting at block index lba
func (c *Card) WriteBlocks(ctx context.Context, lba uint32, count int, buf []byte) error {
	return c.blocks(ctx, Write, lba, count, buf)
}

func (c *Card) blocks(ctx context.Context, dir Direction, lba uint32, count int, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := c.GetCardInfo()
	if err := c.checkRange(info, lba, count, buf); err != nil {
		return err
	}
	if dir == Write && c.host.WriteProtected() {
		return fmt.Errorf("write protect switch: %w", WriteProtViolation)
	}

	chunk := c.cfg.MaxBlocksPerTransfer
	if chunk < 1 {
		chunk = 1
	}
	for done := 0; done < count; {
		n := count - done
		if n > chunk {
			n = chunk
		}
		req := TransferRequest{
			Command:     transferCommand(dir, n),
			Arg:         info.address(lba + uint32(done)),
			Direction:   dir,
			BlockLength: BlockSize,
			BlockCount:  n,
			Buffer:      buf[done*BlockSize : (done+n)*BlockSize],
			AutoStop:    n > 1,
		}
		if err := c.transfer(ctx, req); err != nil {
			c.log.Error(err, "block transfer failed", "dir", dir.String(), "lba", lba+uint32(done), "blocks", n)
			return err
		}
		done += n
	}
	return nil
}

func transferCommand(dir Direction, n int) uint8 {
	switch {
	case dir == Read && n == 1:
		return CmdReadSingle
	case dir == Read:
		return CmdReadMultiple
	case n == 1:
		return CmdWriteSingle
	}
	return CmdWriteMultiple
}

// transfer applies the configured read retries
func (c *Card) transfer(ctx context.Context, req TransferRequest) error {
	op := OpRead
	if req.Direction == Write {
		op = OpWrite
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = c.host.TransferBlocks(ctx, req)
		if err == nil || op != OpRead || attempt >= c.cfg.ReadRetries || Recover(err, op) != RecoverRetry {
			return err
		}
		c.log.V(1).Info("retrying read", "arg", req.Arg, "attempt", attempt+1, "err", err.Error())
	}
}

// Erase erases blocks first..last inclusive (CMD32/CMD33/CMD38)
func (c *Card) Erase(ctx context.Context, first, last uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := c.GetCardInfo()
	if !info.Valid {
		return NotConfigured
	}
	if last < first || uint64(last) >= info.Blocks() {
		return fmt.Errorf("erase %d..%d of %d blocks: %w", first, last, info.Blocks(), BadEraseParam)
	}
	if c.host.WriteProtected() {
		return fmt.Errorf("write protect switch: %w", WriteProtViolation)
	}

	if err := c.command(ctx, Command{Index: CmdEraseStart, Arg: info.address(first), Response: RespR1}); err != nil {
		return err
	}
	if err := c.command(ctx, Command{Index: CmdEraseEnd, Arg: info.address(last), Response: RespR1}); err != nil {
		return err
	}

	cmd := Command{Index: CmdErase, Response: RespR1}
	if err := c.command(ctx, cmd); err != nil {
		return err
	}
	// CMD38 busy can far exceed the normal R1b budget
	if err := c.host.waitBusy(ctx, c.cfg.ErasePoll); err != nil {
		return err
	}
	// Failures during the erase itself show in the following status
	return c.command(ctx, Command{Index: CmdSendStatus, Arg: uint32(info.RCA) << 16, Response: RespR1})
}
