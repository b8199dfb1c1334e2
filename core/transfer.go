package core

import (
	"context"
	"fmt"
	"time"
)

// Direction of a block transfer
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Largest block length an SD card can advertise (READ_BL_LEN 11)
const MaxBlockLength = 2048

// TransferRequest describes one DMA block transfer
type TransferRequest struct {
	Command     uint8
	Arg         uint32
	Direction   Direction
	BlockLength int
	BlockCount  int
	Buffer      []byte
	AutoStop    bool // Let the controller send CMD12 after the last block
}

func (r TransferRequest) validate(burst DMABurst) error {
	if r.BlockCount < 1 {
		return fmt.Errorf("block count %d: %w", r.BlockCount, InvalidParameter)
	}
	if r.BlockLength <= 0 || r.BlockLength > MaxBlockLength || r.BlockLength%4 != 0 {
		return fmt.Errorf("block length %d: %w", r.BlockLength, BlockLenErr)
	}
	if r.BlockLength%(4*burst.Words()) != 0 {
		return fmt.Errorf("block length %d not a multiple of the %d-word burst: %w",
			r.BlockLength, burst.Words(), BlockLenErr)
	}
	if len(r.Buffer) != r.BlockLength*r.BlockCount {
		return fmt.Errorf("buffer %d bytes for %d x %d: %w",
			len(r.Buffer), r.BlockCount, r.BlockLength, InvalidParameter)
	}
	return nil
}

// TransferBlocks moves BlockCount blocks between Buffer and the card.
// The DMA channel is armed and the controller's DMA interface enabled before
// the command is written. Writes additionally wait for the card to finish
// programming before returning.
func (h *Host) TransferBlocks(ctx context.Context, req TransferRequest) error {
	start := time.Now()
	err := h.transfer(ctx, req)
	h.obs.TransferDone(req.Direction == Write, req.BlockCount, err, time.Since(start))
	if err != nil {
		h.log.V(1).Info("transfer failed", "cmd", req.Command, "arg", req.Arg,
			"dir", req.Direction.String(), "blocks", req.BlockCount, "err", err.Error())
	}
	return err
}

func (h *Host) transfer(ctx context.Context, req TransferRequest) error {
	if err := req.validate(h.cfg.DMABurst); err != nil {
		return err
	}
	if err := h.busFault(); err != nil {
		return err
	}
	total := req.BlockLength * req.BlockCount

	h.setCtrl(CtrlFIFOReset, 0)
	err := poll(ctx, h.cfg.ClockPoll, func() bool {
		return h.bus.Read32(RegCTRL)&CtrlFIFOReset == 0
	})
	if err != nil {
		return fmt.Errorf("fifo reset: %w", err)
	}

	h.bus.Write32(RegBLKSIZ, uint32(req.BlockLength))
	h.bus.Write32(RegBYTCNT, uint32(total))

	dir := DMAPeriphToMem
	if req.Direction == Write {
		dir = DMAMemToPeriph
	}
	err = h.dma.Configure(DMAConfig{
		Direction:   dir,
		PeriphAddr:  RegFIFO,
		PeriphMode:  DMANoChange,
		MemMode:     DMAIncrement,
		Width:       DMAWidthWord,
		Burst:       h.cfg.DMABurst,
		LengthBytes: total,
	})
	if err != nil {
		return fmt.Errorf("dma configure: %v: %w", err, InternalError)
	}
	if err := h.dma.Start(req.Buffer); err != nil {
		h.dma.Stop()
		return fmt.Errorf("dma start: %v: %w", err, InternalError)
	}
	h.setCtrl(CtrlDMAEnable, 0)

	cmd := Command{
		Index:    req.Command,
		Arg:      req.Arg,
		Response: RespR1,
		Data:     true,
		Write:    req.Direction == Write,
		AutoStop: req.AutoStop && req.BlockCount > 1,
	}
	var resp Response
	if err := h.Exec(ctx, cmd, &resp); err != nil {
		h.abortData()
		return err
	}
	if err := checkR1(cmd, resp); err != nil {
		h.abortData()
		return err
	}

	var status uint32
	err = poll(ctx, h.cfg.DataPoll, func() bool {
		status = h.bus.Read32(RegRINTSTS)
		return status&(IntDataOver|IntDataErrors) != 0
	})
	if err != nil {
		h.abortData()
		h.stopTransmission(ctx, cmd)
		return fmt.Errorf("%v data: %w", cmd, err)
	}
	if code := dataError(status, req.Direction); code != OK {
		h.abortData()
		h.stopTransmission(ctx, cmd)
		return fmt.Errorf("%v data: %w", cmd, code)
	}

	if cmd.AutoStop {
		err = poll(ctx, h.cfg.CommandPoll, func() bool {
			return h.bus.Read32(RegRINTSTS)&IntAutoCmdDone != 0
		})
		if err != nil {
			h.abortData()
			return fmt.Errorf("%v auto stop: %w", cmd, err)
		}
	}
	h.clearInterrupts(IntDataOver | IntAutoCmdDone | IntTxDataReq | IntRxDataReq)

	err = h.dma.Finish()
	h.setCtrl(0, CtrlDMAEnable)
	if err != nil {
		return fmt.Errorf("dma finish: %v: %w", err, InternalError)
	}

	if req.Direction == Write {
		if err := h.waitBusy(ctx, h.cfg.BusyPoll); err != nil {
			return fmt.Errorf("%v programming: %w", cmd, err)
		}
	}
	return nil
}

// dataError maps the raw interrupt status of a finished data phase
func dataError(status uint32, dir Direction) Error {
	switch {
	case status&IntDataCRC != 0:
		return DataCRCFail
	case status&IntDataTimeout != 0:
		return DataTimeout
	case status&(IntFIFORun|IntHostTimeout) != 0:
		if dir == Write {
			return TxUnderrun
		}
		return RxOverrun
	case status&IntStartBit != 0:
		return StartBitErr
	case status&IntEndBit != 0:
		return DataCRCFail
	}
	return OK
}

// abortData tears down DMA after a failed transfer
func (h *Host) abortData() {
	h.dma.Stop()
	h.setCtrl(CtrlFIFOReset, CtrlDMAEnable)
	h.clearInterrupts(IntAll)
}

// stopTransmission sends CMD12 after a failed multi-block transfer.
// Errors are ignored: the caller already reports the transfer failure.
func (h *Host) stopTransmission(ctx context.Context, cmd Command) {
	if cmd.Index != CmdReadMultiple && cmd.Index != CmdWriteMultiple {
		return
	}
	_ = h.Exec(ctx, Command{Index: CmdStopTransmission, Response: RespR1b, Abort: true}, nil)
}
