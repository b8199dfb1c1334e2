package core

import (
	"bytes"
	"context"
	"testing"
)

func TestTransferArmsDMABeforeCommand(t *testing.T) {
	h, bus, dma := newTestHost()
	dma.fill = 0x5A

	buf := make([]byte, 2*BlockSize)
	err := h.TransferBlocks(context.Background(), TransferRequest{
		Command:     CmdReadMultiple,
		Arg:         8,
		Direction:   Read,
		BlockLength: BlockSize,
		BlockCount:  2,
		Buffer:      buf,
		AutoStop:    true,
	})
	if err != nil {
		t.Fatalf("TransferBlocks failed: %v", err)
	}

	start := bus.index("dma-start", 0)
	cmd := bus.index("w", RegCMD)
	if start < 0 || cmd < 0 || start > cmd {
		t.Errorf("Expected DMA start (%d) before command write (%d)", start, cmd)
	}
	// CTRL DMA enable must also precede the command
	enable := -1
	for i, a := range bus.trace {
		if a.op == "w" && a.off == RegCTRL && a.val&CtrlDMAEnable != 0 {
			enable = i
			break
		}
	}
	if enable < 0 || enable > cmd {
		t.Errorf("Expected DMA enable (%d) before command write (%d)", enable, cmd)
	}

	if dma.cfg.Direction != DMAPeriphToMem || dma.cfg.PeriphMode != DMANoChange ||
		dma.cfg.MemMode != DMAIncrement || dma.cfg.Width != DMAWidthWord || dma.cfg.Burst != DMABurst8 {
		t.Errorf("Unexpected DMA configuration %+v", dma.cfg)
	}
	if dma.cfg.LengthBytes != 2*BlockSize {
		t.Errorf("Expected %d bytes, got %d", 2*BlockSize, dma.cfg.LengthBytes)
	}
	if bus.regs[RegBLKSIZ] != BlockSize || bus.regs[RegBYTCNT] != 2*BlockSize {
		t.Errorf("Expected BLKSIZ %d BYTCNT %d, got %d %d", BlockSize, 2*BlockSize, bus.regs[RegBLKSIZ], bus.regs[RegBYTCNT])
	}
	if w := bus.writes(RegCMD)[0]; w&CmdAutoStop == 0 || w&CmdDataExpected == 0 || w&CmdWrite != 0 {
		t.Errorf("Expected auto stop read command, got 0x%08x", w)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x5A}, 2*BlockSize)) {
		t.Errorf("Expected buffer filled by DMA")
	}
	if dma.finished != 1 || dma.stopped != 0 {
		t.Errorf("Expected one finish and no stop, got %d/%d", dma.finished, dma.stopped)
	}
	if bus.regs[RegCTRL]&CtrlDMAEnable != 0 {
		t.Errorf("Expected DMA interface disabled after transfer")
	}
}

func TestTransferCommandErrorAborts(t *testing.T) {
	h, bus, dma := newTestHost()
	bus.cmdStatus = func(uint32) uint32 { return IntCmdDone | IntRespCRC }

	err := h.TransferBlocks(context.Background(), TransferRequest{
		Command:     CmdReadSingle,
		Direction:   Read,
		BlockLength: BlockSize,
		BlockCount:  1,
		Buffer:      make([]byte, BlockSize),
	})
	if Code(err) != CmdCRCFail {
		t.Fatalf("Expected CmdCRCFail, got %v", err)
	}
	if dma.stopped == 0 || dma.finished != 0 {
		t.Errorf("Expected DMA stopped without finish, got stop=%d finish=%d", dma.stopped, dma.finished)
	}
	// No data wait after a failed command: exactly one status poll
	reads := 0
	for _, a := range bus.trace {
		if a.op == "r" && a.off == RegRINTSTS {
			reads++
		}
	}
	if reads != 1 {
		t.Errorf("Expected a single RINTSTS read, got %d", reads)
	}
}

func TestTransferDataErrors(t *testing.T) {
	testCases := []struct {
		status   uint32
		dir      Direction
		expected Error
	}{
		{IntDataOver | IntDataCRC, Read, DataCRCFail},
		{IntDataTimeout, Read, DataTimeout},
		{IntFIFORun, Read, RxOverrun},
		{IntFIFORun, Write, TxUnderrun},
		{IntDataOver | IntStartBit, Read, StartBitErr},
		{IntDataOver | IntEndBit, Write, DataCRCFail},
	}

	for _, tc := range testCases {
		h, bus, dma := newTestHost()
		bus.dataStatus = tc.status

		cmd := uint8(CmdReadSingle)
		if tc.dir == Write {
			cmd = CmdWriteSingle
		}
		err := h.TransferBlocks(context.Background(), TransferRequest{
			Command:     cmd,
			Direction:   tc.dir,
			BlockLength: BlockSize,
			BlockCount:  1,
			Buffer:      make([]byte, BlockSize),
		})
		if Code(err) != tc.expected {
			t.Errorf("status 0x%x %v: expected %v, got %v", tc.status, tc.dir, tc.expected, err)
		}
		if dma.stopped == 0 {
			t.Errorf("status 0x%x: expected DMA stopped", tc.status)
		}
		if bus.regs[RegRINTSTS] != 0 {
			t.Errorf("status 0x%x: expected interrupts cleared, got 0x%x", tc.status, bus.regs[RegRINTSTS])
		}
	}
}

func TestTransferDataNeverCompletes(t *testing.T) {
	h, bus, _ := newTestHost()
	bus.dataStatus = 0

	err := h.TransferBlocks(context.Background(), TransferRequest{
		Command:     CmdReadSingle,
		Direction:   Read,
		BlockLength: BlockSize,
		BlockCount:  1,
		Buffer:      make([]byte, BlockSize),
	})
	if Code(err) != Timeout {
		t.Errorf("Expected Timeout, got %v", err)
	}
}

func TestTransferWriteWaitsForProgramming(t *testing.T) {
	h, bus, _ := newTestHost()
	bus.busyReads = 3

	err := h.TransferBlocks(context.Background(), TransferRequest{
		Command:     CmdWriteSingle,
		Direction:   Write,
		BlockLength: BlockSize,
		BlockCount:  1,
		Buffer:      make([]byte, BlockSize),
	})
	if err != nil {
		t.Fatalf("TransferBlocks failed: %v", err)
	}
	if bus.busyReads != 0 {
		t.Errorf("Expected busy polled until clear, %d left", bus.busyReads)
	}
	if bus.index("r", RegSTATUS) < bus.index("w", RegCMD) {
		t.Errorf("Expected busy poll after the command")
	}
}

func TestTransferRejectsBadRequests(t *testing.T) {
	h, _, _ := newTestHost()

	testCases := []struct {
		name     string
		req      TransferRequest
		expected Error
	}{
		{"zero blocks", TransferRequest{BlockLength: BlockSize, BlockCount: 0}, InvalidParameter},
		{"short buffer", TransferRequest{BlockLength: BlockSize, BlockCount: 2, Buffer: make([]byte, BlockSize)}, InvalidParameter},
		{"odd length", TransferRequest{BlockLength: 510, BlockCount: 1, Buffer: make([]byte, 510)}, BlockLenErr},
		{"sub-burst length", TransferRequest{BlockLength: 8, BlockCount: 1, Buffer: make([]byte, 8)}, BlockLenErr},
		{"too long", TransferRequest{BlockLength: 4096, BlockCount: 1, Buffer: make([]byte, 4096)}, BlockLenErr},
	}

	for _, tc := range testCases {
		err := h.TransferBlocks(context.Background(), tc.req)
		if Code(err) != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.expected, err)
		}
	}
}
