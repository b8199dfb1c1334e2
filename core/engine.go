package core

import (
	"context"
	"fmt"
	"time"
)

// ExecuteCommand issues a command without a data phase and returns its response
func (h *Host) ExecuteCommand(ctx context.Context, index uint8, arg uint32, rt ResponseType) (Response, error) {
	var resp Response
	err := h.Exec(ctx, Command{Index: index, Arg: arg, Response: rt}, &resp)
	return resp, err
}

// Exec issues cmd and waits for the controller to report command done.
// resp is written only when the command completed without a controller
// error; it may be nil when the caller does not need the response.
func (h *Host) Exec(ctx context.Context, cmd Command, resp *Response) error {
	start := time.Now()
	err := h.exec(ctx, cmd, resp)
	h.obs.CommandDone(cmd.Index, err, time.Since(start))
	if err != nil {
		h.log.V(1).Info("command failed", "cmd", cmd.Index, "arg", cmd.Arg, "err", err.Error())
	} else {
		h.log.V(2).Info("command done", "cmd", cmd.Index, "arg", cmd.Arg)
	}
	return err
}

func (h *Host) exec(ctx context.Context, cmd Command, resp *Response) error {
	w, err := cmd.Word()
	if err != nil {
		return err
	}
	word, err := w.Encode()
	if err != nil {
		return fmt.Errorf("%v: %v: %w", cmd, err, InternalError)
	}

	// Argument first: the controller latches CMDARG when the start bit is written
	h.bus.Write32(RegCMDARG, cmd.Arg)
	h.bus.Write32(RegCMD, word)

	var status uint32
	err = poll(ctx, h.cfg.CommandPoll, func() bool {
		status = h.bus.Read32(RegRINTSTS)
		return status&(IntCmdDone|IntCmdErrors) != 0
	})
	if err != nil {
		h.clearInterrupts(IntAll)
		if ferr := h.busFault(); ferr != nil {
			return fmt.Errorf("%v: %w", cmd, ferr)
		}
		return fmt.Errorf("%v: %w", cmd, err)
	}

	// Classify before acknowledging anything
	if code := commandError(status, cmd.Response); code != OK {
		h.clearInterrupts(IntAll)
		return fmt.Errorf("%v: %w", cmd, code)
	}

	if resp != nil {
		switch cmd.Response.Words() {
		case 1:
			resp[0] = h.bus.Read32(RegRESP0)
		case 4:
			resp[0] = h.bus.Read32(RegRESP0)
			resp[1] = h.bus.Read32(RegRESP1)
			resp[2] = h.bus.Read32(RegRESP2)
			resp[3] = h.bus.Read32(RegRESP3)
		}
	}
	h.clearInterrupts(IntCmdDone | IntCmdErrors)

	if cmd.Response.Busy() {
		if err := h.waitBusy(ctx, h.cfg.BusyPoll); err != nil {
			return fmt.Errorf("%v: %w", cmd, err)
		}
	}
	return nil
}

// commandError maps the raw interrupt status of a finished command
func commandError(status uint32, rt ResponseType) Error {
	switch {
	case status&IntRespTimeout != 0:
		return CmdRspTimeout
	case status&(IntRespCRC|IntRespErr) != 0 && rt.CheckCRC():
		return CmdCRCFail
	case status&IntHWLocked != 0:
		return InternalError
	}
	return OK
}

// waitBusy waits for the card to release DAT0 and the data path to go idle
func (h *Host) waitBusy(ctx context.Context, budget PollBudget) error {
	err := poll(ctx, budget, func() bool {
		return h.bus.Read32(RegSTATUS)&(StatusDataBusy|StatusDataSMBusy) == 0
	})
	if err != nil {
		return fmt.Errorf("card busy: %w", err)
	}
	return nil
}

// checkR1 maps the card status carried by an R1 response
func checkR1(cmd Command, resp Response) error {
	if err := CardStatusError(resp.Short()); err != nil {
		return fmt.Errorf("%v: status 0x%08x: %w", cmd, resp.Short(), err)
	}
	return nil
}
