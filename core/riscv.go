package core

// Doc: RISC-V External Debug Support v0.13.
//
// The Debug Module is reached through its system-bus mapping, so this
// implementation layers on the same memory client as the ARM cores; only
// the register protocol differs. GPRs and CSRs are transferred with
// abstract commands, breakpoints use the trigger module (tselect/tdata).

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/memap"
)

const (
	// Debug Module register offsets (byte offsets from the DM base).
	dmData0      = 0x04 * 4
	dmDMControl  = 0x10 * 4
	dmDMStatus   = 0x11 * 4
	dmAbstractCS = 0x16 * 4
	dmCommand    = 0x17 * 4

	dmctlDMActive  = 1 << 0
	dmctlNDMReset  = 1 << 1
	dmctlResumeReq = 1 << 30
	dmctlHaltReq   = 1 << 31

	dmstAllHalted    = 1 << 9
	dmstAllRunning   = 1 << 11
	dmstAllResumeAck = 1 << 17

	acsBusy       = 1 << 12
	acsCmdErrMask = 0x7 << 8

	// Abstract command: access register, 32-bit, transfer.
	cmdAccessReg32 = 0x0<<24 | 2<<20 | 1<<17
	cmdWrite       = 1 << 16

	// Debug CSRs.
	csrDCSR = 0x7b0
	csrDPC  = 0x7b1

	csrTSelect = 0x7a0
	csrTData1  = 0x7a1
	csrTData2  = 0x7a2

	dcsrStep = 1 << 2

	// mcontrol trigger: type=2, dmode, action=enter debug mode, execute,
	// match in M/S/U modes.
	mcontrolExec = 2<<28 | 1<<27 | 1<<12 | 1<<6 | 1<<4 | 1<<3 | 1<<2

	maxTriggers = 16
)

// RISC-V register ids follow the Debug Module numbering: 0x1000+n for
// GPR xn, CSR number for CSRs.
const (
	RegRVZero RegID = 0x1000
	RegRVRA   RegID = 0x1001
	RegRVSP   RegID = 0x1002
	RegRVA0   RegID = 0x100a
	RegRVA1   RegID = 0x100b
	RegRVA2   RegID = 0x100c
	RegRVA3   RegID = 0x100d
	RegRVDPC  RegID = csrDPC
)

var riscvRegisters = RegisterFile{
	PC:     RegRVDPC,
	SP:     RegRVSP,
	RA:     RegRVRA,
	Args:   []RegID{RegRVA0, RegRVA1, RegRVA2, RegRVA3},
	Result: RegRVA0,
}

type riscv struct {
	mem  *memap.Client
	base uint32

	state RunState
	bps   *slotPool
}

// NewRiscv attaches execution control to a RISC-V hart whose Debug Module
// is bus-mapped at dmBase.
func NewRiscv(ctx context.Context, mem *memap.Client, dmBase uint32) (Control, error) {
	c := &riscv{mem: mem, base: dmBase, state: Unknown}
	if err := c.writeDM(ctx, dmDMControl, dmctlDMActive); err != nil {
		return nil, errors.Annotatef(err, "failed to activate debug module")
	}
	dmst, err := c.readDM(ctx, dmDMStatus)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read dmstatus")
	}
	if dmst&0xf == 0 {
		return nil, errors.Errorf("debug module reports version 0 (dmstatus 0x%08x)", dmst)
	}
	glog.V(1).Infof("RISC-V debug module at 0x%08x, dmstatus 0x%08x", dmBase, dmst)
	n, err := c.countTriggers(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.bps = newSlotPool(n)
	return c, nil
}

func (c *riscv) Architecture() string     { return "riscv" }
func (c *riscv) Registers() *RegisterFile { return &riscvRegisters }

func (c *riscv) readDM(ctx context.Context, off uint32) (uint32, error) {
	v, err := c.mem.ReadWord32(ctx, c.base+off)
	return v, errors.Trace(err)
}

func (c *riscv) writeDM(ctx context.Context, off, value uint32) error {
	return errors.Trace(c.mem.WriteWord32(ctx, c.base+off, value))
}

func (c *riscv) Status(ctx context.Context) (Status, error) {
	dmst, err := c.readDM(ctx, dmDMStatus)
	if err != nil {
		c.state = Unknown
		return Status{}, errors.Annotatef(err, "failed to read dmstatus")
	}
	if dmst&dmstAllHalted == 0 {
		c.state = Running
		return Status{State: Running}, nil
	}
	c.state = Halted
	st := Status{State: Halted, Reason: HaltReasonUnknown}
	// The halt cause lives in dcsr.cause; reading it needs an abstract
	// command, which only works while halted.
	dcsr, err := c.readRegRaw(ctx, csrDCSR)
	if err == nil {
		switch (dcsr >> 6) & 0x7 {
		case 1:
			st.Reason = HaltReasonBreakpoint // ebreak
		case 2:
			st.Reason = HaltReasonBreakpoint // trigger
		case 3:
			st.Reason = HaltReasonRequest
		case 4:
			st.Reason = HaltReasonStep
		}
	}
	return st, nil
}

func (c *riscv) halted(ctx context.Context) (bool, error) {
	dmst, err := c.readDM(ctx, dmDMStatus)
	if err != nil {
		c.state = Unknown
		return false, errors.Trace(err)
	}
	return dmst&dmstAllHalted != 0, nil
}

func (c *riscv) WaitHalted(ctx context.Context, timeout time.Duration) error {
	if err := pollUntil(ctx, timeout, c.halted); err != nil {
		c.state = Unknown
		return errors.Trace(err)
	}
	c.state = Halted
	return nil
}

func (c *riscv) Halt(ctx context.Context, timeout time.Duration) error {
	glog.V(3).Infof("Halt(%s)", timeout)
	if err := c.writeDM(ctx, dmDMControl, dmctlDMActive|dmctlHaltReq); err != nil {
		c.state = Unknown
		return errors.Annotatef(err, "failed to request halt")
	}
	if err := c.WaitHalted(ctx, timeout); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.writeDM(ctx, dmDMControl, dmctlDMActive))
}

func (c *riscv) Resume(ctx context.Context) error {
	glog.V(3).Infof("Resume()")
	if err := c.requireHalted(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeDM(ctx, dmDMControl, dmctlDMActive|dmctlResumeReq); err != nil {
		c.state = Unknown
		return errors.Annotatef(err, "failed to request resume")
	}
	err := pollUntil(ctx, time.Second, func(ctx context.Context) (bool, error) {
		dmst, err := c.readDM(ctx, dmDMStatus)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dmst&dmstAllResumeAck != 0, nil
	})
	if err != nil {
		c.state = Unknown
		return errors.Annotatef(err, "hart did not acknowledge resume")
	}
	if err := c.writeDM(ctx, dmDMControl, dmctlDMActive); err != nil {
		c.state = Unknown
		return errors.Trace(err)
	}
	c.state = Running
	return nil
}

func (c *riscv) Step(ctx context.Context) error {
	glog.V(3).Infof("Step()")
	dcsr, err := c.ReadReg(ctx, csrDCSR)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.WriteReg(ctx, csrDCSR, dcsr|dcsrStep); err != nil {
		return errors.Trace(err)
	}
	if err := c.Resume(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.WaitHalted(ctx, time.Second); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.WriteReg(ctx, csrDCSR, dcsr&^uint32(dcsrStep)))
}

func (c *riscv) Reset(ctx context.Context) error {
	glog.V(3).Infof("Reset()")
	c.state = Unknown
	if err := c.writeDM(ctx, dmDMControl, dmctlDMActive|dmctlNDMReset); err != nil {
		return errors.Annotatef(err, "failed to assert ndmreset")
	}
	return errors.Trace(c.writeDM(ctx, dmDMControl, dmctlDMActive))
}

func (c *riscv) ResetHalt(ctx context.Context, timeout time.Duration) error {
	glog.V(3).Infof("ResetHalt(%s)", timeout)
	c.state = Unknown
	// Hold haltreq across the reset so the hart halts at its first
	// instruction.
	if err := c.writeDM(ctx, dmDMControl, dmctlDMActive|dmctlHaltReq|dmctlNDMReset); err != nil {
		return errors.Annotatef(err, "failed to assert ndmreset")
	}
	if err := c.writeDM(ctx, dmDMControl, dmctlDMActive|dmctlHaltReq); err != nil {
		return errors.Trace(err)
	}
	if err := c.WaitHalted(ctx, timeout); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.writeDM(ctx, dmDMControl, dmctlDMActive))
}

func (c *riscv) requireHalted(ctx context.Context) error {
	if c.state == Unknown {
		if _, err := c.Status(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	if c.state != Halted {
		return errors.Errorf("hart is %s, not halted", c.state)
	}
	return nil
}

// abstractWait polls abstractcs until the command completes, checking
// cmderr.
func (c *riscv) abstractWait(ctx context.Context) error {
	err := pollUntil(ctx, 100*time.Millisecond, func(ctx context.Context) (bool, error) {
		acs, err := c.readDM(ctx, dmAbstractCS)
		if err != nil {
			return false, errors.Trace(err)
		}
		return acs&acsBusy == 0, nil
	})
	if err != nil {
		return errors.Annotatef(err, "abstract command did not complete")
	}
	acs, err := c.readDM(ctx, dmAbstractCS)
	if err != nil {
		return errors.Trace(err)
	}
	if cmderr := (acs & acsCmdErrMask) >> 8; cmderr != 0 {
		// Clear cmderr (write-1-to-clear) before reporting.
		if werr := c.writeDM(ctx, dmAbstractCS, acsCmdErrMask); werr != nil {
			glog.Warningf("failed to clear cmderr: %v", werr)
		}
		return errors.Errorf("abstract command failed (cmderr %d)", cmderr)
	}
	return nil
}

func (c *riscv) readRegRaw(ctx context.Context, id RegID) (uint32, error) {
	if err := c.writeDM(ctx, dmCommand, cmdAccessReg32|uint32(id)); err != nil {
		return 0, errors.Annotatef(err, "failed to issue register read")
	}
	if err := c.abstractWait(ctx); err != nil {
		return 0, errors.Annotatef(err, "reg 0x%x read", id)
	}
	v, err := c.readDM(ctx, dmData0)
	glog.V(4).Infof("ReadReg(0x%x) == 0x%08x", id, v)
	return v, errors.Trace(err)
}

func (c *riscv) ReadReg(ctx context.Context, id RegID) (uint32, error) {
	if err := c.requireHalted(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	return c.readRegRaw(ctx, id)
}

func (c *riscv) WriteReg(ctx context.Context, id RegID, value uint32) error {
	glog.V(4).Infof("WriteReg(0x%x, 0x%08x)", id, value)
	if err := c.requireHalted(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeDM(ctx, dmData0, value); err != nil {
		return errors.Annotatef(err, "failed to stage register value")
	}
	if err := c.writeDM(ctx, dmCommand, cmdAccessReg32|cmdWrite|uint32(id)); err != nil {
		return errors.Annotatef(err, "failed to issue register write")
	}
	return errors.Annotatef(c.abstractWait(ctx), "reg 0x%x write", id)
}

// countTriggers walks tselect until the selector stops sticking or the
// trigger reports an unusable type.
func (c *riscv) countTriggers(ctx context.Context) (int, error) {
	// Trigger discovery needs a halted hart; remember and restore.
	wasRunning := false
	if halted, err := c.halted(ctx); err != nil {
		return 0, errors.Trace(err)
	} else if !halted {
		wasRunning = true
		if err := c.Halt(ctx, time.Second); err != nil {
			return 0, errors.Annotatef(err, "failed to halt for trigger discovery")
		}
	}
	n := 0
	for ; n < maxTriggers; n++ {
		if err := c.WriteReg(ctx, csrTSelect, uint32(n)); err != nil {
			break
		}
		sel, err := c.readRegRaw(ctx, csrTSelect)
		if err != nil || sel != uint32(n) {
			break
		}
		tdata1, err := c.readRegRaw(ctx, csrTData1)
		if err != nil || tdata1>>28 == 0xf {
			break
		}
	}
	glog.V(2).Infof("trigger module: %d triggers", n)
	if wasRunning {
		if err := c.Resume(ctx); err != nil {
			return n, errors.Annotatef(err, "failed to resume after trigger discovery")
		}
	}
	return n, nil
}

func (c *riscv) programTrigger(ctx context.Context, slot int, tdata1, tdata2 uint32) error {
	if err := c.WriteReg(ctx, csrTSelect, uint32(slot)); err != nil {
		return errors.Trace(err)
	}
	if err := c.WriteReg(ctx, csrTData2, tdata2); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.WriteReg(ctx, csrTData1, tdata1))
}

func (c *riscv) SetBreakpoint(ctx context.Context, addr uint32) error {
	slot, err := c.bps.take(addr)
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(3).Infof("SetBreakpoint(0x%08x) -> trigger %d", addr, slot)
	if err := c.programTrigger(ctx, slot, mcontrolExec, addr); err != nil {
		c.bps.release(slot)
		return errors.Annotatef(err, "failed to program trigger %d", slot)
	}
	return nil
}

func (c *riscv) ClearBreakpoint(ctx context.Context, addr uint32) error {
	slot := c.bps.find(addr)
	if slot < 0 {
		return errors.Errorf("no breakpoint at 0x%08x", addr)
	}
	if err := c.programTrigger(ctx, slot, 0, 0); err != nil {
		return errors.Annotatef(err, "failed to clear trigger %d", slot)
	}
	c.bps.release(slot)
	return nil
}

func (c *riscv) ClearAllBreakpoints(ctx context.Context) error {
	for i := range c.bps.addrs {
		if !c.bps.used[i] {
			continue
		}
		if err := c.programTrigger(ctx, i, 0, 0); err != nil {
			return errors.Annotatef(err, "failed to clear trigger %d", i)
		}
		c.bps.release(i)
	}
	return nil
}

func (c *riscv) AvailableBreakpoints(ctx context.Context) (int, error) {
	return c.bps.available(), nil
}
