package core

// Doc: ARM Architecture Reference Manual ARMv7-A/R, C6 (debug registers),
// C8 (the DBGITR instruction transfer mechanism).
//
// Unlike Cortex-M there is no architecture-mandated debug address: the
// memory-mapped debug unit lives at a SoC-specific base supplied by the
// target descriptor. Core registers are moved through DBGDTRTX/DBGDTRRX by
// injecting MCR/MRC instructions via DBGITR while the core is halted.

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/memap"
)

const (
	dbgDIDR  = 0x000
	dbgDTRRX = 0x080
	dbgITR   = 0x084
	dbgDSCR  = 0x088
	dbgDTRTX = 0x08c
	dbgDRCR  = 0x090
	dbgBVR0  = 0x100
	dbgBCR0  = 0x140
	dbgLAR   = 0xfb0

	dbgLARKey = 0xc5acce55

	dscrHalted     = 1 << 0
	dscrRestarted  = 1 << 1
	dscrITRen      = 1 << 13
	dscrHDBGen     = 1 << 14
	dscrInstrCompl = 1 << 24
	dscrTXFull     = 1 << 29

	drcrHaltReq     = 1 << 0
	drcrRestartReq  = 1 << 1
	drcrClearSticky = 1 << 2

	// BCR: enabled, match any byte lane, all privilege levels.
	bcrEnable = 0xf<<5 | 0x3<<1 | 1
	// Address mismatch mode for single stepping (BCR.BT = 0b0100).
	bcrMismatch = 0x4 << 20
)

// Cortex-A register ids: 0..14 GPRs, 15 PC, 16 CPSR.
const (
	RegAPC   RegID = 15
	RegACPSR RegID = 16
)

var cortexARegisters = RegisterFile{
	PC:     RegAPC,
	SP:     13,
	RA:     14,
	Args:   []RegID{0, 1, 2, 3},
	Result: 0,
}

type cortexA struct {
	mem  *memap.Client
	base uint32

	state RunState
	bps   *slotPool
	// stepSlot reserves the highest comparator for the step-by-mismatch
	// trick so stepping cannot fail on a full user pool.
	stepSlot int
}

// NewCortexA attaches execution control to an ARMv7-A core whose debug
// unit is memory-mapped at debugBase.
func NewCortexA(ctx context.Context, mem *memap.Client, debugBase uint32) (Control, error) {
	if debugBase == 0 {
		return nil, errors.Errorf("cortex-a requires a debug base address in the target descriptor")
	}
	c := &cortexA{mem: mem, base: debugBase, state: Unknown}
	// Unlock the debug registers for memory-mapped access.
	if err := mem.WriteWord32(ctx, c.base+dbgLAR, dbgLARKey); err != nil {
		return nil, errors.Annotatef(err, "failed to unlock debug registers")
	}
	didr, err := mem.ReadWord32(ctx, c.base+dbgDIDR)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read DBGDIDR")
	}
	nbp := int((didr>>24)&0xf) + 1
	if nbp < 2 {
		return nil, errors.Errorf("debug unit reports %d breakpoints, need at least 2", nbp)
	}
	c.stepSlot = nbp - 1
	c.bps = newSlotPool(nbp - 1)
	glog.V(1).Infof("Cortex-A debug unit at 0x%08x, %d breakpoints", debugBase, nbp)
	// Enable halting debug and the instruction transfer register.
	dscr, err := c.readDSCR(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := mem.WriteWord32(ctx, c.base+dbgDSCR, dscr|dscrHDBGen|dscrITRen); err != nil {
		return nil, errors.Annotatef(err, "failed to enable halting debug")
	}
	return c, nil
}

func (c *cortexA) Architecture() string     { return "cortex-a" }
func (c *cortexA) Registers() *RegisterFile { return &cortexARegisters }

func (c *cortexA) readDSCR(ctx context.Context) (uint32, error) {
	dscr, err := c.mem.ReadWord32(ctx, c.base+dbgDSCR)
	return dscr, errors.Annotatef(err, "failed to read DBGDSCR")
}

func (c *cortexA) Status(ctx context.Context) (Status, error) {
	dscr, err := c.readDSCR(ctx)
	if err != nil {
		c.state = Unknown
		return Status{}, errors.Trace(err)
	}
	if dscr&dscrHalted == 0 {
		c.state = Running
		return Status{State: Running}, nil
	}
	c.state = Halted
	st := Status{State: Halted}
	switch (dscr >> 2) & 0xf { // method-of-entry
	case 0x0:
		st.Reason = HaltReasonRequest
	case 0x1, 0x3:
		st.Reason = HaltReasonBreakpoint
	case 0x2, 0xa:
		st.Reason = HaltReasonWatchpoint
	default:
		st.Reason = HaltReasonUnknown
	}
	return st, nil
}

func (c *cortexA) halted(ctx context.Context) (bool, error) {
	dscr, err := c.readDSCR(ctx)
	if err != nil {
		c.state = Unknown
		return false, errors.Trace(err)
	}
	return dscr&dscrHalted != 0, nil
}

func (c *cortexA) WaitHalted(ctx context.Context, timeout time.Duration) error {
	if err := pollUntil(ctx, timeout, c.halted); err != nil {
		c.state = Unknown
		return errors.Trace(err)
	}
	c.state = Halted
	return nil
}

func (c *cortexA) Halt(ctx context.Context, timeout time.Duration) error {
	glog.V(3).Infof("Halt(%s)", timeout)
	if err := c.mem.WriteWord32(ctx, c.base+dbgDRCR, drcrHaltReq); err != nil {
		c.state = Unknown
		return errors.Annotatef(err, "failed to request halt")
	}
	return errors.Trace(c.WaitHalted(ctx, timeout))
}

func (c *cortexA) Resume(ctx context.Context) error {
	glog.V(3).Infof("Resume()")
	if err := c.requireHalted(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.mem.WriteWord32(ctx, c.base+dbgDRCR, drcrRestartReq|drcrClearSticky); err != nil {
		c.state = Unknown
		return errors.Annotatef(err, "failed to restart")
	}
	err := pollUntil(ctx, time.Second, func(ctx context.Context) (bool, error) {
		dscr, err := c.readDSCR(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dscr&dscrRestarted != 0, nil
	})
	if err != nil {
		c.state = Unknown
		return errors.Annotatef(err, "core did not restart")
	}
	c.state = Running
	return nil
}

// Step halts at the next instruction by arming the reserved comparator in
// address-mismatch mode at the current PC: the core runs until it fetches
// from any other address.
func (c *cortexA) Step(ctx context.Context) error {
	glog.V(3).Infof("Step()")
	pc, err := c.ReadReg(ctx, RegAPC)
	if err != nil {
		return errors.Trace(err)
	}
	bvr := c.base + dbgBVR0 + uint32(c.stepSlot)*4
	bcr := c.base + dbgBCR0 + uint32(c.stepSlot)*4
	if err := c.mem.WriteWord32(ctx, bvr, pc&^3); err != nil {
		return errors.Annotatef(err, "failed to arm step comparator")
	}
	if err := c.mem.WriteWord32(ctx, bcr, bcrEnable|bcrMismatch); err != nil {
		return errors.Annotatef(err, "failed to arm step comparator")
	}
	defer func() {
		if err := c.mem.WriteWord32(ctx, bcr, 0); err != nil {
			glog.Warningf("failed to disarm step comparator: %v", err)
		}
	}()
	if err := c.Resume(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.WaitHalted(ctx, time.Second))
}

// System reset on v7-A is SoC-specific; the session layer drives the
// probe's reset line instead.
func (c *cortexA) Reset(ctx context.Context) error {
	return errors.NotSupportedf("core-level reset on cortex-a")
}

func (c *cortexA) ResetHalt(ctx context.Context, timeout time.Duration) error {
	return errors.NotSupportedf("core-level reset on cortex-a")
}

func (c *cortexA) requireHalted(ctx context.Context) error {
	if c.state == Unknown {
		if _, err := c.Status(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	if c.state != Halted {
		return errors.Errorf("core is %s, not halted", c.state)
	}
	return nil
}

// execute injects one instruction through DBGITR and waits for it to
// complete.
func (c *cortexA) execute(ctx context.Context, instr uint32) error {
	if err := c.mem.WriteWord32(ctx, c.base+dbgITR, instr); err != nil {
		return errors.Annotatef(err, "failed to write DBGITR")
	}
	return errors.Annotatef(pollUntil(ctx, 100*time.Millisecond, func(ctx context.Context) (bool, error) {
		dscr, err := c.readDSCR(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dscr&dscrInstrCompl != 0, nil
	}), "instruction 0x%08x did not complete", instr)
}

// readGPR moves Rn to DBGDTRTX with MCR p14, 0, Rn, c0, c5, 0.
func (c *cortexA) readGPR(ctx context.Context, n uint32) (uint32, error) {
	if err := c.execute(ctx, 0xee000e15|n<<12); err != nil {
		return 0, errors.Trace(err)
	}
	err := pollUntil(ctx, 100*time.Millisecond, func(ctx context.Context) (bool, error) {
		dscr, err := c.readDSCR(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dscr&dscrTXFull != 0, nil
	})
	if err != nil {
		return 0, errors.Annotatef(err, "DBGDTRTX never filled for r%d", n)
	}
	value, err := c.mem.ReadWord32(ctx, c.base+dbgDTRTX)
	return value, errors.Trace(err)
}

// writeGPR loads Rn from DBGDTRRX with MRC p14, 0, Rn, c0, c5, 0.
func (c *cortexA) writeGPR(ctx context.Context, n, value uint32) error {
	if err := c.mem.WriteWord32(ctx, c.base+dbgDTRRX, value); err != nil {
		return errors.Annotatef(err, "failed to write DBGDTRRX")
	}
	return errors.Trace(c.execute(ctx, 0xee100e15|n<<12))
}

func (c *cortexA) ReadReg(ctx context.Context, id RegID) (uint32, error) {
	if err := c.requireHalted(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	switch {
	case id <= 14:
		return c.readGPR(ctx, uint32(id))
	case id == RegAPC:
		// Stage PC into r0 (MOV r0, pc), preserving r0 around it.
		return c.viaR0(ctx, 0xe1a0000f)
	case id == RegACPSR:
		return c.viaR0(ctx, 0xe10f0000) // MRS r0, CPSR
	}
	return 0, errors.Errorf("unknown cortex-a register id %d", id)
}

func (c *cortexA) WriteReg(ctx context.Context, id RegID, value uint32) error {
	if err := c.requireHalted(ctx); err != nil {
		return errors.Trace(err)
	}
	switch {
	case id <= 14:
		return errors.Trace(c.writeGPR(ctx, uint32(id), value))
	case id == RegAPC:
		return errors.Trace(c.viaR0Write(ctx, value, 0xe1a0f000)) // MOV pc, r0
	case id == RegACPSR:
		return errors.Trace(c.viaR0Write(ctx, value, 0xe129f000)) // MSR CPSR_fc, r0
	}
	return errors.Errorf("unknown cortex-a register id %d", id)
}

func (c *cortexA) viaR0(ctx context.Context, instr uint32) (uint32, error) {
	saved, err := c.readGPR(ctx, 0)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err := c.execute(ctx, instr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := c.readGPR(ctx, 0)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return value, errors.Trace(c.writeGPR(ctx, 0, saved))
}

func (c *cortexA) viaR0Write(ctx context.Context, value, instr uint32) error {
	saved, err := c.readGPR(ctx, 0)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.writeGPR(ctx, 0, value); err != nil {
		return errors.Trace(err)
	}
	if err := c.execute(ctx, instr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.writeGPR(ctx, 0, saved))
}

func (c *cortexA) SetBreakpoint(ctx context.Context, addr uint32) error {
	slot, err := c.bps.take(addr &^ 3)
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(3).Infof("SetBreakpoint(0x%08x) -> slot %d", addr, slot)
	if err := c.mem.WriteWord32(ctx, c.base+dbgBVR0+uint32(slot)*4, addr&^3); err != nil {
		c.bps.release(slot)
		return errors.Annotatef(err, "failed to program DBGBVR%d", slot)
	}
	if err := c.mem.WriteWord32(ctx, c.base+dbgBCR0+uint32(slot)*4, bcrEnable); err != nil {
		c.bps.release(slot)
		return errors.Annotatef(err, "failed to program DBGBCR%d", slot)
	}
	return nil
}

func (c *cortexA) ClearBreakpoint(ctx context.Context, addr uint32) error {
	slot := c.bps.find(addr &^ 3)
	if slot < 0 {
		return errors.Errorf("no breakpoint at 0x%08x", addr)
	}
	if err := c.mem.WriteWord32(ctx, c.base+dbgBCR0+uint32(slot)*4, 0); err != nil {
		return errors.Annotatef(err, "failed to clear DBGBCR%d", slot)
	}
	c.bps.release(slot)
	return nil
}

func (c *cortexA) ClearAllBreakpoints(ctx context.Context) error {
	for i := range c.bps.addrs {
		if !c.bps.used[i] {
			continue
		}
		if err := c.mem.WriteWord32(ctx, c.base+dbgBCR0+uint32(i)*4, 0); err != nil {
			return errors.Annotatef(err, "failed to clear DBGBCR%d", i)
		}
		c.bps.release(i)
	}
	return nil
}

func (c *cortexA) AvailableBreakpoints(ctx context.Context) (int, error) {
	return c.bps.available(), nil
}
