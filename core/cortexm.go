package core

// Doc: ARM v7-M Architecture Reference Manual, C1 (debug) and C1.11 (FPB).

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/memap"
)

const (
	regCPUID = 0xE000ED00
	regAIRCR = 0xE000ED0C
	regDFSR  = 0xE000ED30
	regDHCSR = 0xE000EDF0
	regDCRSR = 0xE000EDF4
	regDCRDR = 0xE000EDF8
	regDEMCR = 0xE000EDFC

	aircrKey         = 0x05FA0000
	aircrSysResetReq = 1 << 2

	dhcsrKey      = 0xA05F0000
	dhcsrCDebugEn = 1 << 0
	dhcsrCHalt    = 1 << 1
	dhcsrCStep    = 1 << 2
	dhcsrSRegRdy  = 1 << 16
	dhcsrSHalt    = 1 << 17

	dcrsrWrite = 1 << 16

	dfsrHalted   = 1 << 0
	dfsrBkpt     = 1 << 1
	dfsrDWTTrap  = 1 << 2
	dfsrVCatch   = 1 << 3
	dfsrExternal = 1 << 4

	demcrVCCoreReset = 1 << 0
	demcrTrapEnable  = 0x3f1 // VC_CORERESET plus the fault catch bits

	regFPCtrl    = 0xE0002000
	regFPComp0   = 0xE0002008
	fpCtrlEnable = 0x3 // ENABLE | KEY
)

// Cortex-M register selectors for DCRSR.
const (
	RegR0   RegID = 0
	RegR1   RegID = 1
	RegR2   RegID = 2
	RegR3   RegID = 3
	RegSP   RegID = 13
	RegLR   RegID = 14
	RegPC   RegID = 15
	RegXPSR RegID = 0x10
	RegMSP  RegID = 0x11
	RegPSP  RegID = 0x12
)

var cortexMRegisters = RegisterFile{
	PC:      RegPC,
	SP:      RegSP,
	RA:      RegLR,
	Args:    []RegID{RegR0, RegR1, RegR2, RegR3},
	Result:  RegR0,
	PSR:     RegXPSR,
	HasPSR:  true,
	PSRInit: 0x01000000, // EPSR.T, Thumb execution state
	ThumbRA: true,
}

type cortexM struct {
	mem *memap.Client

	state RunState
	bps   *slotPool
}

// NewCortexM attaches execution control to an ARMv6-M/v7-M core through
// its memory-mapped debug registers. The returned Control starts in the
// Unknown run state.
func NewCortexM(ctx context.Context, mem *memap.Client) (Control, error) {
	c := &cortexM{mem: mem, state: Unknown}
	cpuid, err := mem.ReadWord32(ctx, regCPUID)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read CPUID")
	}
	if cpuid>>24 != 0x41 || (cpuid>>4)&0xc00 != 0xc00 {
		return nil, errors.Errorf("target is not a Cortex-M (CPUID 0x%08x)", cpuid)
	}
	glog.V(1).Infof("Cortex-M core, CPUID 0x%08x", cpuid)
	// Enable debug before anything else; register access and halt
	// requests are ignored without C_DEBUGEN.
	if err := mem.WriteWord32(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn); err != nil {
		return nil, errors.Annotatef(err, "failed to enable debug")
	}
	nbp, err := c.initFPB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.bps = newSlotPool(nbp)
	return c, nil
}

func (c *cortexM) initFPB(ctx context.Context) (int, error) {
	fpCtrl, err := c.mem.ReadWord32(ctx, regFPCtrl)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read FP_CTRL")
	}
	numCode := int((fpCtrl>>4)&0xf | (fpCtrl>>8)&0x70)
	if err := c.mem.WriteWord32(ctx, regFPCtrl, fpCtrlEnable); err != nil {
		return 0, errors.Annotatef(err, "failed to enable FPB")
	}
	glog.V(2).Infof("FPB: %d code comparators", numCode)
	return numCode, nil
}

func (c *cortexM) Architecture() string     { return "cortex-m" }
func (c *cortexM) Registers() *RegisterFile { return &cortexMRegisters }

func (c *cortexM) Status(ctx context.Context) (Status, error) {
	dhcsr, err := c.mem.ReadWord32(ctx, regDHCSR)
	if err != nil {
		c.state = Unknown
		return Status{}, errors.Annotatef(err, "failed to read DHCSR")
	}
	if dhcsr&dhcsrSHalt == 0 {
		c.state = Running
		return Status{State: Running}, nil
	}
	c.state = Halted
	st := Status{State: Halted, Reason: HaltReasonUnknown}
	dfsr, err := c.mem.ReadWord32(ctx, regDFSR)
	if err != nil {
		return st, nil
	}
	switch {
	case dfsr&dfsrBkpt != 0:
		st.Reason = HaltReasonBreakpoint
	case dfsr&dfsrDWTTrap != 0:
		st.Reason = HaltReasonWatchpoint
	case dfsr&dfsrVCatch != 0:
		st.Reason = HaltReasonException
	case dfsr&(dfsrHalted|dfsrExternal) != 0:
		st.Reason = HaltReasonRequest
	}
	return st, nil
}

func (c *cortexM) halted(ctx context.Context) (bool, error) {
	dhcsr, err := c.mem.ReadWord32(ctx, regDHCSR)
	if err != nil {
		c.state = Unknown
		return false, errors.Annotatef(err, "failed to read DHCSR")
	}
	glog.V(4).Infof("DHCSR == 0x%08x", dhcsr)
	return dhcsr&dhcsrSHalt != 0, nil
}

func (c *cortexM) WaitHalted(ctx context.Context, timeout time.Duration) error {
	err := pollUntil(ctx, timeout, c.halted)
	if err != nil {
		c.state = Unknown
		return errors.Trace(err)
	}
	c.state = Halted
	// Halt reason flags are sticky; clear them so the next halt reports
	// its own cause.
	if cerr := c.mem.WriteWord32(ctx, regDFSR, 0x1f); cerr != nil {
		glog.V(2).Infof("failed to clear DFSR: %v", cerr)
	}
	return nil
}

func (c *cortexM) Halt(ctx context.Context, timeout time.Duration) error {
	glog.V(3).Infof("Halt(%s)", timeout)
	if err := c.mem.WriteWord32(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn|dhcsrCHalt); err != nil {
		c.state = Unknown
		return errors.Annotatef(err, "failed to request halt")
	}
	return errors.Trace(c.WaitHalted(ctx, timeout))
}

func (c *cortexM) Resume(ctx context.Context) error {
	glog.V(3).Infof("Resume()")
	if err := c.requireHalted(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.mem.WriteWord32(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn); err != nil {
		c.state = Unknown
		return errors.Annotatef(err, "failed to resume")
	}
	c.state = Running
	return nil
}

func (c *cortexM) Step(ctx context.Context) error {
	glog.V(3).Infof("Step()")
	if err := c.requireHalted(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.mem.WriteWord32(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn|dhcsrCStep); err != nil {
		c.state = Unknown
		return errors.Annotatef(err, "failed to request step")
	}
	return errors.Trace(c.WaitHalted(ctx, time.Second))
}

// requireHalted re-reads status when the cached state is Unknown, per the
// recovery rule: after any error the next operation must re-establish the
// run state before acting on it.
func (c *cortexM) requireHalted(ctx context.Context) error {
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

func (c *cortexM) reset(ctx context.Context, dhcsr, demcr uint32) error {
	if err := c.mem.WriteWord32(ctx, regDHCSR, dhcsr); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if err := c.mem.WriteWord32(ctx, regDEMCR, demcr); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	return errors.Trace(c.mem.WriteWord32(ctx, regAIRCR, aircrKey|aircrSysResetReq))
}

func (c *cortexM) Reset(ctx context.Context) error {
	glog.V(3).Infof("Reset()")
	c.state = Unknown
	return errors.Annotatef(c.reset(ctx, dhcsrKey|dhcsrCDebugEn, 0), "failed to reset the core")
}

func (c *cortexM) ResetHalt(ctx context.Context, timeout time.Duration) error {
	glog.V(3).Infof("ResetHalt(%s)", timeout)
	c.state = Unknown
	// Catch the core at the reset vector via DEMCR.VC_CORERESET.
	if err := c.reset(ctx, dhcsrKey|dhcsrCDebugEn, demcrTrapEnable); err != nil {
		return errors.Annotatef(err, "failed to reset the core")
	}
	if err := c.WaitHalted(ctx, timeout); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.mem.WriteWord32(ctx, regDEMCR, 0))
}

func (c *cortexM) regReady(ctx context.Context) (bool, error) {
	dhcsr, err := c.mem.ReadWord32(ctx, regDHCSR)
	if err != nil {
		return false, errors.Annotatef(err, "failed to read DHCSR")
	}
	return dhcsr&dhcsrSRegRdy != 0, nil
}

func (c *cortexM) ReadReg(ctx context.Context, id RegID) (uint32, error) {
	if err := c.requireHalted(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	if err := c.mem.WriteWord32(ctx, regDCRSR, uint32(id)); err != nil {
		return 0, errors.Annotatef(err, "failed to select reg %d", id)
	}
	if err := pollUntil(ctx, 100*time.Millisecond, c.regReady); err != nil {
		return 0, errors.Annotatef(err, "reg %d read did not complete", id)
	}
	value, err := c.mem.ReadWord32(ctx, regDCRDR)
	glog.V(4).Infof("ReadReg(%d) == 0x%08x", id, value)
	return value, errors.Trace(err)
}

func (c *cortexM) WriteReg(ctx context.Context, id RegID, value uint32) error {
	glog.V(4).Infof("WriteReg(%d, 0x%08x)", id, value)
	if err := c.requireHalted(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.mem.WriteWord32(ctx, regDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := c.mem.WriteWord32(ctx, regDCRSR, dcrsrWrite|uint32(id)); err != nil {
		return errors.Annotatef(err, "failed to select reg %d", id)
	}
	return errors.Annotatef(pollUntil(ctx, 100*time.Millisecond, c.regReady), "reg %d write did not complete", id)
}

// fpComp encodes an FPBv1 comparator: the address match plus which
// halfword of the word triggers the replacement.
func fpComp(addr uint32) uint32 {
	v := (addr & 0x1ffffffc) | 1
	if addr&2 != 0 {
		v |= 2 << 30
	} else {
		v |= 1 << 30
	}
	return v
}

func (c *cortexM) SetBreakpoint(ctx context.Context, addr uint32) error {
	addr &^= 1 // comparators match the halfword, not the Thumb bit
	slot, err := c.bps.take(addr)
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(3).Infof("SetBreakpoint(0x%08x) -> slot %d", addr, slot)
	if err := c.mem.WriteWord32(ctx, regFPComp0+uint32(slot)*4, fpComp(addr)); err != nil {
		c.bps.release(slot)
		return errors.Annotatef(err, "failed to program FP_COMP%d", slot)
	}
	return nil
}

func (c *cortexM) ClearBreakpoint(ctx context.Context, addr uint32) error {
	addr &^= 1
	slot := c.bps.find(addr)
	if slot < 0 {
		return errors.Errorf("no breakpoint at 0x%08x", addr)
	}
	glog.V(3).Infof("ClearBreakpoint(0x%08x) slot %d", addr, slot)
	if err := c.mem.WriteWord32(ctx, regFPComp0+uint32(slot)*4, 0); err != nil {
		return errors.Annotatef(err, "failed to clear FP_COMP%d", slot)
	}
	c.bps.release(slot)
	return nil
}

func (c *cortexM) ClearAllBreakpoints(ctx context.Context) error {
	for i := range c.bps.addrs {
		if !c.bps.used[i] {
			continue
		}
		if err := c.mem.WriteWord32(ctx, regFPComp0+uint32(i)*4, 0); err != nil {
			return errors.Annotatef(err, "failed to clear FP_COMP%d", i)
		}
		c.bps.release(i)
	}
	return nil
}

func (c *cortexM) AvailableBreakpoints(ctx context.Context) (int, error) {
	return c.bps.available(), nil
}
