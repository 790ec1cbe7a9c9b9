package flash

import (
	"bytes"
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/core"
	"github.com/willglynn/probe-rs/memap"
	"github.com/willglynn/probe-rs/target"
)

// instance is one loaded copy of a flash algorithm in target RAM. Routine
// returns are caught by the breakpoint instruction resident at the image
// base (hardware comparators cannot cover SRAM on FPBv1 parts, so the
// image carries its own). The call convention is taken from the core's
// register file, so the same runtime drives ARM and RISC-V algorithms.
type instance struct {
	ctl core.Control
	mem *memap.Client
	alg *target.FlashAlgorithm

	haltTimeout time.Duration
	bpAddr      uint32
	loaded      bool
	// poisoned is set after a timed-out call. The resident image and the
	// core's register state are undefined then, so every further call is
	// refused until load runs again.
	poisoned bool
}

func newInstance(ctl core.Control, mem *memap.Client, alg *target.FlashAlgorithm, haltTimeout time.Duration) *instance {
	return &instance{ctl: ctl, mem: mem, alg: alg, haltTimeout: haltTimeout}
}

// load halts the core, writes the algorithm image into RAM, verifies the
// copy, and initializes the stack pointer and status register. The image
// begins with a breakpoint instruction; that address becomes the return
// address for every routine call.
func (in *instance) load(ctx context.Context) error {
	if err := in.ctl.Halt(ctx, in.haltTimeout); err != nil {
		return errors.Annotatef(err, "failed to halt core")
	}
	code := in.alg.Code()
	glog.V(1).Infof("loading %d-byte algorithm %q at 0x%08x", len(code), in.alg.Name, in.alg.LoadAddr)
	if err := in.mem.WriteBlock(ctx, in.alg.LoadAddr, code); err != nil {
		return errors.Annotatef(err, "failed to write algorithm image")
	}
	check := make([]byte, len(code))
	if err := in.mem.ReadBlock(ctx, in.alg.LoadAddr, check); err != nil {
		return errors.Annotatef(err, "failed to read back algorithm image")
	}
	if !bytes.Equal(code, check) {
		return errors.Errorf("algorithm image readback mismatch at 0x%08x", in.alg.LoadAddr)
	}
	regs := in.ctl.Registers()
	if err := in.ctl.WriteReg(ctx, regs.SP, in.alg.StackPointer); err != nil {
		return errors.Annotatef(err, "failed to set stack pointer")
	}
	if regs.HasPSR {
		if err := in.ctl.WriteReg(ctx, regs.PSR, regs.PSRInit); err != nil {
			return errors.Annotatef(err, "failed to initialize status register")
		}
	}
	in.bpAddr = in.alg.LoadAddr
	in.loaded = true
	in.poisoned = false
	return nil
}

// init calls the algorithm's Init entry (if present) for the given
// function code (1=erase, 2=program, 3=verify).
func (in *instance) init(ctx context.Context, baseAddr uint32, fnc uint32) error {
	if in.alg.Init == 0 {
		return nil
	}
	if _, err := in.call(ctx, "Init", in.alg.Init, []uint32{baseAddr, 0, fnc}, defaultProgramPageTimeout); err != nil {
		return errors.Annotatef(err, "Init(fnc=%d)", fnc)
	}
	return nil
}

func (in *instance) uninit(ctx context.Context, fnc uint32) error {
	if in.alg.UnInit == 0 {
		return nil
	}
	if _, err := in.call(ctx, "UnInit", in.alg.UnInit, []uint32{fnc}, defaultProgramPageTimeout); err != nil {
		return errors.Annotatef(err, "UnInit(fnc=%d)", fnc)
	}
	return nil
}

// call runs one algorithm routine and treats a nonzero return value as
// failure (the CMSIS convention for everything except Verify).
func (in *instance) call(ctx context.Context, name string, entry uint32, args []uint32, timeout time.Duration) (uint32, error) {
	rv, err := in.callRaw(ctx, name, entry, args, timeout)
	if err != nil {
		return rv, errors.Trace(err)
	}
	if rv != 0 {
		return rv, errors.Trace(&AlgorithmError{Entry: name, Code: rv})
	}
	return 0, nil
}

// callRaw runs one algorithm routine and returns its raw result register.
// The routine is entered by pointing PC at the entry, the return address
// at the resident breakpoint, and resuming; completion is the core
// halting back at the breakpoint.
func (in *instance) callRaw(ctx context.Context, name string, entry uint32, args []uint32, timeout time.Duration) (uint32, error) {
	if !in.loaded {
		return 0, errors.Errorf("algorithm %q is not loaded", in.alg.Name)
	}
	if in.poisoned {
		return 0, errors.Errorf("algorithm %q timed out earlier and must be reloaded", in.alg.Name)
	}
	regs := in.ctl.Registers()
	if len(args) > len(regs.Args) {
		return 0, errors.Errorf("%s: %d arguments but only %d argument registers", name, len(args), len(regs.Args))
	}
	for i, a := range args {
		if err := in.ctl.WriteReg(ctx, regs.Args[i], a); err != nil {
			return 0, errors.Annotatef(err, "%s: failed to set argument %d", name, i)
		}
	}
	ra := in.bpAddr
	if regs.ThumbRA {
		ra |= 1
	}
	if err := in.ctl.WriteReg(ctx, regs.RA, ra); err != nil {
		return 0, errors.Annotatef(err, "%s: failed to set return address", name)
	}
	pc := in.alg.LoadAddr + entry
	if err := in.ctl.WriteReg(ctx, regs.PC, pc); err != nil {
		return 0, errors.Annotatef(err, "%s: failed to set pc", name)
	}
	glog.V(3).Infof("calling %s at 0x%08x, args %v", name, pc, args)
	if err := in.ctl.Resume(ctx); err != nil {
		return 0, errors.Annotatef(err, "%s: failed to start", name)
	}
	if err := in.ctl.WaitHalted(ctx, timeout); err != nil {
		if errors.Cause(err) == core.ErrTimeout {
			in.poisoned = true
			// Best effort: stop the runaway routine so teardown can
			// still clear the breakpoint.
			if herr := in.ctl.Halt(ctx, in.haltTimeout); herr != nil {
				glog.Errorf("failed to halt core after %s timed out: %v", name, herr)
			}
			return 0, errors.Annotatef(ErrAlgorithmTimeout, "%s did not finish within %s", name, timeout)
		}
		return 0, errors.Annotatef(err, "%s", name)
	}
	// The core halted; make sure it halted where a returning routine
	// lands, not at a fault handler or stray breakpoint.
	got, err := in.ctl.ReadReg(ctx, regs.PC)
	if err != nil {
		return 0, errors.Annotatef(err, "%s: failed to read pc", name)
	}
	if got&^1 != in.bpAddr&^1 {
		in.poisoned = true
		return 0, errors.Errorf("%s stopped at 0x%08x instead of returning", name, got)
	}
	rv, err := in.ctl.ReadReg(ctx, regs.Result)
	if err != nil {
		return 0, errors.Annotatef(err, "%s: failed to read result", name)
	}
	glog.V(3).Infof("%s returned %d", name, rv)
	return rv, nil
}

// teardown leaves the core halted so the caller can reset or resume it
// deliberately. It is called on both success and failure paths, so it must
// cope with a poisoned instance.
func (in *instance) teardown(ctx context.Context) error {
	if !in.loaded {
		return nil
	}
	in.loaded = false
	st, err := in.ctl.Status(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to read core status")
	}
	if st.State != core.Halted {
		if err := in.ctl.Halt(ctx, in.haltTimeout); err != nil {
			return errors.Annotatef(err, "failed to halt core")
		}
	}
	return nil
}
