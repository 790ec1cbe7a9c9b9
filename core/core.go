// Package core provides architecture-specific execution control for a
// single core reached through the memory access layer: halt/resume/step,
// register file access and hardware breakpoint management.
//
// The generic pieces (halt-wait loop, run-state bookkeeping, breakpoint
// slot accounting) live here; cortexm.go, cortexa.go and riscv.go supply
// the per-architecture register protocol.
package core

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// ErrTimeout is returned when a bounded wait (halt, step completion) did
// not finish in time. The core's run state is Unknown afterwards.
var ErrTimeout = errors.New("core operation timed out")

// ErrNoBreakpointSlots is returned when all hardware comparators are in
// use. There is no silent software-breakpoint fallback: patching code is
// not safe on flash-resident targets.
var ErrNoBreakpointSlots = errors.New("no free hardware breakpoint slots")

// RunState tracks what we know about the core's execution state. Unknown
// means the last operation's effect could not be determined (first attach,
// timeout, error) and status must be re-read from the target.
type RunState int

const (
	Unknown RunState = iota
	Halted
	Running
)

func (s RunState) String() string {
	switch s {
	case Halted:
		return "halted"
	case Running:
		return "running"
	}
	return "unknown"
}

// HaltReason explains why a halted core stopped.
type HaltReason int

const (
	HaltReasonUnknown HaltReason = iota
	HaltReasonRequest
	HaltReasonBreakpoint
	HaltReasonStep
	HaltReasonWatchpoint
	HaltReasonException
)

func (r HaltReason) String() string {
	switch r {
	case HaltReasonRequest:
		return "request"
	case HaltReasonBreakpoint:
		return "breakpoint"
	case HaltReasonStep:
		return "step"
	case HaltReasonWatchpoint:
		return "watchpoint"
	case HaltReasonException:
		return "exception"
	}
	return "unknown"
}

type Status struct {
	State  RunState
	Reason HaltReason // meaningful only when State == Halted
}

// RegID names a core register in an architecture-specific encoding: the
// DCRSR register selector for ARM, the Debug Module register number for
// RISC-V (0x1000+n for GPRs, CSR number for CSRs).
type RegID uint16

// RegisterFile describes the registers the flash runtime and callers need
// to know about: where arguments, results and control flow live. It is
// the per-architecture call-convention policy object.
type RegisterFile struct {
	PC RegID
	SP RegID
	// RA is the return-address register (LR on ARM, ra on RISC-V).
	RA RegID
	// Args are the argument registers in calling-convention order.
	Args []RegID
	// Result is the register holding a routine's return value.
	Result RegID
	// PSR, if nonzero-width architectures need it, is the status
	// register to initialize before running downloaded code, with
	// PSRInit its required value (e.g. the Thumb bit on Cortex-M).
	PSR     RegID
	HasPSR  bool
	PSRInit uint32
	// ThumbRA is set when return addresses must carry bit 0.
	ThumbRA bool
}

// Control is the per-core execution control interface.
//
// Operations that depend on current state re-read status from the target
// when the cached state is Unknown, so a caller recovering from an error
// does not need an explicit status call first.
type Control interface {
	// Status re-reads the run state from the target.
	Status(ctx context.Context) (Status, error)
	// Halt requests a halt and waits up to timeout for the core to
	// report halted. Fails with ErrTimeout otherwise.
	Halt(ctx context.Context, timeout time.Duration) error
	// Resume lets the core run from the current PC.
	Resume(ctx context.Context) error
	// Step executes a single instruction and re-enters the halted state.
	Step(ctx context.Context) error
	// Reset resets the core and lets it run.
	Reset(ctx context.Context) error
	// ResetHalt resets the core and catches it at the reset vector.
	ResetHalt(ctx context.Context, timeout time.Duration) error
	// WaitHalted polls until the core reports halted or timeout expires.
	WaitHalted(ctx context.Context, timeout time.Duration) error

	ReadReg(ctx context.Context, id RegID) (uint32, error)
	WriteReg(ctx context.Context, id RegID, value uint32) error

	// SetBreakpoint installs a hardware breakpoint, allocating a free
	// comparator slot. Fails with ErrNoBreakpointSlots when the pool is
	// exhausted.
	SetBreakpoint(ctx context.Context, addr uint32) error
	ClearBreakpoint(ctx context.Context, addr uint32) error
	ClearAllBreakpoints(ctx context.Context) error
	AvailableBreakpoints(ctx context.Context) (int, error)

	Registers() *RegisterFile
	Architecture() string
}

// slotPool accounts for the fixed hardware comparator pool shared by all
// architectures. Slot state mirrors what was last programmed into the
// comparators; it is populated lazily from the hardware slot count.
type slotPool struct {
	addrs []uint32
	used  []bool
}

func newSlotPool(n int) *slotPool {
	return &slotPool{addrs: make([]uint32, n), used: make([]bool, n)}
}

// take returns the slot already bound to addr, or the first free slot.
func (p *slotPool) take(addr uint32) (int, error) {
	free := -1
	for i := range p.addrs {
		if p.used[i] && p.addrs[i] == addr {
			return i, nil
		}
		if !p.used[i] && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return 0, errors.Annotatef(ErrNoBreakpointSlots, "%d slots in use", len(p.addrs))
	}
	p.used[free] = true
	p.addrs[free] = addr
	return free, nil
}

func (p *slotPool) find(addr uint32) int {
	for i := range p.addrs {
		if p.used[i] && p.addrs[i] == addr {
			return i
		}
	}
	return -1
}

func (p *slotPool) release(i int) {
	p.used[i] = false
	p.addrs[i] = 0
}

func (p *slotPool) available() int {
	n := 0
	for _, u := range p.used {
		if !u {
			n++
		}
	}
	return n
}

// pollUntil runs check every interval until it reports done, the timeout
// expires (ErrTimeout) or the context is cancelled. Every bounded wait in
// the package goes through here so no wait can hang indefinitely.
func pollUntil(ctx context.Context, timeout time.Duration, check func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	interval := 100 * time.Microsecond
	for {
		done, err := check(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Annotatef(ErrTimeout, "condition not met within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(interval):
		}
		if interval < 10*time.Millisecond {
			interval *= 2
		}
	}
}
