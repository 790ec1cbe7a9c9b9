// Package flash implements the flash-programming engine: it downloads a
// vendor-supplied algorithm into target RAM and drives it through
// erase/program/verify cycles over the write set queued by the caller.
//
// The downloaded code is treated as untrusted in the sense that it may
// hang or corrupt its own execution context: every invocation is an
// explicit call/wait/reap cycle with a mandatory timeout, and a timed-out
// instance is poisoned (further calls refuse to run until re-loaded).
package flash

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/core"
	"github.com/willglynn/probe-rs/memap"
	"github.com/willglynn/probe-rs/target"
)

// ErrAlgorithmTimeout is returned when an algorithm call did not reach its
// return breakpoint in time. The instance is unusable afterwards; retrying
// requires a fresh load since the resident state is undefined.
var ErrAlgorithmTimeout = errors.New("flash algorithm call timed out")

// AlgorithmError carries the nonzero status an algorithm routine returned.
// The code is vendor-defined and passed through verbatim.
type AlgorithmError struct {
	Entry string
	Code  uint32
}

func (e *AlgorithmError) Error() string {
	return fmt.Sprintf("flash algorithm %s failed (code %d)", e.Entry, e.Code)
}

// VerifyError reports the first address whose post-program content did not
// match the intended data.
type VerifyError struct {
	Addr uint32
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify mismatch at 0x%08x", e.Addr)
}

// Phase names for progress reporting.
const (
	PhaseErase   = "erase"
	PhaseProgram = "program"
	PhaseVerify  = "verify"
)

// Progress describes one completed sector/page operation. The callback is
// invoked synchronously between operations; it must not call back into the
// loader.
type Progress struct {
	Phase string
	Addr  uint32
	Done  int // bytes completed in this phase
	Total int // bytes in this phase
}

type ProgressFunc func(Progress)

// Options tune one flashing operation.
type Options struct {
	// Verify checks programmed content, via the algorithm's Verify
	// entry when present, by readback comparison otherwise.
	Verify bool
	// SkipUnchanged elides erase+program for sectors whose current
	// content already matches the requested data.
	SkipUnchanged bool
	// EraseAll performs a full-chip erase (where the algorithm supports
	// it) instead of per-sector erases.
	EraseAll bool
	// HaltTimeout bounds the halts issued while setting up and tearing
	// down the algorithm.
	HaltTimeout time.Duration
}

func (o *Options) fillDefaults() {
	if o.HaltTimeout == 0 {
		o.HaltTimeout = time.Second
	}
}

const (
	defaultEraseSectorTimeout = 3 * time.Second
	defaultProgramPageTimeout = time.Second

	// CMSIS Init/UnInit function codes.
	fncErase   = 1
	fncProgram = 2
	fncVerify  = 3
)

// Loader queues write requests and commits them in one flashing operation.
// A Loader is transient: after Commit returns (success or failure) it
// cannot be reused.
type Loader struct {
	ctl  core.Control
	mem  *memap.Client
	td   *target.Descriptor
	opts Options

	ws   writeSet
	done bool
}

func NewLoader(ctl core.Control, mem *memap.Client, td *target.Descriptor, opts Options) *Loader {
	opts.fillDefaults()
	return &Loader{ctl: ctl, mem: mem, td: td, opts: opts}
}

// AddData queues bytes for programming. Every byte must fall inside a
// flash region of the target's memory map.
func (l *Loader) AddData(addr uint32, data []byte) error {
	if l.done {
		return errors.Errorf("loader has already committed")
	}
	for off := uint32(0); off < uint32(len(data)); {
		r := l.td.RegionFor(addr + off)
		if r == nil || r.Kind != target.KindFlash {
			return errors.Errorf("address 0x%08x is not in a flash region", addr+off)
		}
		off = r.End() - addr
	}
	l.ws.add(addr, data)
	return nil
}

// Commit executes the queued write set: per flash region touched, the
// algorithm is loaded and driven through erase, program and (optionally)
// verify. On failure the error names the sector or page that failed.
// Regardless of outcome the loader tries to leave the core halted with its
// breakpoint removed; failure to recover is reported only if it does not
// mask an earlier error.
func (l *Loader) Commit(ctx context.Context, progress ProgressFunc) error {
	if l.done {
		return errors.Errorf("loader has already committed")
	}
	l.done = true
	if l.ws.empty() {
		return nil
	}
	if progress == nil {
		progress = func(Progress) {}
	}
	for _, r := range l.td.FlashRegions() {
		sectors := l.ws.sectorAddrs(r)
		if len(sectors) == 0 {
			continue
		}
		alg, err := l.td.AlgorithmFor(r)
		if err != nil {
			return errors.Trace(err)
		}
		if err := l.flashRegion(ctx, r, alg, sectors, progress); err != nil {
			return errors.Annotatef(err, "region %q", r.Name)
		}
	}
	return nil
}

// sectorPlan is one sector's worth of work: the desired full-sector
// content (queued data overlaid on the preserved current content) and
// whether the sector may be skipped.
type sectorPlan struct {
	addr uint32
	data []byte
	skip bool
}

func (l *Loader) flashRegion(ctx context.Context, r *target.MemoryRegion, alg *target.FlashAlgorithm, sectors []uint32, progress ProgressFunc) error {
	glog.V(1).Infof("flashing region %q: %d sectors, algorithm %q", r.Name, len(sectors), alg.Name)
	inst := newInstance(l.ctl, l.mem, alg, l.opts.HaltTimeout)
	if err := inst.load(ctx); err != nil {
		return errors.Annotatef(err, "failed to load algorithm %q", alg.Name)
	}
	err := l.runSequence(ctx, inst, r, alg, sectors, progress)
	if terr := inst.teardown(ctx); terr != nil {
		if err == nil {
			err = errors.Annotatef(terr, "failed to recover core after flashing")
		} else {
			glog.Errorf("failed to recover core after flashing: %v", terr)
		}
	}
	return errors.Trace(err)
}

func (l *Loader) runSequence(ctx context.Context, inst *instance, r *target.MemoryRegion, alg *target.FlashAlgorithm, sectors []uint32, progress ProgressFunc) error {
	plans, err := l.planSectors(ctx, r, alg, sectors)
	if err != nil {
		return errors.Trace(err)
	}
	work := 0
	for _, p := range plans {
		if !p.skip {
			work += len(p.data)
		}
	}
	if work == 0 {
		glog.V(1).Infof("region %q already contains the requested data", r.Name)
		return nil
	}

	// Erase.
	if err := l.erasePhase(ctx, inst, r, alg, plans, work, progress); err != nil {
		return errors.Trace(err)
	}
	// Program.
	if err := l.programPhase(ctx, inst, r, alg, plans, work, progress); err != nil {
		return errors.Trace(err)
	}
	// Verify.
	if l.opts.Verify {
		if err := l.verifyPhase(ctx, inst, r, alg, plans, work, progress); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// planSectors assembles the desired content of every touched sector. For
// sectors only partially covered by queued data the current flash content
// is read back first (erased-value fill when the flash cannot be read),
// so erase+reprogram never drops bytes outside the requested range.
func (l *Loader) planSectors(ctx context.Context, r *target.MemoryRegion, alg *target.FlashAlgorithm, sectors []uint32) ([]sectorPlan, error) {
	plans := make([]sectorPlan, 0, len(sectors))
	for _, sa := range sectors {
		data := make([]byte, r.SectorSize)
		for i := range data {
			data[i] = alg.Erased()
		}
		var current []byte
		if !r.NoReadback {
			current = make([]byte, r.SectorSize)
			if err := l.mem.ReadBlock(ctx, sa, current); err != nil {
				return nil, errors.Annotatef(err, "failed to read back sector 0x%08x", sa)
			}
			copy(data, current)
		}
		l.ws.overlay(sa, data)
		skip := false
		if l.opts.SkipUnchanged && current != nil {
			skip = bytes.Equal(data, current)
		}
		plans = append(plans, sectorPlan{addr: sa, data: data, skip: skip})
	}
	return plans, nil
}

func (l *Loader) erasePhase(ctx context.Context, inst *instance, r *target.MemoryRegion, alg *target.FlashAlgorithm, plans []sectorPlan, work int, progress ProgressFunc) error {
	eraseTimeout := defaultEraseSectorTimeout
	if alg.EraseSectorTimeoutMs != 0 {
		eraseTimeout = time.Duration(alg.EraseSectorTimeoutMs) * time.Millisecond
	}
	if err := inst.init(ctx, r.Addr, fncErase); err != nil {
		return errors.Trace(err)
	}
	if l.opts.EraseAll || alg.EraseSector == 0 {
		if alg.EraseAll == 0 {
			return errors.Errorf("algorithm %q cannot erase the whole chip", alg.Name)
		}
		// Full-chip erase time scales with the number of sectors in the
		// region, not a global constant.
		timeout := eraseTimeout * time.Duration(r.Size/r.SectorSize)
		glog.V(1).Infof("erasing all (timeout %s)", timeout)
		if _, err := inst.call(ctx, "EraseAll", alg.EraseAll, nil, timeout); err != nil {
			return errors.Annotatef(err, "full-chip erase")
		}
		for i := range plans {
			plans[i].skip = false // everything is erased now, reprogram it all
		}
	} else {
		done := 0
		for _, p := range plans {
			if p.skip {
				continue
			}
			glog.V(2).Infof("erasing sector 0x%08x", p.addr)
			if _, err := inst.call(ctx, "EraseSector", alg.EraseSector, []uint32{p.addr}, eraseTimeout); err != nil {
				return errors.Annotatef(err, "sector 0x%08x", p.addr)
			}
			done += len(p.data)
			progress(Progress{Phase: PhaseErase, Addr: p.addr, Done: done, Total: work})
		}
	}
	return errors.Trace(inst.uninit(ctx, fncErase))
}

func (l *Loader) programPhase(ctx context.Context, inst *instance, r *target.MemoryRegion, alg *target.FlashAlgorithm, plans []sectorPlan, work int, progress ProgressFunc) error {
	progTimeout := defaultProgramPageTimeout
	if alg.ProgramPageTimeoutMs != 0 {
		progTimeout = time.Duration(alg.ProgramPageTimeoutMs) * time.Millisecond
	}
	if err := inst.init(ctx, r.Addr, fncProgram); err != nil {
		return errors.Trace(err)
	}
	chunkSize := r.PageSize
	if chunkSize > alg.PageBufSize {
		chunkSize = alg.PageBufSize
	}
	done := 0
	for _, p := range plans {
		if p.skip {
			continue
		}
		for off := uint32(0); off < uint32(len(p.data)); off += chunkSize {
			end := off + chunkSize
			if end > uint32(len(p.data)) {
				end = uint32(len(p.data))
			}
			page := p.data[off:end]
			addr := p.addr + off
			if allBytes(page, alg.Erased()) {
				// Freshly erased; programming would be a no-op.
				done += len(page)
				continue
			}
			if err := l.mem.WriteBlock(ctx, alg.PageBuffer, page); err != nil {
				return errors.Annotatef(err, "failed to stage page 0x%08x", addr)
			}
			glog.V(3).Infof("programming %d bytes at 0x%08x", len(page), addr)
			if _, err := inst.call(ctx, "ProgramPage", alg.ProgramPage,
				[]uint32{addr, uint32(len(page)), alg.PageBuffer}, progTimeout); err != nil {
				return errors.Annotatef(err, "page 0x%08x", addr)
			}
			done += len(page)
			progress(Progress{Phase: PhaseProgram, Addr: addr, Done: done, Total: work})
		}
	}
	return errors.Trace(inst.uninit(ctx, fncProgram))
}

func (l *Loader) verifyPhase(ctx context.Context, inst *instance, r *target.MemoryRegion, alg *target.FlashAlgorithm, plans []sectorPlan, work int, progress ProgressFunc) error {
	if alg.Verify != 0 {
		return errors.Trace(l.verifyViaAlgorithm(ctx, inst, r, alg, plans, work, progress))
	}
	// No Verify entry: read programmed memory back and compare.
	done := 0
	for _, p := range plans {
		if p.skip {
			continue
		}
		got := make([]byte, len(p.data))
		if err := l.mem.ReadBlock(ctx, p.addr, got); err != nil {
			return errors.Annotatef(err, "failed to read back sector 0x%08x", p.addr)
		}
		for i := range got {
			if got[i] != p.data[i] {
				return errors.Trace(&VerifyError{Addr: p.addr + uint32(i)})
			}
		}
		done += len(p.data)
		progress(Progress{Phase: PhaseVerify, Addr: p.addr, Done: done, Total: work})
	}
	return nil
}

func (l *Loader) verifyViaAlgorithm(ctx context.Context, inst *instance, r *target.MemoryRegion, alg *target.FlashAlgorithm, plans []sectorPlan, work int, progress ProgressFunc) error {
	if err := inst.init(ctx, r.Addr, fncVerify); err != nil {
		return errors.Trace(err)
	}
	chunkSize := r.PageSize
	if chunkSize > alg.PageBufSize {
		chunkSize = alg.PageBufSize
	}
	done := 0
	for _, p := range plans {
		if p.skip {
			continue
		}
		for off := uint32(0); off < uint32(len(p.data)); off += chunkSize {
			end := off + chunkSize
			if end > uint32(len(p.data)) {
				end = uint32(len(p.data))
			}
			page := p.data[off:end]
			addr := p.addr + off
			if err := l.mem.WriteBlock(ctx, alg.PageBuffer, page); err != nil {
				return errors.Annotatef(err, "failed to stage verify data for 0x%08x", addr)
			}
			// CMSIS convention: Verify returns adr+sz on success and
			// the failing address otherwise.
			rv, err := inst.callRaw(ctx, "Verify", alg.Verify,
				[]uint32{addr, uint32(len(page)), alg.PageBuffer}, defaultProgramPageTimeout)
			if err != nil {
				return errors.Annotatef(err, "verify 0x%08x", addr)
			}
			if rv != addr+uint32(len(page)) {
				return errors.Trace(&VerifyError{Addr: rv})
			}
			done += len(page)
			progress(Progress{Phase: PhaseVerify, Addr: addr, Done: done, Total: work})
		}
	}
	return errors.Trace(inst.uninit(ctx, fncVerify))
}

func allBytes(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}
	return true
}
