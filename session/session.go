// Package session owns the attach/detach lifecycle: it turns a raw probe
// and a target descriptor into ready-to-use memory, core and flash
// handles, running the wire protocol selection, the debug power handshake
// and per-core debug unit bring-up in the right order.
package session

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/core"
	"github.com/willglynn/probe-rs/dp"
	"github.com/willglynn/probe-rs/flash"
	"github.com/willglynn/probe-rs/memap"
	"github.com/willglynn/probe-rs/probe"
	"github.com/willglynn/probe-rs/target"
)

// Options configure one attach.
type Options struct {
	Protocol probe.Protocol
	SpeedHz  uint32
	// DP tunes the transaction retry policy.
	DP dp.Config
	// HaltTimeout bounds every halt wait issued through the session.
	HaltTimeout time.Duration
}

func (o *Options) fillDefaults() {
	if o.SpeedHz == 0 {
		o.SpeedHz = 1000000
	}
	if o.HaltTimeout == 0 {
		o.HaltTimeout = time.Second
	}
}

// Session is an attached debug connection to one target chip.
type Session struct {
	p    probe.Probe
	td   *target.Descriptor
	opts Options

	dpc dp.Client
	mem []*memap.Client
	// cores are built lazily; index matches the descriptor's core list.
	cores []core.Control
}

// Attach validates the descriptor, configures the probe, brings up the
// debug port and the first core's memory access path, and returns a live
// session. Descriptor problems are reported before the first wire
// transaction.
func Attach(ctx context.Context, p probe.Probe, td *target.Descriptor, opts Options) (*Session, error) {
	opts.fillDefaults()
	if !td.Validated() {
		if err := td.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	s := &Session{p: p, td: td, opts: opts}
	if err := p.SetProtocol(ctx, opts.Protocol); err != nil {
		return nil, errors.Annotatef(err, "failed to select wire protocol")
	}
	if err := p.SetSpeedHz(ctx, opts.SpeedHz); err != nil {
		return nil, errors.Annotatef(err, "failed to set wire speed")
	}
	if opts.Protocol == probe.ProtocolSWD {
		if err := s.swdLineReset(ctx); err != nil {
			return nil, errors.Annotatef(err, "SWD line reset failed")
		}
	}
	s.dpc = dp.NewClient(p, opts.DP)
	if err := s.dpc.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "debug port init failed")
	}
	s.mem = make([]*memap.Client, len(td.Cores))
	s.cores = make([]core.Control, len(td.Cores))
	m := memap.New(s.dpc, td.Cores[0].APSel)
	if err := m.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "MEM-AP %d init failed", td.Cores[0].APSel)
	}
	s.mem[0] = m
	glog.V(1).Infof("attached to %q over %s at %d Hz", td.Name, opts.Protocol, opts.SpeedHz)
	return s, nil
}

// swdLineReset drives the switch-to-SWD sequence: line reset, the
// JTAG-to-SWD select pattern, another line reset, then idle cycles so the
// next transaction starts clean.
func (s *Session) swdLineReset(ctx context.Context) error {
	ones := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	seqs := []struct {
		bits int
		data []byte
	}{
		{51, ones},
		{16, []byte{0x9e, 0xe7}},
		{51, ones},
		{8, []byte{0x00}},
	}
	for _, sq := range seqs {
		if err := s.p.SWJSequence(ctx, sq.bits, sq.data); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Memory returns the memory access client for core 0.
func (s *Session) Memory() *memap.Client { return s.mem[0] }

// MemoryFor returns the memory access client behind the given core's AP,
// initializing it on first use.
func (s *Session) MemoryFor(ctx context.Context, index int) (*memap.Client, error) {
	if index < 0 || index >= len(s.td.Cores) {
		return nil, errors.Errorf("no core %d (target has %d)", index, len(s.td.Cores))
	}
	if s.mem[index] == nil {
		ap := s.td.Cores[index].APSel
		// Cores sharing an AP share the client and its CSW cache.
		for i, m := range s.mem {
			if m != nil && s.td.Cores[i].APSel == ap {
				s.mem[index] = m
				break
			}
		}
	}
	if s.mem[index] == nil {
		m := memap.New(s.dpc, s.td.Cores[index].APSel)
		if err := m.Init(ctx); err != nil {
			return nil, errors.Annotatef(err, "MEM-AP %d init failed", s.td.Cores[index].APSel)
		}
		s.mem[index] = m
	}
	return s.mem[index], nil
}

// Core returns execution control for the given core, bringing up its
// debug unit on first use.
func (s *Session) Core(ctx context.Context, index int) (core.Control, error) {
	if index < 0 || index >= len(s.td.Cores) {
		return nil, errors.Errorf("no core %d (target has %d)", index, len(s.td.Cores))
	}
	if s.cores[index] != nil {
		return s.cores[index], nil
	}
	mem, err := s.MemoryFor(ctx, index)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cc := s.td.Cores[index]
	var ctl core.Control
	switch cc.Architecture {
	case "cortex-m":
		ctl, err = core.NewCortexM(ctx, mem)
	case "cortex-a":
		ctl, err = core.NewCortexA(ctx, mem, cc.DebugBase)
	case "riscv":
		ctl, err = core.NewRiscv(ctx, mem, cc.DebugBase)
	default:
		return nil, errors.Errorf("unknown architecture %q", cc.Architecture)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "core %d (%s) bring-up failed", index, cc.Architecture)
	}
	s.cores[index] = ctl
	return ctl, nil
}

// Target returns the descriptor the session was attached with.
func (s *Session) Target() *target.Descriptor { return s.td }

// Probe exposes the underlying probe for operations outside the debug
// port, such as driving the hardware reset line.
func (s *Session) Probe() probe.Probe { return s.p }

// HardReset pulses the probe's reset line. Used for cores whose debug
// architecture has no core-level reset request.
func (s *Session) HardReset(ctx context.Context, hold time.Duration) error {
	if err := s.p.AssertReset(ctx, true); err != nil {
		return errors.Trace(err)
	}
	if hold == 0 {
		hold = 10 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-time.After(hold):
	}
	return errors.Trace(s.p.AssertReset(ctx, false))
}

// NewLoader creates a flash loader bound to the given core's memory map.
func (s *Session) NewLoader(ctx context.Context, index int, opts flash.Options) (*flash.Loader, error) {
	ctl, err := s.Core(ctx, index)
	if err != nil {
		return nil, errors.Trace(err)
	}
	mem, err := s.MemoryFor(ctx, index)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if opts.HaltTimeout == 0 {
		opts.HaltTimeout = s.opts.HaltTimeout
	}
	return flash.NewLoader(ctl, mem, s.td, opts), nil
}

// Detach removes every breakpoint set through the session and lets halted
// cores run, then closes the probe. Errors from individual cores are
// logged, not returned: a half-working target must not keep the probe
// open.
func (s *Session) Detach(ctx context.Context) error {
	for i, ctl := range s.cores {
		if ctl == nil {
			continue
		}
		if err := ctl.ClearAllBreakpoints(ctx); err != nil {
			glog.Errorf("core %d: failed to clear breakpoints: %v", i, err)
		}
		st, err := ctl.Status(ctx)
		if err != nil {
			glog.Errorf("core %d: failed to read status: %v", i, err)
			continue
		}
		if st.State == core.Halted {
			if err := ctl.Resume(ctx); err != nil {
				glog.Errorf("core %d: failed to resume: %v", i, err)
			}
		}
	}
	return errors.Trace(s.p.Close(ctx))
}
