package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/willglynn/probe-rs/core"
	"github.com/willglynn/probe-rs/dp"
	"github.com/willglynn/probe-rs/memap"
	"github.com/willglynn/probe-rs/probe/fake"
)

func newCore(t *testing.T, numBreakpoints int) (*fake.Device, core.Control) {
	t.Helper()
	ctx := context.Background()
	d := fake.NewDevice(numBreakpoints)
	dpc := dp.NewClient(fake.New(d), dp.Config{})
	require.NoError(t, dpc.Init(ctx))
	m := memap.New(dpc, 0)
	require.NoError(t, m.Init(ctx))
	c, err := core.NewCortexM(ctx, m)
	require.NoError(t, err)
	return d, c
}

func TestHaltResume(t *testing.T) {
	ctx := context.Background()
	d, c := newCore(t, 4)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.Running, st.State)

	require.NoError(t, c.Halt(ctx, time.Second))
	require.True(t, d.Halted())
	st, err = c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.Halted, st.State)

	require.NoError(t, c.Resume(ctx))
	require.False(t, d.Halted())
}

func TestHaltTimeoutAndRecovery(t *testing.T) {
	ctx := context.Background()
	d, c := newCore(t, 4)

	d.HangOnHalt = true
	err := c.Halt(ctx, 20*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, core.ErrTimeout, errors.Cause(err))

	// The core is in an unknown state now; a reset-halt must still be
	// able to regain control.
	d.HangOnHalt = false
	require.NoError(t, c.ResetHalt(ctx, time.Second))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.Halted, st.State)
}

func TestRegisterAccess(t *testing.T) {
	ctx := context.Background()
	_, c := newCore(t, 4)
	require.NoError(t, c.Halt(ctx, time.Second))

	for _, reg := range []core.RegID{core.RegR0, core.RegR3, core.RegSP, core.RegLR, core.RegPC, core.RegXPSR, core.RegMSP} {
		want := uint32(0xc0de0000) | uint32(reg)
		require.NoError(t, c.WriteReg(ctx, reg, want))
		got, err := c.ReadReg(ctx, reg)
		require.NoError(t, err)
		require.Equal(t, want, got, "reg %d", reg)
	}
}

func TestRegisterAccessRequiresHalt(t *testing.T) {
	ctx := context.Background()
	_, c := newCore(t, 4)
	_, err := c.ReadReg(ctx, core.RegR0)
	require.Error(t, err)
}

func TestStep(t *testing.T) {
	ctx := context.Background()
	_, c := newCore(t, 4)
	require.NoError(t, c.Halt(ctx, time.Second))
	require.NoError(t, c.WriteReg(ctx, core.RegPC, 0x1000))

	require.NoError(t, c.Step(ctx))
	pc, err := c.ReadReg(ctx, core.RegPC)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1002), pc)
}

func TestBreakpointHit(t *testing.T) {
	ctx := context.Background()
	d, c := newCore(t, 4)
	d.Handlers[0x800] = func(d *fake.Device) {
		d.Regs[0] = 42
	}

	require.NoError(t, c.Halt(ctx, time.Second))
	require.NoError(t, c.SetBreakpoint(ctx, 0x600))
	require.NoError(t, c.WriteReg(ctx, core.RegPC, 0x800))
	require.NoError(t, c.WriteReg(ctx, core.RegLR, 0x601))
	require.NoError(t, c.Resume(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.Halted, st.State)
	require.Equal(t, core.HaltReasonBreakpoint, st.Reason)
	r0, err := c.ReadReg(ctx, core.RegR0)
	require.NoError(t, err)
	require.Equal(t, uint32(42), r0)
}

func TestBreakpointSlotExhaustion(t *testing.T) {
	ctx := context.Background()
	_, c := newCore(t, 2)
	require.NoError(t, c.Halt(ctx, time.Second))

	require.NoError(t, c.SetBreakpoint(ctx, 0x100))
	require.NoError(t, c.SetBreakpoint(ctx, 0x200))
	err := c.SetBreakpoint(ctx, 0x300)
	require.Error(t, err)
	require.Equal(t, core.ErrNoBreakpointSlots, errors.Cause(err))

	// Setting an address that already has a slot is not a new
	// allocation.
	require.NoError(t, c.SetBreakpoint(ctx, 0x200))

	n, err := c.AvailableBreakpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, c.ClearBreakpoint(ctx, 0x100))
	require.NoError(t, c.SetBreakpoint(ctx, 0x300))

	require.NoError(t, c.ClearAllBreakpoints(ctx))
	n, err = c.AvailableBreakpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestClearUnknownBreakpoint(t *testing.T) {
	ctx := context.Background()
	_, c := newCore(t, 4)
	require.NoError(t, c.Halt(ctx, time.Second))
	require.Error(t, c.ClearBreakpoint(ctx, 0x123456))
}

func TestCortexARequiresDebugBase(t *testing.T) {
	_, err := core.NewCortexA(context.Background(), nil, 0)
	require.Error(t, err)
}
