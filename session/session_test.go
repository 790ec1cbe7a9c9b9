package session_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willglynn/probe-rs/flash"
	"github.com/willglynn/probe-rs/probe"
	"github.com/willglynn/probe-rs/probe/fake"
	"github.com/willglynn/probe-rs/session"
	"github.com/willglynn/probe-rs/target"
)

const (
	ramBase   = 0x20000000
	flashBase = 0x08000000
)

func testDescriptor() *target.Descriptor {
	img := make([]byte, 64)
	img[1] = 0xbe
	return &target.Descriptor{
		Name:  "sessionchip",
		Cores: []target.CoreConfig{{Architecture: "cortex-m"}},
		Regions: []target.MemoryRegion{
			{Name: "flash", Kind: target.KindFlash, Addr: flashBase, Size: 0x4000,
				SectorSize: 0x1000, PageSize: 0x400, Algorithm: "alg"},
			{Name: "ram", Kind: target.KindRAM, Addr: ramBase, Size: 0x8000},
		},
		Algorithms: []target.FlashAlgorithm{{
			Name:         "alg",
			Image:        base64.StdEncoding.EncodeToString(img),
			LoadAddr:     ramBase,
			StackPointer: ramBase + 0x7000,
			PageBuffer:   ramBase + 0x4000,
			PageBufSize:  0x400,
			EraseSector:  0x10,
			ProgramPage:  0x20,
		}},
	}
}

func newSession(t *testing.T) (*fake.Device, *fake.Probe, *session.Session) {
	t.Helper()
	d := fake.NewDevice(4)
	d.AddRegion(ramBase, 0x8000)
	d.AddRegion(flashBase, 0x4000)
	p := fake.New(d)
	s, err := session.Attach(context.Background(), p, testDescriptor(), session.Options{})
	require.NoError(t, err)
	return d, p, s
}

func TestAttach(t *testing.T) {
	_, p, s := newSession(t)
	assert.Equal(t, probe.ProtocolSWD, p.Proto)
	assert.Equal(t, uint32(1000000), p.SpeedHz)
	// Line reset, switch sequence, line reset, idle.
	assert.Equal(t, 4, p.SWJCalls)
	assert.NotNil(t, s.Memory())
	assert.Equal(t, "sessionchip", s.Target().Name)
}

func TestAttachRejectsBadDescriptor(t *testing.T) {
	d := fake.NewDevice(4)
	p := fake.New(d)
	td := testDescriptor()
	td.Cores = nil
	_, err := session.Attach(context.Background(), p, td, session.Options{})
	require.Error(t, err)
	require.Equal(t, target.ErrConfiguration, errors.Cause(err))
	// Validation failed before the first wire transaction.
	assert.Equal(t, 0, d.Transfers)
}

func TestCoreBringUp(t *testing.T) {
	ctx := context.Background()
	d, _, s := newSession(t)

	c, err := s.Core(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "cortex-m", c.Architecture())

	// Same core handle on repeat lookups.
	c2, err := s.Core(ctx, 0)
	require.NoError(t, err)
	assert.Same(t, c, c2)

	_, err = s.Core(ctx, 1)
	require.Error(t, err)

	require.NoError(t, c.Halt(ctx, time.Second))
	assert.True(t, d.Halted())
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, _, s := newSession(t)
	data := []byte{1, 2, 3, 4, 5}
	require.NoError(t, s.Memory().WriteBlock(ctx, ramBase+3, data))
	assert.Equal(t, data, d.ReadMem(ramBase+3, len(data)))
}

func TestNewLoader(t *testing.T) {
	ctx := context.Background()
	_, _, s := newSession(t)
	l, err := s.NewLoader(ctx, 0, flash.Options{})
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestHardReset(t *testing.T) {
	ctx := context.Background()
	d, _, s := newSession(t)
	d.ResetPC = 0x1234
	d.Regs[15] = 0x9999
	require.NoError(t, s.HardReset(ctx, time.Millisecond))
	assert.Equal(t, uint32(0x1234), d.Regs[15])
}

func TestDetach(t *testing.T) {
	ctx := context.Background()
	d, p, s := newSession(t)

	c, err := s.Core(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Halt(ctx, time.Second))
	require.NoError(t, c.SetBreakpoint(ctx, 0x100))

	require.NoError(t, s.Detach(ctx))
	assert.False(t, d.Halted(), "detach must leave the core running")
	assert.True(t, p.Closed())

	n, err := c.AvailableBreakpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
