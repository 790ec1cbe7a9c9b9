package flash_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willglynn/probe-rs/core"
	"github.com/willglynn/probe-rs/dp"
	"github.com/willglynn/probe-rs/flash"
	"github.com/willglynn/probe-rs/memap"
	"github.com/willglynn/probe-rs/probe/fake"
	"github.com/willglynn/probe-rs/target"
)

const (
	ramBase   = 0x20000000
	ramSize   = 0x8000
	flashBase = 0x08000000
	flashSize = 0x4000
	sectorSz  = 0x1000
	pageSz    = 0x400

	loadAddr   = ramBase
	stackPtr   = ramBase + 0x7000
	pageBuf    = ramBase + 0x4000
	pageBufLen = pageSz

	entryInit        = 0x20
	entryUnInit      = 0x24
	entryEraseSector = 0x28
	entryEraseAll    = 0x2c
	entryProgramPage = 0x30
)

// algImage is a fake algorithm blob: a breakpoint instruction at the base
// (the return landing pad) followed by filler the handlers stand in for.
func algImage() []byte {
	img := make([]byte, 256)
	for i := range img {
		img[i] = byte(i * 7)
	}
	img[0] = 0x00
	img[1] = 0xbe // BKPT #0
	return img
}

type rig struct {
	d     *fake.Device
	ctl   core.Control
	mem   *memap.Client
	td    *target.Descriptor
	flash *fake.Region

	erases    []uint32
	eraseAlls int
	programs  int
	initFncs  []uint32
	// corruptAt, when nonzero, makes ProgramPage flip the byte at that
	// flash address.
	corruptAt uint32
}

func descriptor(t *testing.T, mutate func(*target.Descriptor)) *target.Descriptor {
	t.Helper()
	td := &target.Descriptor{
		Name:  "faketarget",
		Cores: []target.CoreConfig{{Architecture: "cortex-m"}},
		Regions: []target.MemoryRegion{
			{Name: "flash", Kind: target.KindFlash, Addr: flashBase, Size: flashSize,
				SectorSize: sectorSz, PageSize: pageSz, Algorithm: "alg"},
			{Name: "ram", Kind: target.KindRAM, Addr: ramBase, Size: ramSize},
		},
		Algorithms: []target.FlashAlgorithm{{
			Name:                 "alg",
			Image:                base64.StdEncoding.EncodeToString(algImage()),
			LoadAddr:             loadAddr,
			StackPointer:         stackPtr,
			PageBuffer:           pageBuf,
			PageBufSize:          pageBufLen,
			Init:                 entryInit,
			UnInit:               entryUnInit,
			EraseSector:          entryEraseSector,
			EraseAll:             entryEraseAll,
			ProgramPage:          entryProgramPage,
			EraseSectorTimeoutMs: 200,
			ProgramPageTimeoutMs: 200,
		}},
	}
	if mutate != nil {
		mutate(td)
	}
	require.NoError(t, td.Validate())
	return td
}

func newRig(t *testing.T, mutate func(*target.Descriptor)) *rig {
	t.Helper()
	ctx := context.Background()
	r := &rig{td: descriptor(t, mutate)}
	r.d = fake.NewDevice(4)
	r.d.AddRegion(ramBase, ramSize)
	r.flash = r.d.AddRegion(flashBase, flashSize)
	for i := range r.flash.Data {
		r.flash.Data[i] = 0xff
	}

	r.d.Handlers[loadAddr+entryInit] = func(d *fake.Device) {
		r.initFncs = append(r.initFncs, d.Regs[2])
		d.Regs[0] = 0
	}
	r.d.Handlers[loadAddr+entryUnInit] = func(d *fake.Device) {
		d.Regs[0] = 0
	}
	r.d.Handlers[loadAddr+entryEraseSector] = func(d *fake.Device) {
		addr := d.Regs[0]
		r.erases = append(r.erases, addr)
		for i := uint32(0); i < sectorSz; i++ {
			r.flash.Data[addr-flashBase+i] = 0xff
		}
		d.Regs[0] = 0
	}
	r.d.Handlers[loadAddr+entryEraseAll] = func(d *fake.Device) {
		r.eraseAlls++
		for i := range r.flash.Data {
			r.flash.Data[i] = 0xff
		}
		d.Regs[0] = 0
	}
	r.d.Handlers[loadAddr+entryProgramPage] = func(d *fake.Device) {
		adr, sz, buf := d.Regs[0], d.Regs[1], d.Regs[2]
		src := d.ReadMem(buf, int(sz))
		for i := uint32(0); i < sz; i++ {
			r.flash.Data[adr-flashBase+i] &= src[i]
		}
		if r.corruptAt >= adr && r.corruptAt < adr+sz {
			r.flash.Data[r.corruptAt-flashBase] ^= 0xff
		}
		r.programs++
		d.Regs[0] = 0
	}

	dpc := dp.NewClient(fake.New(r.d), dp.Config{})
	require.NoError(t, dpc.Init(ctx))
	r.mem = memap.New(dpc, 0)
	require.NoError(t, r.mem.Init(ctx))
	ctl, err := core.NewCortexM(ctx, r.mem)
	require.NoError(t, err)
	r.ctl = ctl
	return r
}

func (r *rig) loader(opts flash.Options) *flash.Loader {
	return flash.NewLoader(r.ctl, r.mem, r.td, opts)
}

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)*3 + seed
	}
	return data
}

func TestFlashOnlyTouchedSectorsErased(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)

	l := r.loader(flash.Options{})
	require.NoError(t, l.AddData(flashBase+0x10, pattern(8, 1)))
	require.NoError(t, l.AddData(flashBase+2*sectorSz+0x100, pattern(8, 2)))
	require.NoError(t, l.Commit(ctx, nil))

	assert.Equal(t, []uint32{flashBase, flashBase + 2*sectorSz}, r.erases)
	assert.Equal(t, 0, r.eraseAlls)
	assert.Equal(t, pattern(8, 1), r.flash.Data[0x10:0x18])
	assert.Equal(t, pattern(8, 2), r.flash.Data[2*sectorSz+0x100:2*sectorSz+0x108])
}

func TestFlashEndToEndPreservesNeighbours(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	for i := range r.flash.Data {
		r.flash.Data[i] = 0x5a
	}

	data := pattern(6000, 7)
	l := r.loader(flash.Options{Verify: true})
	require.NoError(t, l.AddData(flashBase+100, data))
	require.NoError(t, l.Commit(ctx, nil))

	// Two sectors were touched, the other two never erased.
	assert.Equal(t, []uint32{flashBase, flashBase + sectorSz}, r.erases)
	assert.Equal(t, data, r.flash.Data[100:6100])
	// Bytes around the write inside the erased sectors were read back
	// and restored.
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 100), r.flash.Data[:100])
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 2*sectorSz-6100), r.flash.Data[6100:2*sectorSz])
	// Untouched sectors keep their content.
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 2*sectorSz), r.flash.Data[2*sectorSz:])

	// Init was called once per phase: erase, program, verify readback
	// needs no Init since the algorithm has no Verify entry.
	assert.Equal(t, []uint32{1, 2}, r.initFncs)
}

func TestFlashSkipUnchanged(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	data := pattern(2*pageSz, 3)

	l := r.loader(flash.Options{})
	require.NoError(t, l.AddData(flashBase, data))
	require.NoError(t, l.Commit(ctx, nil))
	require.Equal(t, 1, len(r.erases))
	programsAfterFirst := r.programs

	l = r.loader(flash.Options{SkipUnchanged: true})
	require.NoError(t, l.AddData(flashBase, data))
	require.NoError(t, l.Commit(ctx, nil))
	assert.Equal(t, 1, len(r.erases), "unchanged sector must not be erased again")
	assert.Equal(t, programsAfterFirst, r.programs)
}

func TestFlashVerifyMismatch(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.corruptAt = flashBase + 0x123

	l := r.loader(flash.Options{Verify: true})
	require.NoError(t, l.AddData(flashBase, pattern(0x800, 9)))
	err := l.Commit(ctx, nil)
	require.Error(t, err)
	ve, ok := errors.Cause(err).(*flash.VerifyError)
	require.True(t, ok, "want VerifyError, got %v", err)
	assert.Equal(t, uint32(flashBase+0x123), ve.Addr)
}

func TestFlashAlgorithmError(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.d.Handlers[loadAddr+entryEraseSector] = func(d *fake.Device) {
		d.Regs[0] = 7
	}

	l := r.loader(flash.Options{})
	require.NoError(t, l.AddData(flashBase, pattern(16, 0)))
	err := l.Commit(ctx, nil)
	require.Error(t, err)
	ae, ok := errors.Cause(err).(*flash.AlgorithmError)
	require.True(t, ok, "want AlgorithmError, got %v", err)
	assert.Equal(t, "EraseSector", ae.Entry)
	assert.Equal(t, uint32(7), ae.Code)
}

func TestFlashAlgorithmTimeout(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, func(td *target.Descriptor) {
		td.Algorithms[0].ProgramPageTimeoutMs = 50
	})
	// No handler at ProgramPage: the "routine" never returns.
	delete(r.d.Handlers, loadAddr+entryProgramPage)

	l := r.loader(flash.Options{})
	require.NoError(t, l.AddData(flashBase, pattern(16, 0)))
	err := l.Commit(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, flash.ErrAlgorithmTimeout, errors.Cause(err))
	// Teardown regained control: the core is halted, not runaway.
	assert.True(t, r.d.Halted())
}

func TestFlashEraseAllFallback(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, func(td *target.Descriptor) {
		td.Algorithms[0].EraseSector = 0
	})

	l := r.loader(flash.Options{})
	require.NoError(t, l.AddData(flashBase+0x10, pattern(8, 1)))
	require.NoError(t, l.Commit(ctx, nil))
	assert.Equal(t, 1, r.eraseAlls)
	assert.Empty(t, r.erases)
	assert.Equal(t, pattern(8, 1), r.flash.Data[0x10:0x18])
}

func TestFlashAddDataBounds(t *testing.T) {
	r := newRig(t, nil)
	l := r.loader(flash.Options{})
	require.Error(t, l.AddData(ramBase, []byte{1}), "ram is not programmable")
	require.Error(t, l.AddData(flashBase+flashSize-4, pattern(8, 0)), "write runs off the end of flash")
	require.NoError(t, l.AddData(flashBase+flashSize-8, pattern(8, 0)))
}

func TestFlashProgress(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)

	var events []flash.Progress
	l := r.loader(flash.Options{Verify: true})
	require.NoError(t, l.AddData(flashBase, pattern(2*pageSz, 5)))
	require.NoError(t, l.Commit(ctx, func(p flash.Progress) { events = append(events, p) }))

	require.NotEmpty(t, events)
	seen := map[string]int{}
	for _, e := range events {
		seen[e.Phase]++
		assert.LessOrEqual(t, e.Done, e.Total)
	}
	assert.NotZero(t, seen[flash.PhaseErase])
	assert.NotZero(t, seen[flash.PhaseProgram])
	assert.NotZero(t, seen[flash.PhaseVerify])
	last := events[len(events)-1]
	assert.Equal(t, last.Total, last.Done)
}

func TestFlashCommitTwice(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	l := r.loader(flash.Options{})
	require.NoError(t, l.AddData(flashBase, pattern(4, 0)))
	require.NoError(t, l.Commit(ctx, nil))
	require.Error(t, l.Commit(ctx, nil))
	require.Error(t, l.AddData(flashBase, pattern(4, 0)))
}

func TestFlashEmptyCommit(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.loader(flash.Options{}).Commit(context.Background(), nil))
	assert.Empty(t, r.erases)
	assert.Equal(t, 0, r.programs)
}

func TestFlashHaltTimeoutSurfaces(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	r.d.HangOnHalt = true

	l := r.loader(flash.Options{HaltTimeout: 20 * time.Millisecond})
	require.NoError(t, l.AddData(flashBase, pattern(4, 0)))
	err := l.Commit(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, core.ErrTimeout, errors.Cause(err))
}
