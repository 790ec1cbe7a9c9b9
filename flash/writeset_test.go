package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willglynn/probe-rs/target"
)

func TestWriteSetMerge(t *testing.T) {
	var ws writeSet

	ws.add(100, []byte{1, 2, 3, 4})
	ws.add(200, []byte{5, 6})
	require.Len(t, ws.chunks, 2)
	assert.Equal(t, 6, ws.totalBytes())

	// Adjacent chunks coalesce.
	ws.add(104, []byte{7, 8})
	require.Len(t, ws.chunks, 2)
	assert.Equal(t, uint32(100), ws.chunks[0].addr)
	assert.Equal(t, []byte{1, 2, 3, 4, 7, 8}, ws.chunks[0].data)

	// Overlap: new data wins.
	ws.add(102, []byte{9, 9, 9})
	require.Len(t, ws.chunks, 2)
	assert.Equal(t, []byte{1, 2, 9, 9, 9, 8}, ws.chunks[0].data)

	// Bridge the gap between the two chunks.
	ws.add(106, make([]byte, 94))
	require.Len(t, ws.chunks, 1)
	assert.Equal(t, uint32(100), ws.chunks[0].addr)
	assert.Equal(t, 102, ws.totalBytes())
	assert.Equal(t, []byte{5, 6}, ws.chunks[0].data[100:])
}

func TestWriteSetInsertBefore(t *testing.T) {
	var ws writeSet
	ws.add(200, []byte{1})
	ws.add(50, []byte{2})
	require.Len(t, ws.chunks, 2)
	assert.Equal(t, uint32(50), ws.chunks[0].addr)
	assert.Equal(t, uint32(200), ws.chunks[1].addr)
}

func TestWriteSetEmptyAdd(t *testing.T) {
	var ws writeSet
	ws.add(100, nil)
	assert.True(t, ws.empty())
}

func TestSectorAddrs(t *testing.T) {
	r := &target.MemoryRegion{
		Name:       "flash",
		Kind:       target.KindFlash,
		Addr:       0x08000000,
		Size:       0x4000,
		SectorSize: 0x1000,
		PageSize:   0x400,
	}
	var ws writeSet
	// Touches sector 0 only.
	ws.add(0x08000010, make([]byte, 8))
	// Spans the sector 2/3 boundary.
	ws.add(0x08002ffe, make([]byte, 4))
	assert.Equal(t, []uint32{0x08000000, 0x08002000, 0x08003000}, ws.sectorAddrs(r))

	// Data outside the region contributes nothing.
	ws.add(0x20000000, make([]byte, 64))
	assert.Equal(t, []uint32{0x08000000, 0x08002000, 0x08003000}, ws.sectorAddrs(r))
}

func TestOverlay(t *testing.T) {
	var ws writeSet
	ws.add(110, []byte{1, 2, 3})
	ws.add(120, []byte{4, 5})

	dst := make([]byte, 30)
	for i := range dst {
		dst[i] = 0xff
	}
	full := ws.overlay(100, dst)
	assert.False(t, full)
	assert.Equal(t, []byte{0xff, 1, 2, 3, 0xff}, dst[9:14])
	assert.Equal(t, []byte{4, 5}, dst[20:22])

	dst2 := make([]byte, 3)
	assert.True(t, ws.overlay(110, dst2))
	assert.Equal(t, []byte{1, 2, 3}, dst2)
}
