package memap_test

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/willglynn/probe-rs/dp"
	"github.com/willglynn/probe-rs/memap"
	"github.com/willglynn/probe-rs/probe/fake"
)

const ramBase = 0x20000000

func newClient(t *testing.T) (*fake.Device, *memap.Client) {
	t.Helper()
	ctx := context.Background()
	d := fake.NewDevice(4)
	d.AddRegion(ramBase, 0x1000)
	dpc := dp.NewClient(fake.New(d), dp.Config{})
	require.NoError(t, dpc.Init(ctx))
	m := memap.New(dpc, 0)
	require.NoError(t, m.Init(ctx))
	return d, m
}

func TestWordAccess(t *testing.T) {
	ctx := context.Background()
	d, m := newClient(t)

	require.NoError(t, m.WriteWord32(ctx, ramBase+8, 0xdeadbeef))
	v, err := m.ReadWord32(ctx, ramBase+8)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v)
	require.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, d.ReadMem(ramBase+8, 4))

	_, err = m.ReadWord32(ctx, ramBase+2)
	require.Error(t, err)
}

func TestSubWordAccess(t *testing.T) {
	ctx := context.Background()
	d, m := newClient(t)
	d.WriteMem(ramBase, []byte{0x11, 0x22, 0x33, 0x44})

	b, err := m.ReadWord8(ctx, ramBase+2)
	require.NoError(t, err)
	require.Equal(t, uint8(0x33), b)

	h, err := m.ReadWord16(ctx, ramBase+2)
	require.NoError(t, err)
	require.Equal(t, uint16(0x4433), h)

	require.NoError(t, m.WriteWord8(ctx, ramBase+1, 0xaa))
	require.NoError(t, m.WriteWord16(ctx, ramBase+2, 0xbbcc))
	require.Equal(t, []byte{0x11, 0xaa, 0xcc, 0xbb}, d.ReadMem(ramBase, 4))
}

func TestBlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		addr uint32
		size int
	}{
		{"aligned", ramBase, 16},
		{"offset1", ramBase + 1, 7},
		{"offset3", ramBase + 3, 5},
		{"single", ramBase + 5, 1},
		{"subword", ramBase + 1, 2},
		{"crossWindow", ramBase + 0x3fa, 0x20},
		{"largerThanWindow", ramBase + 2, 0x500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, m := newClient(t)
			r := d.Regions[0]
			for i := range r.Data {
				r.Data[i] = 0xa5
			}
			data := make([]byte, tc.size)
			for i := range data {
				data[i] = byte(i*13 + 1)
			}
			require.NoError(t, m.WriteBlock(ctx, tc.addr, data))

			// Neighbors untouched.
			require.Equal(t, uint8(0xa5), d.ReadMem(tc.addr-1, 1)[0])
			end := tc.addr + uint32(tc.size)
			if end < ramBase+0x1000 {
				require.Equal(t, uint8(0xa5), d.ReadMem(end, 1)[0])
			}

			got := make([]byte, tc.size)
			require.NoError(t, m.ReadBlock(ctx, tc.addr, got))
			require.Equal(t, data, got)
		})
	}
}

func TestBlockAutoIncrementRearm(t *testing.T) {
	// A burst crossing the 10-bit auto-increment boundary must land
	// contiguously; hardware wraps TAR inside the window if the client
	// does not re-arm it.
	ctx := context.Background()
	d, m := newClient(t)
	data := make([]byte, 0x800)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, m.WriteBlock(ctx, ramBase, data))
	require.Equal(t, data, d.ReadMem(ramBase, len(data)))
}

func TestBlockWriteOffsetError(t *testing.T) {
	ctx := context.Background()
	_, m := newClient(t)
	data := make([]byte, 16)
	err := m.WriteBlock(ctx, ramBase+0x1000-8, data)
	require.Error(t, err)
	var oe *memap.OffsetError
	require.True(t, errors.As(err, &oe))
	require.Equal(t, 8, oe.Offset)
	require.Equal(t, dp.ErrFault, errors.Cause(err))
}

func TestBlockReadOffsetError(t *testing.T) {
	ctx := context.Background()
	_, m := newClient(t)
	data := make([]byte, 17)
	err := m.ReadBlock(ctx, ramBase+0x1000-9, data)
	require.Error(t, err)
	var oe *memap.OffsetError
	require.True(t, errors.As(err, &oe))
	require.Equal(t, 9, oe.Offset)
}
