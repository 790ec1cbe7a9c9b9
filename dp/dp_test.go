package dp_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/willglynn/probe-rs/dp"
	"github.com/willglynn/probe-rs/probe/fake"
)

func newClient(t *testing.T, cfg dp.Config) (*fake.Device, dp.Client) {
	t.Helper()
	d := fake.NewDevice(4)
	dpc := dp.NewClient(fake.New(d), cfg)
	require.NoError(t, dpc.Init(context.Background()))
	return d, dpc
}

func TestInit(t *testing.T) {
	d, dpc := newClient(t, dp.Config{})
	idr, err := dpc.IDR(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ARM", idr.Designer().String())
	require.Equal(t, uint8(2), idr.Version())
	require.Equal(t, 1, d.SelectWrites)
}

func TestSelectWrittenOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	d, dpc := newClient(t, dp.Config{})
	base := d.SelectWrites

	// Same AP, same bank: the mirror already matches what Init wrote.
	for i := 0; i < 3; i++ {
		_, err := dpc.ReadAPReg(ctx, 0, 0x00)
		require.NoError(t, err)
	}
	require.NoError(t, dpc.WriteAPReg(ctx, 0, 0x04, 0x1000))
	require.Equal(t, base, d.SelectWrites)

	// Bank change, then back.
	_, err := dpc.ReadAPReg(ctx, 0, 0xfc)
	require.NoError(t, err)
	require.Equal(t, base+1, d.SelectWrites)
	_, err = dpc.ReadAPReg(ctx, 0, 0x00)
	require.NoError(t, err)
	require.Equal(t, base+2, d.SelectWrites)

	// Same bank again: no further writes.
	_, err = dpc.ReadAPReg(ctx, 0, 0x04)
	require.NoError(t, err)
	require.Equal(t, base+2, d.SelectWrites)
}

func TestSelectRewrittenAfterError(t *testing.T) {
	ctx := context.Background()
	d, dpc := newClient(t, dp.Config{})
	base := d.SelectWrites

	d.FaultNext = true
	_, err := dpc.ReadAPReg(ctx, 0, 0x00)
	require.Error(t, err)

	// The mirror is stale now; the next access on the same bank must
	// re-issue SELECT rather than trust it.
	_, err = dpc.ReadAPReg(ctx, 0, 0x00)
	require.NoError(t, err)
	require.Equal(t, base+1, d.SelectWrites)
}

func TestWaitRetries(t *testing.T) {
	const maxRetries = 4
	for waits := 0; waits <= maxRetries; waits++ {
		d, dpc := newClient(t, dp.Config{MaxWaitRetries: maxRetries, WaitRetryDelay: time.Microsecond})
		d.WaitNext = waits
		v, err := dpc.ReadDPReg(context.Background(), dp.DPIDR)
		require.NoError(t, err, "waits=%d", waits)
		require.Equal(t, d.DPIDR, v)
	}
}

func TestWaitRetriesExhausted(t *testing.T) {
	const maxRetries = 4
	d, dpc := newClient(t, dp.Config{MaxWaitRetries: maxRetries, WaitRetryDelay: time.Microsecond})
	before := d.Transfers
	d.WaitNext = maxRetries + 1
	_, err := dpc.ReadDPReg(context.Background(), dp.DPIDR)
	require.Error(t, err)
	require.Equal(t, dp.ErrTimeout, errors.Cause(err))
	// Initial attempt plus maxRetries reissues, nothing more.
	require.Equal(t, before+maxRetries+1, d.Transfers)
}

func TestFaultClearsAndDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	d, dpc := newClient(t, dp.Config{})
	before := d.Transfers

	d.FaultNext = true
	_, err := dpc.ReadDPReg(ctx, dp.CTRLSTAT)
	require.Error(t, err)
	require.Equal(t, dp.ErrFault, errors.Cause(err))
	// One faulted transfer plus the ABORT write, no reissue of the
	// failed access.
	require.Equal(t, before+2, d.Transfers)

	// The sticky flags were cleared, so AP traffic works again.
	_, err = dpc.ReadAPReg(ctx, 0, 0x00)
	require.NoError(t, err)
}

func TestDebugPowerHandshake(t *testing.T) {
	_, dpc := newClient(t, dp.Config{})
	stat, err := dpc.ReadDPReg(context.Background(), dp.CTRLSTAT)
	require.NoError(t, err)
	require.Equal(t, uint32(0xf0000000), stat&0xf0000000)
}

func TestMultiPartialProgressOnWait(t *testing.T) {
	ctx := context.Background()
	d, dpc := newClient(t, dp.Config{MaxWaitRetries: 2, WaitRetryDelay: time.Microsecond})

	r := d.AddRegion(0x20000000, 0x100)
	for i := range r.Data {
		r.Data[i] = byte(i)
	}
	require.NoError(t, dpc.WriteAPReg(ctx, 0, 0x00, 0x23000052)) // word size, auto-inc
	require.NoError(t, dpc.WriteAPReg(ctx, 0, 0x04, 0x20000000))

	// Stall mid-burst: the client must pick up where the target stopped
	// instead of reissuing completed transfers.
	d.WaitAfter = 4
	values, err := dpc.ReadAPRegMulti(ctx, 0, 0x0c, 8)
	require.NoError(t, err)
	require.Len(t, values, 8)
	for i, v := range values {
		b := uint32(i * 4)
		require.Equal(t, b|(b+1)<<8|(b+2)<<16|(b+3)<<24, v, "word %d", i)
	}
}
