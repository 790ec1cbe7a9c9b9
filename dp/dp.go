// Package dp implements the ADI Debug Port register protocol on top of a
// transaction-level probe: port and bank selection with a software-mirrored
// SELECT register, acknowledgement decoding, bounded WAIT retry and sticky
// fault recovery.
package dp

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/probe"
)

type Reg uint8

const (
	DPIDR    Reg = 0x00
	ABORT    Reg = 0x00 // write-only, shares the address with DPIDR
	CTRLSTAT Reg = 0x04
	SELECT   Reg = 0x08
	RDBUFF   Reg = 0x0c
)

const (
	// ABORT bits: clear all sticky error flags plus any stalled transfer.
	abortClearAll = 0x1e

	ctrlStatCDBGPWRUPREQ = 1 << 28
	ctrlStatCDBGPWRUPACK = 1 << 29
	ctrlStatCSYSPWRUPREQ = 1 << 30
	ctrlStatCSYSPWRUPACK = 1 << 31
)

// ErrTimeout is returned when a transfer kept answering WAIT past the
// configured retry budget.
var ErrTimeout = errors.New("transfer timed out (WAIT retries exhausted)")

// ErrFault is returned on a FAULT acknowledgement. The sticky error flags
// have already been cleared via ABORT by the time the error is surfaced;
// the failed transfer is not retried.
var ErrFault = errors.New("transfer fault")

// Config holds the WAIT retry policy. The defaults are deliberately
// conservative; both values are caller-overridable.
type Config struct {
	// MaxWaitRetries bounds how many times a WAIT-ed transfer is
	// reissued before ErrTimeout.
	MaxWaitRetries int
	// WaitRetryDelay is the delay before the first retry; each further
	// retry doubles it.
	WaitRetryDelay time.Duration
}

var DefaultConfig = Config{
	MaxWaitRetries: 8,
	WaitRetryDelay: 50 * time.Microsecond,
}

func (c *Config) fillDefaults() {
	if c.MaxWaitRetries == 0 {
		c.MaxWaitRetries = DefaultConfig.MaxWaitRetries
	}
	if c.WaitRetryDelay == 0 {
		c.WaitRetryDelay = DefaultConfig.WaitRetryDelay
	}
}

// Client is the debug access layer interface consumed by the memory layer
// and by session setup.
type Client interface {
	Init(ctx context.Context) error
	IDR(ctx context.Context) (IDRValue, error)

	ReadDPReg(ctx context.Context, reg Reg) (uint32, error)
	WriteDPReg(ctx context.Context, reg Reg, value uint32) error

	// AP register access. apReg is the full 8-bit AP register address;
	// bank selection happens internally and only touches SELECT when the
	// cached selection differs.
	ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error)
	WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error
	ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error)
	WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) (int, error)

	// ClearStickyErrors issues the ABORT-based fault recovery sequence.
	ClearStickyErrors(ctx context.Context) error
	SetDebugPower(ctx context.Context, dbg, sys bool) error
}

func NewClient(p probe.Probe, cfg Config) Client {
	cfg.fillDefaults()
	return &dpClient{p: p, cfg: cfg}
}

type dpClient struct {
	p   probe.Probe
	cfg Config

	// Software mirror of the SELECT register. selectValid goes false on
	// any fault or timeout so the next AP access re-issues the select
	// rather than trusting possibly stale probe state.
	selectValue uint32
	selectValid bool
}

// transfer issues a single-register transfer with WAIT retry. FAULT clears
// the sticky flags and surfaces ErrFault without retrying: a fault means
// the access itself was bad, reissuing it verbatim cannot help.
func (dpc *dpClient) transfer(ctx context.Context, req probe.Request) (uint32, error) {
	delay := dpc.cfg.WaitRetryDelay
	for attempt := 0; ; attempt++ {
		res, err := dpc.p.Transfer(ctx, []probe.Request{req})
		if err != nil {
			dpc.selectValid = false
			return 0, errors.Trace(err)
		}
		switch res.Ack {
		case probe.AckOK:
			if req.Op == probe.OpRead {
				return res.Data[0], nil
			}
			return 0, nil
		case probe.AckWait:
			if attempt >= dpc.cfg.MaxWaitRetries {
				dpc.selectValid = false
				return 0, errors.Annotatef(ErrTimeout, "reg 0x%02x (ap=%t) after %d attempts", req.Reg, req.AP, attempt+1)
			}
			glog.V(4).Infof("WAIT on reg 0x%02x (ap=%t), attempt %d", req.Reg, req.AP, attempt+1)
			select {
			case <-ctx.Done():
				dpc.selectValid = false
				return 0, errors.Annotatef(ctx.Err(), "waiting out WAIT on reg 0x%02x", req.Reg)
			case <-time.After(delay):
			}
			delay *= 2
		case probe.AckFault:
			dpc.selectValid = false
			if cerr := dpc.ClearStickyErrors(ctx); cerr != nil {
				glog.Warningf("failed to clear sticky errors after FAULT: %v", cerr)
			}
			return 0, errors.Annotatef(ErrFault, "reg 0x%02x (ap=%t)", req.Reg, req.AP)
		default:
			dpc.selectValid = false
			return 0, errors.Errorf("no response from target (ack %s)", res.Ack)
		}
	}
}

func (dpc *dpClient) ReadDPReg(ctx context.Context, reg Reg) (uint32, error) {
	value, err := dpc.transfer(ctx, probe.Request{Op: probe.OpRead, Reg: uint8(reg)})
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, errors.Trace(err)
}

func (dpc *dpClient) WriteDPReg(ctx context.Context, reg Reg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	if _, err := dpc.transfer(ctx, probe.Request{Op: probe.OpWrite, Reg: uint8(reg), Data: value}); err != nil {
		return errors.Trace(err)
	}
	if reg == SELECT {
		dpc.selectValue = value
		dpc.selectValid = true
	}
	return nil
}

// ClearStickyErrors writes ABORT directly, bypassing the retry machinery:
// it must work even when the port is refusing regular transfers.
func (dpc *dpClient) ClearStickyErrors(ctx context.Context) error {
	res, err := dpc.p.Transfer(ctx, []probe.Request{
		{Op: probe.OpWrite, Reg: uint8(ABORT), Data: abortClearAll},
	})
	if err != nil {
		return errors.Annotatef(err, "failed to write ABORT")
	}
	if !res.Ok() {
		return errors.Errorf("ABORT write not acknowledged (ack %s)", res.Ack)
	}
	return nil
}

func (dpc *dpClient) Init(ctx context.Context) error {
	if _, err := dpc.IDR(ctx); err != nil {
		return errors.Annotatef(err, "failed to read DPIDR")
	}
	if err := dpc.WriteDPReg(ctx, SELECT, 0); err != nil {
		return errors.Trace(err)
	}
	if err := dpc.SetDebugPower(ctx, true, true); err != nil {
		return errors.Trace(err)
	}
	// Start from a clean slate: a previous session may have left sticky
	// errors behind.
	if err := dpc.ClearStickyErrors(ctx); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (dpc *dpClient) IDR(ctx context.Context) (IDRValue, error) {
	v, err := dpc.ReadDPReg(ctx, DPIDR)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return IDRValue(v), nil
}

func (dpc *dpClient) SetDebugPower(ctx context.Context, dbg, sys bool) error {
	var reqMask, ackMask uint32
	if dbg {
		reqMask |= ctrlStatCDBGPWRUPREQ
		ackMask |= ctrlStatCDBGPWRUPACK
	}
	if sys {
		reqMask |= ctrlStatCSYSPWRUPREQ
		ackMask |= ctrlStatCSYSPWRUPACK
	}
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		statValue, err := dpc.ReadDPReg(ctx, CTRLSTAT)
		if err != nil {
			return errors.Annotatef(err, "failed to read CTRLSTAT")
		}
		if statValue&0xf0000000 == (reqMask | ackMask) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Annotatef(ErrTimeout, "debug power-up not acknowledged (CTRLSTAT 0x%08x)", statValue)
		}
		ctrlValue := (statValue & 0x07ffffff) | reqMask
		if err := dpc.WriteDPReg(ctx, CTRLSTAT, ctrlValue); err != nil {
			return errors.Annotatef(err, "failed to write CTRLSTAT")
		}
	}
}

// selectAP updates SELECT iff the requested AP/bank differs from the last
// value actually written. A stale mirror (after any error) always forces
// the write.
func (dpc *dpClient) selectAP(ctx context.Context, apSel, apBank uint8) error {
	sv := (dpc.selectValue & 0x00ffff0f) | (uint32(apSel) << 24) | ((uint32(apBank) & 0xf) << 4)
	if dpc.selectValid && sv == dpc.selectValue {
		return nil
	}
	if err := dpc.WriteDPReg(ctx, SELECT, sv); err != nil {
		return errors.Annotatef(err, "failed to select AP %d bank %d", apSel, apBank)
	}
	return nil
}

func (dpc *dpClient) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := dpc.transfer(ctx, probe.Request{Op: probe.OpRead, AP: true, Reg: apReg % 16})
	return value, errors.Trace(err)
}

func (dpc *dpClient) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(dpc.transfer2(ctx, probe.Request{Op: probe.OpWrite, AP: true, Reg: apReg % 16, Data: value}))
}

func (dpc *dpClient) transfer2(ctx context.Context, req probe.Request) error {
	_, err := dpc.transfer(ctx, req)
	return err
}

// blockTransfer runs one block operation with the same WAIT policy as
// single transfers. The whole chunk is reissued on WAIT; a chunk that was
// partially completed before a non-WAIT failure reports how many words
// made it through.
func (dpc *dpClient) blockTransfer(ctx context.Context, read bool, reg uint8, n int, values []uint32) ([]uint32, int, error) {
	delay := dpc.cfg.WaitRetryDelay
	for attempt := 0; ; attempt++ {
		var res *probe.Result
		var err error
		if read {
			res, err = dpc.p.BlockRead(ctx, true, reg, n)
		} else {
			res, err = dpc.p.BlockWrite(ctx, true, reg, values)
		}
		if err != nil {
			dpc.selectValid = false
			return nil, 0, errors.Trace(err)
		}
		switch res.Ack {
		case probe.AckOK:
			return res.Data, res.Completed, nil
		case probe.AckWait:
			if res.Completed > 0 {
				// Partial progress: the target stalled mid-burst.
				// Reissuing the whole chunk would repeat completed
				// transfers, so report progress and let the memory
				// layer re-arm from where it stopped.
				return res.Data, res.Completed, nil
			}
			if attempt >= dpc.cfg.MaxWaitRetries {
				dpc.selectValid = false
				return nil, 0, errors.Annotatef(ErrTimeout, "block transfer after %d attempts", attempt+1)
			}
			select {
			case <-ctx.Done():
				dpc.selectValid = false
				return nil, 0, errors.Trace(ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		case probe.AckFault:
			dpc.selectValid = false
			if cerr := dpc.ClearStickyErrors(ctx); cerr != nil {
				glog.Warningf("failed to clear sticky errors after FAULT: %v", cerr)
			}
			return res.Data, res.Completed, errors.Annotatef(ErrFault, "block transfer (completed %d)", res.Completed)
		default:
			dpc.selectValid = false
			return res.Data, res.Completed, errors.Errorf("no response from target (ack %s)", res.Ack)
		}
	}
}

func (dpc *dpClient) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return nil, errors.Trace(err)
	}
	maxChunkSize := dpc.p.BlockMaxSize()
	var res []uint32
	for length > 0 {
		chunkSize := length
		if chunkSize > maxChunkSize {
			chunkSize = maxChunkSize
		}
		chunk, n, err := dpc.blockTransfer(ctx, true, apReg%16, chunkSize, nil)
		res = append(res, chunk[:n]...)
		if err != nil {
			return res, errors.Trace(err)
		}
		length -= n
	}
	return res, nil
}

func (dpc *dpClient) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) (int, error) {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return 0, errors.Trace(err)
	}
	maxChunkSize := dpc.p.BlockMaxSize()
	offset := 0
	for offset < len(values) {
		chunk := values[offset:]
		if len(chunk) > maxChunkSize {
			chunk = chunk[:maxChunkSize]
		}
		_, n, err := dpc.blockTransfer(ctx, false, apReg%16, 0, chunk)
		offset += n
		if err != nil {
			return offset, errors.Trace(err)
		}
	}
	return offset, nil
}

// IDRValue decodes the DPIDR identification register.
type IDRValue uint32

type Designer uint16

func (v IDRValue) Designer() Designer {
	return Designer(v & 0xfff)
}

func (v IDRValue) Version() uint8 {
	return uint8((v >> 12) & 0xf)
}

func (v IDRValue) Minimal() bool {
	return (v>>16)&1 != 0
}

func (v IDRValue) Revision() uint8 {
	return uint8((v >> 28) & 0xf)
}

func (d Designer) String() string {
	if d == 0x477 {
		return "ARM"
	}
	return fmt.Sprintf("0x%03x", uint16(d))
}

func (r Reg) String() string {
	switch r {
	case DPIDR:
		return "DPIDR"
	case CTRLSTAT:
		return "CTRLSTAT"
	case SELECT:
		return "SELECT"
	case RDBUFF:
		return "RDBUFF"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
