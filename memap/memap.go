// Package memap performs addressed memory transfers through a MEM-AP:
// word/halfword/byte accesses and block transfers over a linear address
// space, with access-size selection via CSW and transparent re-arming of
// the TAR auto-increment window.
package memap

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/dp"
)

type Reg uint8

const (
	CSW  Reg = 0x00
	TAR  Reg = 0x04
	DRW  Reg = 0x0c
	CFG  Reg = 0xf4
	BASE Reg = 0xf8
	IDR  Reg = 0xfc
)

const (
	cswDeviceEn  = 1 << 6
	cswAddrIncOn = 1 << 4

	cswSizeByte = 0
	cswSizeHalf = 1
	cswSizeWord = 2

	// cswBase carries the fixed CSW bits every access needs: HPROT data
	// access, master debug.
	cswBase = 0x23000040

	// TAR auto-increment is only guaranteed on the low 10 bits; a burst
	// crossing this boundary must re-arm TAR.
	autoIncWindow = 0x400
)

// OffsetError reports how far into a block operation a failure happened,
// so the caller can decide whether to resume or abort.
type OffsetError struct {
	// Offset is the number of bytes successfully transferred before the
	// failure.
	Offset int
	cause  error
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("block transfer failed at byte offset %d: %v", e.Offset, e.cause)
}

func (e *OffsetError) Cause() error { return e.cause }

func (e *OffsetError) Unwrap() error { return e.cause }

// Client is the byte-addressed memory interface built on one MEM-AP.
type Client struct {
	dpc   dp.Client
	apSel uint8

	csw         uint32
	cswValid    bool
	supports8   bool
	supports16  bool
	sizesProbed bool
}

func New(dpc dp.Client, apSel uint8) *Client {
	return &Client{dpc: dpc, apSel: apSel}
}

func (m *Client) APSel() uint8 { return m.apSel }

func (m *Client) ReadReg(ctx context.Context, reg Reg) (uint32, error) {
	value, err := m.dpc.ReadAPReg(ctx, m.apSel, uint8(reg))
	glog.V(4).Infof("AP%d %s == 0x%08x", m.apSel, reg, value)
	return value, errors.Trace(err)
}

func (m *Client) WriteReg(ctx context.Context, reg Reg, value uint32) error {
	glog.V(4).Infof("AP%d %s = 0x%08x", m.apSel, reg, value)
	return errors.Trace(m.dpc.WriteAPReg(ctx, m.apSel, uint8(reg), value))
}

// Init checks the AP is usable and probes which access sizes it supports.
// Size support is negotiated by writing the size field and reading it
// back: an AP without byte lanes keeps the field at word.
func (m *Client) Init(ctx context.Context) error {
	csw, err := m.ReadReg(ctx, CSW)
	if err != nil {
		return errors.Trace(err)
	}
	if csw&cswDeviceEn == 0 {
		return errors.Errorf("MEM-AP %d is disabled", m.apSel)
	}
	for _, sz := range []struct {
		size uint32
		flag *bool
	}{
		{cswSizeByte, &m.supports8},
		{cswSizeHalf, &m.supports16},
	} {
		if err := m.WriteReg(ctx, CSW, cswBase|cswAddrIncOn|sz.size); err != nil {
			return errors.Trace(err)
		}
		rb, err := m.ReadReg(ctx, CSW)
		if err != nil {
			return errors.Trace(err)
		}
		*sz.flag = rb&0x7 == sz.size
	}
	m.sizesProbed = true
	if err := m.setCSW(ctx, cswSizeWord, true); err != nil {
		return errors.Trace(err)
	}
	glog.V(2).Infof("MEM-AP %d: byte access %t, halfword access %t", m.apSel, m.supports8, m.supports16)
	return nil
}

func (m *Client) setCSW(ctx context.Context, size uint32, autoInc bool) error {
	csw := cswBase | size
	if autoInc {
		csw |= cswAddrIncOn
	}
	if m.cswValid && csw == m.csw {
		return nil
	}
	if err := m.WriteReg(ctx, CSW, csw); err != nil {
		m.cswValid = false
		return errors.Trace(err)
	}
	m.csw = csw
	m.cswValid = true
	return nil
}

func (m *Client) ReadWord32(ctx context.Context, addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, errors.Errorf("address 0x%08x is not word-aligned", addr)
	}
	if err := m.setCSW(ctx, cswSizeWord, true); err != nil {
		return 0, errors.Trace(err)
	}
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := m.ReadReg(ctx, DRW)
	glog.V(4).Infof("ReadWord32(0x%08x) == 0x%08x", addr, value)
	return value, errors.Trace(err)
}

func (m *Client) WriteWord32(ctx context.Context, addr uint32, value uint32) error {
	if addr%4 != 0 {
		return errors.Errorf("address 0x%08x is not word-aligned", addr)
	}
	if err := m.setCSW(ctx, cswSizeWord, true); err != nil {
		return errors.Trace(err)
	}
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("WriteWord32(0x%08x, 0x%08x)", addr, value)
	return errors.Trace(m.WriteReg(ctx, DRW, value))
}

// Sub-word accesses go through the DRW byte lanes: the value occupies the
// lane matching addr's low bits, both ways.
func (m *Client) ReadWord16(ctx context.Context, addr uint32) (uint16, error) {
	if addr%2 != 0 {
		return 0, errors.Errorf("address 0x%08x is not halfword-aligned", addr)
	}
	if !m.supports16 {
		return 0, errors.Errorf("MEM-AP %d does not support halfword access", m.apSel)
	}
	if err := m.setCSW(ctx, cswSizeHalf, true); err != nil {
		return 0, errors.Trace(err)
	}
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := m.ReadReg(ctx, DRW)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return uint16(value >> ((addr % 4) * 8)), nil
}

func (m *Client) WriteWord16(ctx context.Context, addr uint32, value uint16) error {
	if addr%2 != 0 {
		return errors.Errorf("address 0x%08x is not halfword-aligned", addr)
	}
	if !m.supports16 {
		return errors.Errorf("MEM-AP %d does not support halfword access", m.apSel)
	}
	if err := m.setCSW(ctx, cswSizeHalf, true); err != nil {
		return errors.Trace(err)
	}
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(m.WriteReg(ctx, DRW, uint32(value)<<((addr%4)*8)))
}

func (m *Client) ReadWord8(ctx context.Context, addr uint32) (uint8, error) {
	if !m.supports8 {
		return 0, errors.Errorf("MEM-AP %d does not support byte access", m.apSel)
	}
	if err := m.setCSW(ctx, cswSizeByte, true); err != nil {
		return 0, errors.Trace(err)
	}
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := m.ReadReg(ctx, DRW)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return uint8(value >> ((addr % 4) * 8)), nil
}

func (m *Client) WriteWord8(ctx context.Context, addr uint32, value uint8) error {
	if !m.supports8 {
		return errors.Errorf("MEM-AP %d does not support byte access", m.apSel)
	}
	if err := m.setCSW(ctx, cswSizeByte, true); err != nil {
		return errors.Trace(err)
	}
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(m.WriteReg(ctx, DRW, uint32(value)<<((addr%4)*8)))
}

// readWords reads n words starting at the word-aligned addr, re-arming TAR
// at every auto-increment window boundary. Returns the words read even on
// failure so the caller can compute the offset reached.
func (m *Client) readWords(ctx context.Context, addr uint32, n int) ([]uint32, error) {
	if err := m.setCSW(ctx, cswSizeWord, true); err != nil {
		return nil, errors.Trace(err)
	}
	var res []uint32
	for n > 0 {
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return res, errors.Trace(err)
		}
		cl := int((autoIncWindow - addr&(autoIncWindow-1)) / 4)
		if cl > n {
			cl = n
		}
		values, err := m.dpc.ReadAPRegMulti(ctx, m.apSel, uint8(DRW), cl)
		res = append(res, values...)
		if err != nil {
			return res, errors.Trace(err)
		}
		addr += uint32(cl * 4)
		n -= cl
	}
	return res, nil
}

func (m *Client) writeWords(ctx context.Context, addr uint32, data []uint32) (int, error) {
	if err := m.setCSW(ctx, cswSizeWord, true); err != nil {
		return 0, errors.Trace(err)
	}
	written := 0
	for written < len(data) {
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return written, errors.Trace(err)
		}
		cl := int((autoIncWindow - addr&(autoIncWindow-1)) / 4)
		if cl > len(data)-written {
			cl = len(data) - written
		}
		n, err := m.dpc.WriteAPRegMulti(ctx, m.apSel, uint8(DRW), data[written:written+cl])
		written += n
		if err != nil {
			return written, errors.Trace(err)
		}
		addr += uint32(cl * 4)
	}
	return written, nil
}

// ReadBlock fills data from the (arbitrarily aligned) address range
// starting at addr. The bulk is transferred as auto-incremented words;
// byte accesses are used only for the unaligned edges. A failure reports
// the byte offset reached via OffsetError.
func (m *Client) ReadBlock(ctx context.Context, addr uint32, data []byte) error {
	glog.V(3).Infof("ReadBlock(0x%08x, %d)", addr, len(data))
	off := 0
	fail := func(err error) error {
		return &OffsetError{Offset: off, cause: err}
	}
	// Leading edge, up to word alignment.
	for off < len(data) && (addr+uint32(off))%4 != 0 {
		b, err := m.ReadWord8(ctx, addr+uint32(off))
		if err != nil {
			return fail(err)
		}
		data[off] = b
		off++
	}
	// Word bulk.
	if nw := (len(data) - off) / 4; nw > 0 {
		words, err := m.readWords(ctx, addr+uint32(off), nw)
		for _, w := range words {
			data[off] = byte(w)
			data[off+1] = byte(w >> 8)
			data[off+2] = byte(w >> 16)
			data[off+3] = byte(w >> 24)
			off += 4
		}
		if err != nil {
			return fail(err)
		}
	}
	// Trailing edge.
	for off < len(data) {
		b, err := m.ReadWord8(ctx, addr+uint32(off))
		if err != nil {
			return fail(err)
		}
		data[off] = b
		off++
	}
	return nil
}

// WriteBlock writes data to the (arbitrarily aligned) address range
// starting at addr, mirroring ReadBlock's size selection.
func (m *Client) WriteBlock(ctx context.Context, addr uint32, data []byte) error {
	glog.V(3).Infof("WriteBlock(0x%08x, %d)", addr, len(data))
	off := 0
	fail := func(err error) error {
		return &OffsetError{Offset: off, cause: err}
	}
	for off < len(data) && (addr+uint32(off))%4 != 0 {
		if err := m.WriteWord8(ctx, addr+uint32(off), data[off]); err != nil {
			return fail(err)
		}
		off++
	}
	if nw := (len(data) - off) / 4; nw > 0 {
		words := make([]uint32, nw)
		for i := 0; i < nw; i++ {
			j := off + i*4
			words[i] = uint32(data[j]) | uint32(data[j+1])<<8 | uint32(data[j+2])<<16 | uint32(data[j+3])<<24
		}
		n, err := m.writeWords(ctx, addr+uint32(off), words)
		off += n * 4
		if err != nil {
			return fail(err)
		}
	}
	for off < len(data) {
		if err := m.WriteWord8(ctx, addr+uint32(off), data[off]); err != nil {
			return fail(err)
		}
		off++
	}
	return nil
}

func (r Reg) String() string {
	switch r {
	case CSW:
		return "CSW"
	case TAR:
		return "TAR"
	case DRW:
		return "DRW"
	case CFG:
		return "CFG"
	case BASE:
		return "BASE"
	case IDR:
		return "IDR"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
