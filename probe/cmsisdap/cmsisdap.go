//go:build !no_libudev
// +build !no_libudev

// Package cmsisdap drives CMSIS-DAP probes over HID.
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
//
// The firmware is told not to retry WAIT acknowledgements (wait retry
// count 1), so busy handling stays with the debug access layer where the
// retry budget lives.
package cmsisdap

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/probe"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdSetHostStatus         = 0x01
	cmdConnect               = 0x02
	cmdDisconnect            = 0x03
	cmdTransferConfigure     = 0x04
	cmdTransfer              = 0x05
	cmdTransferBlock         = 0x06
	cmdSWJPins               = 0x10
	cmdSWJClock              = 0x11
	cmdSWJSequence           = 0x12
	cmdSWDConfigure          = 0x13
)

const (
	infoMaxPacketSize = 0xff

	connectModeSWD  = 1
	connectModeJTAG = 2

	pinNReset = 1 << 7
)

type client struct {
	d             hid.Device
	di            *hid.DeviceInfo
	maxPacketSize int
}

// Open finds and opens the first CMSIS-DAP device matching vid:pid and
// returns it ready for SetProtocol.
func Open(ctx context.Context, vid, pid uint16, serial string) (probe.Probe, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		// TODO(willglynn): serial number matching
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		c := &client{
			di:            di,
			d:             d,
			maxPacketSize: 8, // conservative until the device tells us
		}
		resp, err := c.getInfo(ctx, infoMaxPacketSize)
		if err != nil {
			c.Close(ctx)
			return nil, errors.Annotatef(err, "failed to get max packet size")
		}
		var rl uint8
		var mps uint16
		binary.Read(resp, binary.LittleEndian, &rl)
		binary.Read(resp, binary.LittleEndian, &mps)
		c.maxPacketSize = int(mps)
		glog.V(2).Infof("max packet size: %d", c.maxPacketSize)
		return c, nil
	}
	return nil, errors.NotFoundf("device %04x:%04x", vid, pid)
}

func newCmd(cmd cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{
		0, // HID report number (unused)
		uint8(cmd),
	})
}

func (c *client) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args.Bytes()[1:]))
	if len(args.Bytes()) > c.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", c.maxPacketSize, len(args.Bytes()))
	}
	if err := c.d.Write(args.Bytes()); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP exec")
	case resp, ok := <-c.d.ReadCh():
		if !ok {
			return nil, errors.Annotatef(c.d.ReadError(), "device read failed")
		}
		glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
		cmd := args.Bytes()[1]
		if resp[0] != cmd {
			return nil, errors.Errorf("response to wrong command (want 0x%02x, got 0x%02x)", cmd, resp[0])
		}
		return bytes.NewBuffer(resp[1:]), nil
	}
}

func (c *client) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	cmd := args.Bytes()[1]
	status := resp.Bytes()[0]
	if status != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", cmd, status)
	}
	return nil
}

func (c *client) getInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	glog.V(3).Infof("getInfo(%d)", info)
	args := newCmd(cmdInfo)
	binary.Write(args, binary.LittleEndian, info)
	resp, err := c.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

func (c *client) SetProtocol(ctx context.Context, p probe.Protocol) error {
	glog.V(3).Infof("SetProtocol(%s)", p)
	mode := uint8(connectModeSWD)
	if p == probe.ProtocolJTAG {
		mode = connectModeJTAG
	}
	args := newCmd(cmdConnect)
	binary.Write(args, binary.LittleEndian, mode)
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Bytes()[0] == 0 {
		return errors.Errorf("connect error")
	}
	// Idle cycles 0, wait retry 1 (no firmware-side retry), match retry 0.
	args = newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, uint8(0))
	binary.Write(args, binary.LittleEndian, uint16(1))
	binary.Write(args, binary.LittleEndian, uint16(0))
	if err := c.execCheckStatus(ctx, args); err != nil {
		return errors.Annotatef(err, "transfer configure failed")
	}
	if p == probe.ProtocolSWD {
		args = newCmd(cmdSWDConfigure)
		binary.Write(args, binary.LittleEndian, uint8(0))
		return errors.Trace(c.execCheckStatus(ctx, args))
	}
	return nil
}

func (c *client) SetSpeedHz(ctx context.Context, hz uint32) error {
	glog.V(3).Infof("SetSpeedHz(%d)", hz)
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, hz)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *client) AssertReset(ctx context.Context, assert bool) error {
	glog.V(3).Infof("AssertReset(%t)", assert)
	var value uint8
	if !assert {
		value = pinNReset
	}
	args := newCmd(cmdSWJPins)
	binary.Write(args, binary.LittleEndian, value)
	binary.Write(args, binary.LittleEndian, uint8(pinNReset)) // select mask
	binary.Write(args, binary.LittleEndian, uint32(0))        // no wait
	// Response is the resulting pin state, not a status byte.
	_, err := c.exec(ctx, args)
	return errors.Trace(err)
}

func (c *client) SWJSequence(ctx context.Context, numBits int, data []byte) error {
	glog.V(3).Infof("SWJSequence(%d, %v)", numBits, data)
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("bit count must be between 1 and 256 (got %d)", numBits)
	}
	args := newCmd(cmdSWJSequence)
	binary.Write(args, binary.LittleEndian, uint8(numBits)) // 256 encodes as 0
	args.Write(data)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

// ack extracts the acknowledgement from a transfer response byte. Bits
// 0-2 are the ACK value, bit 3 flags a protocol error on the wire.
func ack(st uint8) probe.Ack {
	if st&0x08 != 0 {
		return probe.AckNoAck
	}
	return probe.Ack(st & 0x07)
}

func (c *client) Transfer(ctx context.Context, reqs []probe.Request) (*probe.Result, error) {
	args := newCmd(cmdTransfer)
	binary.Write(args, binary.LittleEndian, uint8(0)) // DAP index
	binary.Write(args, binary.LittleEndian, uint8(len(reqs)))
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return nil, errors.Errorf("treq %d invalid reg 0x%x", i, req.Reg)
		}
		treq := req.Reg & 0xc
		if req.AP {
			treq |= 1 << 0
		}
		if req.Op == probe.OpRead {
			treq |= 1 << 1
		}
		binary.Write(args, binary.LittleEndian, treq)
		if req.Op == probe.OpWrite {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc, st uint8
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	res := &probe.Result{Ack: ack(st), Completed: int(tc)}
	if !res.Ok() && res.Completed > 0 {
		// The count includes the transfer that produced the bad ack.
		res.Completed--
	}
	for _, req := range reqs[:res.Completed] {
		if req.Op != probe.OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return nil, errors.Errorf("response is too short")
		}
		res.Data = append(res.Data, d)
	}
	return res, nil
}

func (c *client) BlockMaxSize() int {
	headerLen := 1 /* op */ + 1 /* dap index */ + 2 /* transfer count */ + 1 /* request */
	return (c.maxPacketSize - headerLen) / 4
}

func (c *client) blockHeader(ap bool, reg uint8, read bool, count int) (*bytes.Buffer, error) {
	if reg&3 != 0 {
		return nil, errors.Errorf("invalid reg 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, uint8(0)) // DAP index
	binary.Write(args, binary.LittleEndian, uint16(count))
	treq := reg & 0xc
	if ap {
		treq |= 1 << 0
	}
	if read {
		treq |= 1 << 1
	}
	binary.Write(args, binary.LittleEndian, treq)
	return args, nil
}

func (c *client) blockResult(resp *bytes.Buffer, reads bool) (*probe.Result, error) {
	var tc uint16
	var st uint8
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	res := &probe.Result{Ack: ack(st), Completed: int(tc)}
	if !res.Ok() && res.Completed > 0 {
		res.Completed--
	}
	if reads {
		for i := 0; i < res.Completed; i++ {
			var w uint32
			if binary.Read(resp, binary.LittleEndian, &w) != nil {
				return nil, errors.Errorf("response is too short")
			}
			res.Data = append(res.Data, w)
		}
	}
	return res, nil
}

func (c *client) BlockRead(ctx context.Context, ap bool, reg uint8, n int) (*probe.Result, error) {
	glog.V(3).Infof("BlockRead(%t, 0x%x, %d)", ap, reg, n)
	if n > c.BlockMaxSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", c.BlockMaxSize(), n)
	}
	args, err := c.blockHeader(ap, reg, true, n)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c.blockResult(resp, true)
}

func (c *client) BlockWrite(ctx context.Context, ap bool, reg uint8, data []uint32) (*probe.Result, error) {
	glog.V(3).Infof("BlockWrite(%t, 0x%x, %d)", ap, reg, len(data))
	if len(data) > c.BlockMaxSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", c.BlockMaxSize(), len(data))
	}
	args, err := c.blockHeader(ap, reg, false, len(data))
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, value := range data {
		binary.Write(args, binary.LittleEndian, value)
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c.blockResult(resp, false)
}

func (c *client) Close(ctx context.Context) error {
	if c.d != nil {
		c.execCheckStatus(ctx, newCmd(cmdDisconnect))
		c.d.Close()
	}
	return nil
}
