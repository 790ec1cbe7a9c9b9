package fake

import (
	"context"

	"github.com/juju/errors"

	"github.com/willglynn/probe-rs/probe"
)

// Probe implements probe.Probe against an in-memory Device.
type Probe struct {
	Dev *Device

	// TransportErr, when set, fails every Transfer with it (simulating a
	// dead USB link).
	TransportErr error
	// MaxBlock is the block transfer limit, default 14 words (one
	// CMSIS-DAP packet's worth).
	MaxBlock int

	Proto    probe.Protocol
	SpeedHz  uint32
	SWJCalls int
	closed   bool
	resetHi  bool
}

func New(d *Device) *Probe {
	return &Probe{Dev: d, MaxBlock: 14}
}

func (p *Probe) SetProtocol(ctx context.Context, proto probe.Protocol) error {
	p.Proto = proto
	return nil
}

func (p *Probe) SetSpeedHz(ctx context.Context, hz uint32) error {
	p.SpeedHz = hz
	return nil
}

func (p *Probe) AssertReset(ctx context.Context, assert bool) error {
	if p.resetHi && !assert {
		p.Dev.systemReset()
	}
	p.resetHi = assert
	return nil
}

func (p *Probe) SWJSequence(ctx context.Context, numBits int, data []byte) error {
	p.SWJCalls++
	return nil
}

func (p *Probe) BlockMaxSize() int { return p.MaxBlock }

func (p *Probe) Close(ctx context.Context) error {
	p.closed = true
	return nil
}

func (p *Probe) Closed() bool { return p.closed }

func (p *Probe) Transfer(ctx context.Context, reqs []probe.Request) (*probe.Result, error) {
	if p.TransportErr != nil {
		return nil, errors.Trace(p.TransportErr)
	}
	res := &probe.Result{Ack: probe.AckOK}
	for _, req := range reqs {
		ack, data := p.Dev.transfer(req)
		if ack != probe.AckOK {
			res.Ack = ack
			return res, nil
		}
		if req.Op == probe.OpRead {
			res.Data = append(res.Data, data)
		}
		res.Completed++
	}
	return res, nil
}

func (p *Probe) BlockRead(ctx context.Context, ap bool, reg uint8, n int) (*probe.Result, error) {
	if p.TransportErr != nil {
		return nil, errors.Trace(p.TransportErr)
	}
	if n > p.MaxBlock {
		return nil, errors.Errorf("block of %d exceeds limit %d", n, p.MaxBlock)
	}
	res := &probe.Result{Ack: probe.AckOK}
	for i := 0; i < n; i++ {
		ack, data := p.Dev.transfer(probe.Request{Op: probe.OpRead, AP: ap, Reg: reg})
		if ack != probe.AckOK {
			res.Ack = ack
			return res, nil
		}
		res.Data = append(res.Data, data)
		res.Completed++
	}
	return res, nil
}

func (p *Probe) BlockWrite(ctx context.Context, ap bool, reg uint8, data []uint32) (*probe.Result, error) {
	if p.TransportErr != nil {
		return nil, errors.Trace(p.TransportErr)
	}
	if len(data) > p.MaxBlock {
		return nil, errors.Errorf("block of %d exceeds limit %d", len(data), p.MaxBlock)
	}
	res := &probe.Result{Ack: probe.AckOK}
	for _, w := range data {
		ack, _ := p.Dev.transfer(probe.Request{Op: probe.OpWrite, AP: ap, Reg: reg, Data: w})
		if ack != probe.AckOK {
			res.Ack = ack
			return res, nil
		}
		res.Completed++
	}
	return res, nil
}

// transfer is the wire-level register access: acknowledgement decision
// first, then DP or AP register semantics.
func (d *Device) transfer(req probe.Request) (probe.Ack, uint32) {
	d.Transfers++
	if d.WaitNext > 0 {
		d.WaitNext--
		return probe.AckWait, 0
	}
	if d.WaitAfter > 0 {
		d.WaitAfter--
		if d.WaitAfter == 0 {
			return probe.AckWait, 0
		}
	}
	if d.FaultNext {
		d.FaultNext = false
		d.sticky = true
		return probe.AckFault, 0
	}
	if req.AP {
		if d.sticky {
			return probe.AckFault, 0
		}
		return d.apAccess(req)
	}
	return d.dpAccess(req)
}

func (d *Device) dpAccess(req probe.Request) (probe.Ack, uint32) {
	switch req.Reg {
	case 0x00:
		if req.Op == probe.OpRead {
			return probe.AckOK, d.DPIDR
		}
		// ABORT: any of the sticky-clear bits resets the fault state.
		if req.Data&0x1e != 0 {
			d.sticky = false
		}
		return probe.AckOK, 0
	case 0x04:
		if req.Op == probe.OpRead {
			v := d.ctrlStat
			if v&(1<<28) != 0 {
				v |= 1 << 29
			}
			if v&(1<<30) != 0 {
				v |= 1 << 31
			}
			return probe.AckOK, v
		}
		d.ctrlStat = req.Data & 0x7fffffff
		return probe.AckOK, 0
	case 0x08:
		if req.Op == probe.OpRead {
			return probe.AckOK, d.sel
		}
		d.sel = req.Data
		d.SelectWrites++
		return probe.AckOK, 0
	case 0x0c:
		return probe.AckOK, d.rdbuff
	}
	return probe.AckFault, 0
}

func (d *Device) apAccess(req probe.Request) (probe.Ack, uint32) {
	full := uint8(d.sel>>4)&0xf0 | req.Reg&0x0f
	switch full {
	case 0x00: // CSW
		if req.Op == probe.OpRead {
			return probe.AckOK, d.csw | cswDeviceEn
		}
		d.csw = req.Data
		return probe.AckOK, 0
	case 0x04: // TAR
		if req.Op == probe.OpRead {
			return probe.AckOK, d.tar
		}
		d.tar = req.Data
		return probe.AckOK, 0
	case 0x0c: // DRW
		return d.drwAccess(req)
	case 0xfc: // IDR
		return probe.AckOK, d.APIDR
	}
	return probe.AckFault, 0
}

// drwAccess performs one data transfer at TAR using the CSW access size,
// then applies auto-increment. The increment carries only within the low
// window bits, like real MEM-AP hardware.
func (d *Device) drwAccess(req probe.Request) (probe.Ack, uint32) {
	size := d.csw & 0x7
	if size > 2 {
		d.sticky = true
		return probe.AckFault, 0
	}
	nbytes := uint32(1) << size
	addr := d.tar
	if addr%nbytes != 0 {
		d.sticky = true
		return probe.AckFault, 0
	}
	aligned := addr &^ 3
	word, ok := d.read32(aligned)
	if !ok {
		d.sticky = true
		return probe.AckFault, 0
	}
	var out uint32
	if req.Op == probe.OpRead {
		// Sub-word reads present the data on the matching byte lanes.
		out = word
		d.rdbuff = word
	} else {
		if nbytes == 4 {
			word = req.Data
		} else {
			for i := addr % 4; i < addr%4+nbytes; i++ {
				shift := i * 8
				word = word&^(0xff<<shift) | req.Data&(0xff<<shift)
			}
		}
		if !d.write32(aligned, word) {
			d.sticky = true
			return probe.AckFault, 0
		}
	}
	if d.csw&cswIncOn != 0 {
		d.tar = d.tar&^(autoIncWindow-1) | (d.tar+nbytes)&(autoIncWindow-1)
	}
	return probe.AckOK, out
}
