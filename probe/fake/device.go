// Package fake provides an in-memory probe and target for tests: a DP/AP
// register file, a byte-addressable memory map with TAR auto-increment
// wrap, and enough of the Cortex-M debug unit (DHCSR, DCRSR, DFSR, FPB)
// to run halt/resume/breakpoint and flash-algorithm scenarios without
// hardware. Injection knobs simulate WAIT storms, sticky faults and
// unresponsive cores.
package fake

const (
	dpidrDefault = 0x2ba01477 // DPv2, ARM
	apidrDefault = 0x24770011 // AHB-AP
	cpuidDefault = 0x410fc241 // Cortex-M4 r0p1

	cswDeviceEn = 1 << 6
	cswIncOn    = 1 << 4

	autoIncWindow = 0x400

	regCPUID  = 0xE000ED00
	regAIRCR  = 0xE000ED0C
	regDFSR   = 0xE000ED30
	regDHCSR  = 0xE000EDF0
	regDCRSR  = 0xE000EDF4
	regDCRDR  = 0xE000EDF8
	regDEMCR  = 0xE000EDFC
	regFPCtrl = 0xE0002000
	regFPComp = 0xE0002008

	dfsrHalted = 1 << 0
	dfsrBkpt   = 1 << 1
	dfsrVCatch = 1 << 3
)

// Region is one backed range of the fake address space.
type Region struct {
	Base uint32
	Data []byte
}

func (r *Region) contains(addr uint32) bool {
	return addr >= r.Base && addr-r.Base < uint32(len(r.Data))
}

// Device models one chip behind the wire: DP registers, a single MEM-AP
// and a Cortex-M core. The zero value is not usable; call NewDevice.
type Device struct {
	DPIDR uint32
	APIDR uint32
	CPUID uint32

	// Injection knobs.
	//
	// WaitNext makes the next N transfer attempts answer WAIT.
	WaitNext int
	// WaitAfter, when positive, makes the Nth upcoming transfer answer
	// WAIT once, stalling a burst partway through.
	WaitAfter int
	// FaultNext makes the next transfer answer FAULT and sets the sticky
	// error flag, faulting AP traffic until ABORT clears it.
	FaultNext bool
	// HangOnHalt makes the core ignore halt requests.
	HangOnHalt bool

	// Counters.
	Transfers    int
	SelectWrites int

	// Handlers emulate code resident in RAM: when the core resumes (or
	// returns) to a mapped PC, the handler runs and the core "returns"
	// to LR. Keys are halfword-aligned addresses.
	Handlers map[uint32]func(*Device)
	// OnReset runs on a system reset request, before the PC is reloaded.
	OnReset func(*Device)
	// ResetPC is the reset vector.
	ResetPC uint32

	Regions []*Region

	// Core registers: r0-r15 plus special registers.
	Regs [16]uint32
	XPSR uint32
	MSP  uint32
	PSP  uint32

	sticky   bool
	ctrlStat uint32
	sel      uint32
	csw      uint32
	tar      uint32
	rdbuff   uint32

	halted   bool
	debugEn  bool
	dfsr     uint32
	demcr    uint32
	dcrdr    uint32
	fpEnable uint32
	fpComp   []uint32
}

// NewDevice builds a device with the given number of FPB comparators and
// no memory; add regions with AddRegion.
func NewDevice(numBreakpoints int) *Device {
	return &Device{
		DPIDR:    dpidrDefault,
		APIDR:    apidrDefault,
		CPUID:    cpuidDefault,
		Handlers: map[uint32]func(*Device){},
		fpComp:   make([]uint32, numBreakpoints),
	}
}

// AddRegion backs [base, base+size) with fresh memory and returns it so
// tests can seed or inspect the content.
func (d *Device) AddRegion(base, size uint32) *Region {
	r := &Region{Base: base, Data: make([]byte, size)}
	d.Regions = append(d.Regions, r)
	return r
}

// Halted reports the core's current run state.
func (d *Device) Halted() bool { return d.halted }

// HaltNow halts the core as if by external request, for test setup.
func (d *Device) HaltNow() {
	d.halted = true
	d.dfsr |= dfsrHalted
}

func (d *Device) region(addr uint32) *Region {
	for _, r := range d.Regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// ReadMem reads backed memory directly, bypassing the wire. Panics on
// unmapped addresses; tests only call it on regions they created.
func (d *Device) ReadMem(addr uint32, n int) []byte {
	r := d.region(addr)
	out := make([]byte, n)
	copy(out, r.Data[addr-r.Base:])
	return out
}

// WriteMem writes backed memory directly, bypassing the wire.
func (d *Device) WriteMem(addr uint32, data []byte) {
	r := d.region(addr)
	copy(r.Data[addr-r.Base:], data)
}

func (d *Device) read32(addr uint32) (uint32, bool) {
	switch addr {
	case regCPUID:
		return d.CPUID, true
	case regDHCSR:
		v := uint32(1 << 16) // S_REGRDY
		if d.debugEn {
			v |= 1
		}
		if d.halted {
			v |= 1 << 17
		}
		return v, true
	case regDCRDR:
		return d.dcrdr, true
	case regDFSR:
		return d.dfsr, true
	case regDEMCR:
		return d.demcr, true
	case regFPCtrl:
		return uint32(len(d.fpComp))<<4 | d.fpEnable&1, true
	}
	if addr >= regFPComp && addr < regFPComp+uint32(len(d.fpComp))*4 {
		return d.fpComp[(addr-regFPComp)/4], true
	}
	r := d.region(addr)
	if r == nil {
		return 0, false
	}
	o := addr - r.Base
	return uint32(r.Data[o]) | uint32(r.Data[o+1])<<8 | uint32(r.Data[o+2])<<16 | uint32(r.Data[o+3])<<24, true
}

func (d *Device) write32(addr, v uint32) bool {
	switch addr {
	case regDHCSR:
		if v>>16 == 0xA05F {
			d.writeDHCSR(v)
		}
		return true
	case regDCRSR:
		d.writeDCRSR(v)
		return true
	case regDCRDR:
		d.dcrdr = v
		return true
	case regDFSR:
		d.dfsr &^= v
		return true
	case regDEMCR:
		d.demcr = v
		return true
	case regAIRCR:
		if v>>16 == 0x05FA && v&(1<<2) != 0 {
			d.systemReset()
		}
		return true
	case regFPCtrl:
		d.fpEnable = v & 1
		return true
	}
	if addr >= regFPComp && addr < regFPComp+uint32(len(d.fpComp))*4 {
		d.fpComp[(addr-regFPComp)/4] = v
		return true
	}
	r := d.region(addr)
	if r == nil {
		return false
	}
	o := addr - r.Base
	r.Data[o] = byte(v)
	r.Data[o+1] = byte(v >> 8)
	r.Data[o+2] = byte(v >> 16)
	r.Data[o+3] = byte(v >> 24)
	return true
}

func (d *Device) writeDHCSR(v uint32) {
	d.debugEn = v&1 != 0
	if !d.debugEn {
		return
	}
	switch {
	case v&(1<<1) != 0: // C_HALT
		if !d.HangOnHalt && !d.halted {
			d.halted = true
			d.dfsr |= dfsrHalted
		}
	case v&(1<<2) != 0: // C_STEP
		if d.halted {
			d.Regs[15] += 2
			d.dfsr |= dfsrHalted
		}
	default:
		if d.halted {
			d.run()
		}
	}
}

func (d *Device) writeDCRSR(v uint32) {
	p := d.regPtr(v & 0x7f)
	if p == nil {
		return
	}
	if v&(1<<16) != 0 {
		*p = d.dcrdr
	} else {
		d.dcrdr = *p
	}
}

func (d *Device) regPtr(sel uint32) *uint32 {
	switch {
	case sel < 16:
		return &d.Regs[sel]
	case sel == 0x10:
		return &d.XPSR
	case sel == 0x11:
		return &d.MSP
	case sel == 0x12:
		return &d.PSP
	}
	return nil
}

func (d *Device) systemReset() {
	if d.OnReset != nil {
		d.OnReset(d)
	}
	d.Regs[15] = d.ResetPC
	if d.demcr&1 != 0 { // VC_CORERESET
		d.halted = true
		d.dfsr |= dfsrVCatch
	} else {
		d.run()
	}
}

// run resumes execution: handlers emulate resident code, FPB comparators
// and resident BKPT instructions catch the core. A PC with none of these
// leaves the core running until the next halt request.
func (d *Device) run() {
	d.halted = false
	for {
		pc := d.Regs[15] &^ 1
		if d.breakpointAt(pc) || d.bkptInstrAt(pc) {
			d.Regs[15] = pc
			d.halted = true
			d.dfsr |= dfsrBkpt
			return
		}
		h := d.Handlers[pc]
		if h == nil {
			return
		}
		h(d)
		d.Regs[15] = d.Regs[14] &^ 1
	}
}

// bkptInstrAt reports whether mapped memory at pc holds a Thumb BKPT
// (0xbe00-0xbeff).
func (d *Device) bkptInstrAt(pc uint32) bool {
	word, ok := d.read32(pc &^ 3)
	if !ok {
		return false
	}
	hw := uint16(word)
	if pc&2 != 0 {
		hw = uint16(word >> 16)
	}
	return hw&0xff00 == 0xbe00
}

func (d *Device) breakpointAt(pc uint32) bool {
	if d.fpEnable == 0 {
		return false
	}
	for _, c := range d.fpComp {
		if c&1 == 0 {
			continue
		}
		base := c & 0x1ffffffc
		switch c >> 30 {
		case 1:
			if pc == base {
				return true
			}
		case 2:
			if pc == base+2 {
				return true
			}
		case 3:
			if pc == base || pc == base+2 {
				return true
			}
		}
	}
	return false
}
