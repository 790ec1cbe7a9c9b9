package flash

import (
	"sort"

	"github.com/willglynn/probe-rs/target"
)

// chunk is one contiguous run of bytes queued for programming.
type chunk struct {
	addr uint32
	data []byte
}

func (c *chunk) end() uint32 { return c.addr + uint32(len(c.data)) }

// writeSet accumulates (address, data) requests before a flash operation
// and answers geometry questions about them. Chunks are kept sorted,
// non-overlapping and non-adjacent; adding data that overlaps existing
// data overwrites it (last add wins).
type writeSet struct {
	chunks []chunk
}

func (ws *writeSet) add(addr uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	lo, hi := addr, addr+uint32(len(data))
	// Find the run of chunks that overlap or touch [lo, hi).
	first := sort.Search(len(ws.chunks), func(i int) bool { return ws.chunks[i].end() >= lo })
	last := first
	for last < len(ws.chunks) && ws.chunks[last].addr <= hi {
		last++
	}
	if first == last {
		// No neighbors: plain insert.
		nc := chunk{addr: addr, data: append([]byte(nil), data...)}
		ws.chunks = append(ws.chunks, chunk{})
		copy(ws.chunks[first+1:], ws.chunks[first:])
		ws.chunks[first] = nc
		return
	}
	mlo, mhi := lo, hi
	if a := ws.chunks[first].addr; a < mlo {
		mlo = a
	}
	if e := ws.chunks[last-1].end(); e > mhi {
		mhi = e
	}
	buf := make([]byte, mhi-mlo)
	for _, c := range ws.chunks[first:last] {
		copy(buf[c.addr-mlo:], c.data)
	}
	copy(buf[lo-mlo:], data) // new data wins on overlap
	ws.chunks = append(ws.chunks[:first], append([]chunk{{addr: mlo, data: buf}}, ws.chunks[last:]...)...)
}

func (ws *writeSet) empty() bool { return len(ws.chunks) == 0 }

func (ws *writeSet) totalBytes() int {
	n := 0
	for _, c := range ws.chunks {
		n += len(c.data)
	}
	return n
}

// sectorAddrs lists, in address order, the base address of every sector in
// the region touched by at least one queued byte. Sectors nothing was
// queued for never appear, so they can never be erased.
func (ws *writeSet) sectorAddrs(r *target.MemoryRegion) []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	for _, c := range ws.chunks {
		if c.end() <= r.Addr || c.addr >= r.End() {
			continue
		}
		lo, hi := c.addr, c.end()
		if lo < r.Addr {
			lo = r.Addr
		}
		if hi > r.End() {
			hi = r.End()
		}
		first := r.Addr + (lo-r.Addr)/r.SectorSize*r.SectorSize
		for s := first; s < hi; s += r.SectorSize {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// overlay copies queued data overlapping [addr, addr+len(dst)) into dst at
// the matching offsets and reports whether every byte of dst was covered.
func (ws *writeSet) overlay(addr uint32, dst []byte) bool {
	hi := addr + uint32(len(dst))
	covered := 0
	for _, c := range ws.chunks {
		if c.end() <= addr || c.addr >= hi {
			continue
		}
		clo, chi := c.addr, c.end()
		if clo < addr {
			clo = addr
		}
		if chi > hi {
			chi = hi
		}
		copy(dst[clo-addr:chi-addr], c.data[clo-c.addr:chi-c.addr])
		covered += int(chi - clo)
	}
	return covered == len(dst)
}
