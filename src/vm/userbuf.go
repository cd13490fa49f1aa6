package vm

import (
	"defs"
	"mem"
)

// Userbuf_t copies bytes to or from a contiguous user address range,
// touching (and if necessary faulting in) one page at a time so a
// multi-page transfer never assumes the whole range is already resident.
// It implements defs.Userio_i.
type Userbuf_t struct {
	pt    *PageTable_t
	uva   uint64
	len   int
	off   int
}

// NewUserbuf initializes a Userbuf_t over [uva, uva+n) in pt's address
// space.
func NewUserbuf(pt *PageTable_t, uva uint64, n int) *Userbuf_t {
	return &Userbuf_t{pt: pt, uva: uva, len: n}
}

// Remain reports how many bytes are left untransferred.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

// Totalsz reports the buffer's total length.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

func (ub *Userbuf_t) pagePtr(va uint64, write bool) (*mem.Pg_t, defs.Err_t) {
	pa, err := ub.pt.APT.PhysAddrOf(uintptr(va))
	if err != 0 {
		outcome, ferr := ub.pt.Fault(va, write)
		if outcome != Resolved {
			if ferr == 0 {
				ferr = defs.EFAULT
			}
			return nil, ferr
		}
		pa, err = ub.pt.APT.PhysAddrOf(uintptr(va))
		if err != 0 {
			return nil, err
		}
	}
	return mem.Physmem.Dmap(pa), defs.EOK
}

func (ub *Userbuf_t) tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		va := ub.uva + uint64(ub.off)
		pageoff := va & uint64(mem.PGOFFSET)
		pg, err := ub.pagePtr(va&^uint64(mem.PGOFFSET), write)
		if err != 0 {
			return ret, err
		}
		bytes := mem.Pg2bytes(pg)
		avail := bytes[pageoff:]
		left := ub.len - ub.off
		if len(avail) > left {
			avail = avail[:left]
		}
		n := len(buf)
		if n > len(avail) {
			n = len(avail)
		}
		if write {
			copy(avail[:n], buf[:n])
		} else {
			copy(buf[:n], avail[:n])
		}
		buf = buf[n:]
		ub.off += n
		ret += n
	}
	return ret, defs.EOK
}

// Uioread copies from the user range into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return ub.tx(dst, false) }

// Uiowrite copies src into the user range.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return ub.tx(src, true) }
