// Package mem is the kernel's physical frame allocator (PFA). It hands out
// page-sized physical frames from a single bitmap, tracked with a "smallest
// known free" hint so the common allocation path does not rescan memory it
// already knows is full, and protected by one global lock as is appropriate
// for a structure every CPU touches on every page fault.
//
// Each frame also carries a reference count. A frame is free only once its
// refcount drops to zero; a frame mapped read-only into two address spaces
// after a fork (copy-on-write) carries refcount 2 until one side either
// writes to it (triggering a copy) or unmaps it, so the free bitmap and the
// refcount are two views of the same underlying fact rather than redundant
// bookkeeping.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
	"util"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// PTE_P marks a page as present.
const PTE_P Pa_t = 1 << 0

/// PTE_W marks a page writable.
const PTE_W Pa_t = 1 << 1

/// PTE_U marks a page user-accessible.
const PTE_U Pa_t = 1 << 2

/// PTE_COW marks a page as copy-on-write; a write fault on such a page must
/// be resolved by the region layer before the write is allowed to proceed.
const PTE_COW Pa_t = 1 << 9

/// PTE_NOFREE marks a leaf as a non-owning reference: clearing it must not
/// free the underlying frame, which belongs to someone else (a phys-mapped
/// device range, a frame still owned by a memory object slot).
const PTE_NOFREE Pa_t = 1 << 11

/// PTE_WASCOW records that a page used to be copy-on-write, so the fault
/// handler can distinguish "never writable" from "used to be shared".
const PTE_WASCOW Pa_t = 1 << 10

/// PTE_A is the hardware-maintained accessed bit.
const PTE_A Pa_t = 1 << 5

/// PTE_D is the hardware-maintained dirty bit.
const PTE_D Pa_t = 1 << 6

/// PTE_G marks a global page.
const PTE_G Pa_t = 1 << 8

/// PTE_PCD disables caching for the page.
const PTE_PCD Pa_t = 1 << 4

/// PTE_PS indicates a large page.
const PTE_PS Pa_t = 1 << 7

/// PTE_ADDR extracts the address bits of a PTE. Bit 63 is PTE_NX, not an
/// address bit, so it is excluded along with the low flag bits.
const PTE_ADDR Pa_t = PGMASK &^ PTE_NX

/// PTE_NX marks a page non-executable.
const PTE_NX Pa_t = 1 << 63

/// Pa_t represents a physical address, here an offset into the simulated
/// physical arena rather than a real machine address.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

/// Pmap_t is a page table page.
type Pmap_t [512]Pa_t

/// Unpin_i allows unpinning of physical pages.
type Unpin_i interface {
	Unpin(Pa_t)
}

/// Page_i abstracts physical page allocation for packages that only need to
/// hand out frames, not know about the bitmap underneath.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

func (phys *Physmem_t) pgn(p Pa_t) uint32 {
	return uint32((p - phys.startpa) >> PGSHIFT)
}

/// Physpg_t describes the bookkeeping kept for a single physical page.
type Physpg_t struct {
	Refcnt int32
	// bit n set if CPU n has this page (a page table) loaded into cr3
	Cpumask uint64
}

/// Physmem_t is the global physical frame allocator.
type Physmem_t struct {
	sync.Mutex
	Pgs      []Physpg_t
	startpa  Pa_t
	arena    []uint8
	bitmap   []uint64 // bit set means the frame is free
	nframes  uint32
	hint     uint32 // smallest frame index known to possibly be free
	Dmapinit bool
}

/// Refaddr returns the refcount pointer and index for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := phys.pgn(p_pg)
	return &phys.Pgs[idx].Refcnt, idx
}

/// Tlbaddr returns the TLB mask address for a page, used by the virtual
/// memory engine to know which CPUs to IPI on a shootdown of a page table
/// page.
func (phys *Physmem_t) Tlbaddr(p_pg Pa_t) *uint64 {
	idx := phys.pgn(p_pg)
	return &phys.Pgs[idx].Cpumask
}

func (phys *Physmem_t) bitset(idx uint32, v bool) {
	w, b := idx/64, idx%64
	if v {
		phys.bitmap[w] |= 1 << b
	} else {
		phys.bitmap[w] &^= 1 << b
	}
}

func (phys *Physmem_t) bitisset(idx uint32) bool {
	w, b := idx/64, idx%64
	return phys.bitmap[w]&(1<<b) != 0
}

// _findfree scans the bitmap starting at the hint for a free frame. Caller
// must hold the lock.
func (phys *Physmem_t) _findfree() (uint32, bool) {
	nwords := uint32(len(phys.bitmap))
	w := phys.hint / 64
	for ; w < nwords; w++ {
		if phys.bitmap[w] == 0 {
			continue
		}
		word := phys.bitmap[w]
		if w == phys.hint/64 {
			// mask off bits below the hint within this word
			word &^= (uint64(1) << (phys.hint % 64)) - 1
			if word == 0 {
				continue
			}
		}
		b := uint32(trailingZeros64(word))
		idx := w*64 + b
		if idx >= phys.nframes {
			return 0, false
		}
		return idx, true
	}
	return 0, false
}

func trailingZeros64(v uint64) int {
	n := 0
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

func (phys *Physmem_t) _alloc() (Pa_t, bool) {
	phys.Lock()
	idx, ok := phys._findfree()
	if !ok {
		phys.Unlock()
		return 0, false
	}
	phys.bitset(idx, false)
	phys.Pgs[idx].Refcnt = 0
	phys.hint = idx + 1
	phys.Unlock()
	return phys.startpa + Pa_t(idx)<<PGSHIFT, true
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

/// Refup increments the reference count of a page, used when a frame is
/// shared copy-on-write across a fork.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	if c <= 0 {
		panic("refup of free page")
	}
}

/// Refdown decrements the reference count of a page and frees it once it
/// reaches zero. It returns true when the page was freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("refdown of free page")
	}
	if c != 0 {
		return false
	}
	phys.Lock()
	phys.bitset(idx, true)
	if idx < phys.hint {
		phys.hint = idx
	}
	phys.Unlock()
	return true
}

/// Zeropg is a global zero-filled page used to initialize new allocations.
var Zeropg *Pg_t

/// P_zeropg is the physical address of Zeropg.
var P_zeropg Pa_t

/// Refpg_new allocates a zeroed frame. The returned frame's refcount is 0;
/// the caller is expected to Refup it once it installs a mapping.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new_nozero()
	if !ok {
		return nil, 0, false
	}
	*pg = *Zeropg
	return pg, p_pg, true
}

/// Refpg_new_nozero allocates an uninitialised frame.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("refpg_new before dmap init")
	}
	p_pg, ok := phys._alloc()
	if !ok {
		return nil, 0, false
	}
	return phys.Dmap(p_pg), p_pg, true
}

/// Pmap_new allocates a new page table page. Page table pages come from the
/// same bitmap as ordinary frames; a separate per-class freelist is not
/// needed once allocation is a single bitmap scan.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new()
	return pg2pmap(pg), p_pg, ok
}

/// Dec_pmap decreases the reference count of a page table page and frees it
/// if no CPU still has it loaded.
func (phys *Physmem_t) Dec_pmap(p_pmap Pa_t) {
	phys.Refdown(p_pmap)
}

/// Dmap converts a physical address into its simulated direct-mapped
/// virtual address: a pointer into the backing arena.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	off := util.Rounddown(int(p-phys.startpa), PGSIZE)
	if off < 0 || off+PGSIZE > len(phys.arena) {
		panic("physical address out of range")
	}
	return (*Pg_t)(unsafe.Pointer(&phys.arena[off]))
}

/// Dmap_v2p converts a direct-mapped pointer back to a physical address.
func (phys *Physmem_t) Dmap_v2p(v *Pg_t) Pa_t {
	va := uintptr(unsafe.Pointer(v))
	base := uintptr(unsafe.Pointer(&phys.arena[0]))
	if va < base || va >= base+uintptr(len(phys.arena)) {
		panic("address isn't in the direct map")
	}
	return phys.startpa + Pa_t(va-base)
}

/// Dmap8 returns a byte slice mapped to the given physical address.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

/// Pgcount reports the number of free and used frames.
func (phys *Physmem_t) Pgcount() (free int, used int) {
	phys.Lock()
	defer phys.Unlock()
	for i := uint32(0); i < phys.nframes; i++ {
		if phys.bitisset(i) {
			free++
		} else {
			used++
		}
	}
	return free, used
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// Phys_init initializes the global physical memory allocator over a
/// simulated arena of the given size in bytes, standing in for the memory a
/// real boot loader would have reported.
func Phys_init(arenabytes int) *Physmem_t {
	phys := Physmem
	nframes := arenabytes / PGSIZE
	phys.arena = make([]uint8, nframes*PGSIZE)
	phys.startpa = Pa_t(uintptr(unsafe.Pointer(&phys.arena[0])))
	phys.nframes = uint32(nframes)
	phys.Pgs = make([]Physpg_t, nframes)
	phys.bitmap = make([]uint64, (nframes+63)/64)
	for i := range phys.bitmap {
		phys.bitmap[i] = ^uint64(0)
	}
	// clear any bits past nframes in the last word
	if rem := uint(nframes % 64); rem != 0 {
		phys.bitmap[len(phys.bitmap)-1] = (uint64(1) << rem) - 1
	}
	phys.hint = 0
	phys.Dmapinit = true

	var ok bool
	Zeropg, P_zeropg, ok = phys.Refpg_new_nozero()
	if !ok {
		panic("oom reserving zero page")
	}
	for i := range Zeropg {
		Zeropg[i] = 0
	}
	phys.Refup(P_zeropg)
	RefreshZerobpg()
	fmt.Printf("mem: reserved %v frames (%vMB)\n", nframes, arenabytes>>20)
	return phys
}
