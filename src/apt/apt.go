// Package apt is the arch page table: the 4-level (PML4/PDPT/PD/PT) x86_64
// style radix tree that backs every address space, exposed as its own
// object rather than folded into a monolithic address-space type, so the
// region and page-table layers above it never see arch bit layouts.
package apt

import (
	"defs"
	"mem"
	"sync/atomic"
	"tmap"
	"unsafe"
)

// PageInfo_t is what page_info(VA) returns: the decoded state of the leaf
// mapping for an address, or Allocated=false if any level along the walk
// is absent.
type PageInfo_t struct {
	Allocated bool
	User      bool
	Writable  bool
	Dirty     bool
	Cow       bool
	Huge      bool
	NoFree    bool
	PPN       mem.Pa_t
}

type shootdownReq struct {
	va    uintptr
	count int
}

// APT_t is one arch page table: the PML4 frame plus the set of CPUs that
// currently have it loaded (for deciding whether a TLB shootdown IPI is
// needed versus a purely local invalidate).
type APT_t struct {
	Top    mem.Pa_t
	Mapper tmap.Mapper_i

	active           atomic.Uint64 // bitmask of CPUs with this table loaded
	pendingShootdown []shootdownReq
}

// kernelTemplate holds the last two PML4 entries (the kernel half) copied
// into every newly created address space, standing in for copying them
// out of the live CR3.
var kernelTemplate [2]mem.Pa_t
var kernelTemplateSet bool

// SetKernelTemplate records the kernel-half PML4 entries used to seed every
// freshly created address space. Called once during boot after the kernel's
// own page table is built.
func SetKernelTemplate(e510, e511 mem.Pa_t) {
	kernelTemplate[0] = e510
	kernelTemplate[1] = e511
	kernelTemplateSet = true
}

// pmapOf reinterprets a *mem.Pg_t (one arena frame) as a *mem.Pmap_t: one
// frame, two views.
func pmapOf(pg *mem.Pg_t) *mem.Pmap_t {
	return (*mem.Pmap_t)(unsafe.Pointer(pg))
}

// entries maps the page-table-page at physical address p through the
// table's temp mapper and returns it along with a function to release the
// mapping.
func (a *APT_t) entries(p mem.Pa_t) (*mem.Pmap_t, func()) {
	pg := a.Mapper.Map(p)
	return pmapOf(pg), func() { a.Mapper.Unmap(pg) }
}

// CreateEmpty allocates a fresh, empty top-level table with the kernel
// half pre-populated and the user half zero.
func CreateEmpty(m tmap.Mapper_i) *APT_t {
	if !kernelTemplateSet {
		panic("kernel template not installed")
	}
	_, p_pml4, ok := mem.Physmem.Refpg_new()
	if !ok {
		panic("oom creating page table")
	}
	mem.Physmem.Refup(p_pml4)
	a := &APT_t{Top: p_pml4, Mapper: m}
	tbl, done := a.entries(p_pml4)
	tbl[510] = kernelTemplate[0]
	tbl[511] = kernelTemplate[1]
	done()
	return a
}

// walkLevel indexes into the 9-bit slice of va at the given level (3 =
// PML4 down to 0 = PT).
func walkLevel(va uintptr, level uint) int {
	shift := 12 + 9*level
	return int((va >> shift) & 0x1ff)
}

// walk descends from the top-level table to the leaf PTE for va,
// allocating and zeroing intermediate tables along the way when create is
// true. It fails with EPAGE_NOT_ALLOCATED if an intermediate level is
// absent and create is false, and with EHUGE_PAGE if it encounters a huge
// page above the leaf.
func (a *APT_t) walk(va uintptr, create bool) (*mem.Pa_t, defs.Err_t) {
	cur := a.Top
	for level := uint(3); level > 0; level-- {
		tbl, done := a.entries(cur)
		idx := walkLevel(va, level)
		pte := &tbl[idx]
		if *pte&mem.PTE_PS != 0 {
			done()
			return nil, defs.EHUGE_PAGE
		}
		if *pte&mem.PTE_P == 0 {
			if !create {
				done()
				return nil, defs.EPAGE_NOT_ALLOCATED
			}
			_, childp, ok := mem.Physmem.Refpg_new()
			if !ok {
				done()
				return nil, defs.EOUT_OF_MEMORY
			}
			mem.Physmem.Refup(childp)
			*pte = childp | mem.PTE_P | mem.PTE_W | mem.PTE_U
		}
		cur = *pte & mem.PTE_ADDR
		done()
	}
	tbl, done := a.entries(cur)
	defer done()
	leaf := &tbl[walkLevel(va, 0)]
	return leaf, defs.EOK
}

// Map installs a mapping for va to the given physical frame with the given
// permission bits (a subset of PTE_W/PTE_U/PTE_COW). It fails if the leaf
// is already present or a huge page is found above it.
func (a *APT_t) Map(p mem.Pa_t, va uintptr, perms mem.Pa_t) defs.Err_t {
	pte, err := a.walk(va, true)
	if err != 0 {
		return err
	}
	if *pte&mem.PTE_P != 0 {
		return defs.EPAGE_PRESENT
	}
	*pte = p | perms | mem.PTE_P
	return defs.EOK
}

// Unmap clears the leaf mapping for va and, if freePage is set, drops the
// underlying frame's reference count. A leaf carrying PTE_NOFREE is never
// freed regardless of freePage: the frame is a non-owning reference and
// belongs to someone else.
func (a *APT_t) Unmap(va uintptr, freePage bool) (mem.Pa_t, defs.Err_t) {
	pte, err := a.walk(va, false)
	if err != 0 {
		return 0, err
	}
	if *pte&mem.PTE_P == 0 {
		return 0, defs.EPAGE_NOT_PRESENT
	}
	ppn := *pte & mem.PTE_ADDR
	nofree := *pte&mem.PTE_NOFREE != 0
	*pte = 0
	if freePage && !nofree {
		mem.Physmem.Refdown(ppn)
	}
	a.InvalidateTLB(va, 1)
	return ppn, defs.EOK
}

// PhysAddrOf walks va and returns the mapped physical address, failing
// with EPAGE_NOT_ALLOCATED if any level is absent.
func (a *APT_t) PhysAddrOf(va uintptr) (mem.Pa_t, defs.Err_t) {
	pte, err := a.walk(va, false)
	if err != 0 {
		return 0, err
	}
	if *pte&mem.PTE_P == 0 {
		return 0, defs.EPAGE_NOT_ALLOCATED
	}
	return *pte & mem.PTE_ADDR, defs.EOK
}

// PageInfo inspects the leaf mapping for va without faulting it in.
func (a *APT_t) PageInfo(va uintptr) PageInfo_t {
	pte, err := a.walk(va, false)
	if err != 0 {
		return PageInfo_t{}
	}
	v := *pte
	if v&mem.PTE_P == 0 {
		return PageInfo_t{}
	}
	return PageInfo_t{
		Allocated: true,
		User:      v&mem.PTE_U != 0,
		Writable:  v&mem.PTE_W != 0,
		Dirty:     v&mem.PTE_D != 0,
		Cow:       v&mem.PTE_COW != 0,
		Huge:      v&mem.PTE_PS != 0,
		NoFree:    v&mem.PTE_NOFREE != 0,
		PPN:       v & mem.PTE_ADDR,
	}
}

// InvalidateTLB issues a local invalidate, and escalates to a cross-CPU
// shootdown IPI whenever another CPU besides the caller has this table
// active. Actual IPI delivery is out of scope (arch interrupt plumbing);
// this records which ranges still need a remote flush so the scheduler's
// shootdown handler can service them when the IPI fires.
func (a *APT_t) InvalidateTLB(startva uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	active := a.active.Load()
	if active == 0 {
		return
	}
	// a lone bit set means only one CPU (presumably the caller) has this
	// table loaded; nothing further to shoot down.
	if active&(active-1) == 0 {
		return
	}
	a.pendingShootdown = append(a.pendingShootdown, shootdownReq{startva, pgcount})
}

// PendingShootdowns drains and returns the shootdown requests accumulated
// since the last call, for the scheduler's IPI handler to service.
func (a *APT_t) PendingShootdowns() []shootdownReq {
	p := a.pendingShootdown
	a.pendingShootdown = nil
	return p
}

// MarkActive/MarkInactive record that a CPU has loaded/unloaded this table
// into cr3, consulted by InvalidateTLB to decide whether a remote
// shootdown is necessary.
func (a *APT_t) MarkActive(cpu defs.CPUID) {
	for {
		old := a.active.Load()
		if a.active.CompareAndSwap(old, old|(1<<uint(cpu))) {
			return
		}
	}
}

func (a *APT_t) MarkInactive(cpu defs.CPUID) {
	for {
		old := a.active.Load()
		if a.active.CompareAndSwap(old, old&^(1<<uint(cpu))) {
			return
		}
	}
}

// ActiveCount reports how many CPUs currently have this table loaded.
func (a *APT_t) ActiveCount() int {
	v := a.active.Load()
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

// Destroy walks the user half (PML4 slots below 510), freeing every
// present leaf and intermediate table, then frees the top frame itself.
func (a *APT_t) Destroy() {
	a.destroyLevel(a.Top, 3, 0, 510)
	mem.Physmem.Refdown(a.Top)
}

func (a *APT_t) destroyLevel(p mem.Pa_t, level uint, lo, hi int) {
	tbl, done := a.entries(p)
	for i := lo; i < hi; i++ {
		pte := tbl[i]
		if pte&mem.PTE_P == 0 {
			continue
		}
		child := pte & mem.PTE_ADDR
		if level > 0 {
			a.destroyLevel(child, level-1, 0, 512)
		} else if pte&mem.PTE_NOFREE != 0 {
			continue
		}
		mem.Physmem.Refdown(child)
	}
	done()
}
