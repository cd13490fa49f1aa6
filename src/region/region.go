// Package region implements the three kinds of typed virtual address
// ranges a Page_Table can hold: private anonymous, physically-mapped, and
// memory-object-backed with optional copy-on-write. Each region owns its
// own fault resolution policy; the Page_Table aggregate (package vm) only
// locates the region covering a faulting address and dispatches into it.
package region

import (
	"apt"
	"defs"
	"mem"
	"mobj"
	"sync/atomic"
	"ustr"
)

// Access is a coarse RWX permission mask, independent of the underlying
// PTE encoding so region logic doesn't need to know arch bit positions.
type Access uint8

const (
	R Access = 1 << iota
	W
	X
)

// PTEFlags derives the arch page table flag bits implied by this access
// mask, plus PTE_U since every region this package creates is a user
// mapping.
func (a Access) PTEFlags() mem.Pa_t {
	flags := mem.PTE_U
	if a&W != 0 {
		flags |= mem.PTE_W
	}
	if a&X == 0 {
		flags |= mem.PTE_NX
	}
	return flags
}

// Kind identifies which of the three region variants a Region_t is.
type Kind int

const (
	PrivateAnon Kind = iota
	PhysMapped
	ObjectBacked
)

var nextID uint64

func allocID() uint64 { return atomic.AddUint64(&nextID, 1) }

// Region_t is one typed VA range bound to a single APT.
type Region_t struct {
	ID     uint64
	Start  uint64 // bytes, page-aligned
	Size   uint64 // bytes, page-aligned
	Name   ustr.Ustr
	Access Access
	Owner  *apt.APT_t
	Kind   Kind

	// PhysMapped
	PhysStart mem.Pa_t

	// ObjectBacked
	Object       *mobj.MemObject_t
	ObjectOffset uint64 // offset into the object, in bytes, page-aligned
	RegionOffset uint64 // offset into the region where the object window starts
	ObjectSize   uint64 // length of the object window, in bytes
	CoW          bool
}

// NewAnon creates a private anonymous region.
func NewAnon(owner *apt.APT_t, start, size uint64, access Access, name ustr.Ustr) *Region_t {
	return &Region_t{ID: allocID(), Start: start, Size: size, Name: name, Access: access, Owner: owner, Kind: PrivateAnon}
}

// NewPhysMapped creates a region that maps a fixed physical range.
func NewPhysMapped(owner *apt.APT_t, start, size uint64, phys mem.Pa_t, access Access, name ustr.Ustr) *Region_t {
	return &Region_t{ID: allocID(), Start: start, Size: size, Name: name, Access: access, Owner: owner, Kind: PhysMapped, PhysStart: phys}
}

// NewObjectBacked creates a region backed by a memory object. If cow is
// false, [regionOffset, regionOffset+objectSize) must exactly cover
// [0, size): the region must be entirely the object's window.
func NewObjectBacked(owner *apt.APT_t, start, size uint64, access Access, name ustr.Ustr,
	object *mobj.MemObject_t, objectOffset, regionOffset, objectSize uint64, cow bool) *Region_t {
	if (objectOffset|regionOffset)&uint64(mem.PGOFFSET) != 0 {
		panic("object_offset and region_offset must agree modulo page size")
	}
	if !cow && (regionOffset != 0 || objectSize != size) {
		panic("non-cow object-backed region must cover exactly the object window")
	}
	return &Region_t{
		ID: allocID(), Start: start, Size: size, Name: name, Access: access, Owner: owner,
		Kind: ObjectBacked, Object: object, ObjectOffset: objectOffset,
		RegionOffset: regionOffset, ObjectSize: objectSize, CoW: cow,
	}
}

// Contains reports whether va falls within [Start, Start+Size).
func (r *Region_t) Contains(va uint64) bool {
	return va >= r.Start && va < r.Start+r.Size
}

// FaultResult is the outcome of AllocPage.
type FaultResult int

const (
	FaultMapped FaultResult = iota
	FaultPending
	FaultSpurious
	FaultError
)

// AllocPage resolves a fault at va, which the caller has already
// established is not yet mapped. write reports whether the fault was a
// write, needed to decide whether a CoW page must be copied or can be
// shared read-only.
func (r *Region_t) AllocPage(va uint64, write bool) (FaultResult, defs.Err_t) {
	switch r.Kind {
	case PrivateAnon:
		return r.allocAnon(va, write)
	case PhysMapped:
		return r.allocPhys(va)
	case ObjectBacked:
		return r.allocObject(va, write)
	}
	panic("bad region kind")
}

func (r *Region_t) allocAnon(va uint64, write bool) (FaultResult, defs.Err_t) {
	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		return FaultError, defs.EOUT_OF_MEMORY
	}
	mem.Physmem.Refup(p_pg)
	flags := r.Access.PTEFlags()
	if err := r.Owner.Map(p_pg, uintptr(va), flags); err != 0 {
		mem.Physmem.Refdown(p_pg)
		return FaultError, err
	}
	return FaultMapped, defs.EOK
}

func (r *Region_t) allocPhys(va uint64) (FaultResult, defs.Err_t) {
	off := va - r.Start
	p := r.PhysStart + mem.Pa_t(off)
	// the frame is owned externally; the leaf is a non-owning reference.
	if err := r.Owner.Map(p, uintptr(va), r.Access.PTEFlags()|mem.PTE_NOFREE); err != 0 {
		return FaultError, err
	}
	return FaultMapped, defs.EOK
}

func (r *Region_t) allocObject(va uint64, write bool) (FaultResult, defs.Err_t) {
	inWindow := va >= r.Start+r.RegionOffset && va < r.Start+r.RegionOffset+r.ObjectSize
	if !inWindow {
		if !r.CoW {
			panic("object-backed region fault outside object window without cow")
		}
		// pages outside the object window are zero, private per-task.
		return r.allocAnon(va, write)
	}

	objOff := (va - r.Start - r.RegionOffset) + r.ObjectOffset
	ppn, res := r.Object.RequestPage(objOff)
	switch res {
	case mobj.PagePending:
		return FaultPending, defs.EOK
	case mobj.PageOutOfRange:
		// the object shrank under the region (or the window was stale):
		// the page simply no longer exists.
		return FaultError, defs.EPAGE_NOT_ALLOCATED
	case mobj.PageOOM:
		return FaultError, defs.EOUT_OF_MEMORY
	}

	flags := r.Access.PTEFlags()
	if r.CoW {
		mem.Physmem.Refup(ppn)
		flags = (flags &^ mem.PTE_W) | mem.PTE_COW
		if err := r.Owner.Map(ppn, uintptr(va), flags); err != 0 {
			mem.Physmem.Refdown(ppn)
			return FaultError, err
		}
		return FaultMapped, defs.EOK
	}
	mem.Physmem.Refup(ppn)
	if err := r.Owner.Map(ppn, uintptr(va), flags); err != 0 {
		mem.Physmem.Refdown(ppn)
		return FaultError, err
	}
	return FaultMapped, defs.EOK
}

// ResolveCOWWrite promotes an already-mapped, already-present CoW page to
// a private writable copy, or claims it outright if this mapping is the
// page's only reference. Called by the Page_Table's fault dispatch when a
// write fault lands on a page that is present but marked PTE_COW.
func (r *Region_t) ResolveCOWWrite(va uint64) defs.Err_t {
	info := r.Owner.PageInfo(uintptr(va))
	if !info.Allocated || !info.Cow {
		panic("resolve_cow_write on non-cow page")
	}

	if mem.Physmem.Refcnt(info.PPN) == 1 {
		// sole owner: no copy needed, just flip the bit.
		if _, err := r.Owner.Unmap(uintptr(va), false); err != 0 {
			return err
		}
		return r.Owner.Map(info.PPN, uintptr(va), (r.Access.PTEFlags() &^ mem.PTE_COW)|mem.PTE_W)
	}

	_, p_pg, ok := mem.Physmem.Refpg_new_nozero()
	if !ok {
		return defs.EOUT_OF_MEMORY
	}
	*mem.Physmem.Dmap(p_pg) = *mem.Physmem.Dmap(info.PPN)
	mem.Physmem.Refup(p_pg)

	if _, err := r.Owner.Unmap(uintptr(va), true); err != 0 {
		mem.Physmem.Refdown(p_pg)
		return err
	}
	return r.Owner.Map(p_pg, uintptr(va), (r.Access.PTEFlags()&^mem.PTE_COW)|mem.PTE_W)
}

// CloneTo inserts an equivalent region into targetPT (a different APT)
// starting at base and copies or shares the underlying mappings depending
// on the region's kind: phys-mapped regions are simply re-declared, and
// private-anonymous and CoW object-backed regions share frames read-only
// (refup) in both address spaces. Cloning a non-cow object-backed region
// is not supported and fails ENOT_SUPPORTED.
func (r *Region_t) CloneTo(targetPT *apt.APT_t, base uint64) (*Region_t, defs.Err_t) {
	var clone *Region_t
	switch r.Kind {
	case PrivateAnon:
		clone = NewAnon(targetPT, base, r.Size, r.Access, r.Name)
	case PhysMapped:
		clone = NewPhysMapped(targetPT, base, r.Size, r.PhysStart, r.Access, r.Name)
	case ObjectBacked:
		if !r.CoW {
			return nil, defs.ENOT_SUPPORTED
		}
		clone = NewObjectBacked(targetPT, base, r.Size, r.Access, r.Name, r.Object,
			r.ObjectOffset, r.RegionOffset, r.ObjectSize, r.CoW)
	}

	if r.Kind == PhysMapped {
		// nothing to copy; the clone re-resolves its own faults against
		// the same physical range.
		return clone, defs.EOK
	}

	pgsize := uint64(mem.PGSIZE)
	for off := uint64(0); off < r.Size; off += pgsize {
		va := r.Start + off
		info := r.Owner.PageInfo(uintptr(va))
		if !info.Allocated {
			continue
		}
		// force both sides to see the shared page as read-only CoW from
		// now on.
		if !info.Cow {
			r.Owner.Unmap(uintptr(va), false)
			r.Owner.Map(info.PPN, uintptr(va), (r.Access.PTEFlags()&^mem.PTE_W)|mem.PTE_COW)
		}
		mem.Physmem.Refup(info.PPN)
		clone.Owner.Map(info.PPN, uintptr(base+off), (r.Access.PTEFlags()&^mem.PTE_W)|mem.PTE_COW)
	}
	return clone, defs.EOK
}

// MoveTo transfers every present mapping from this region to an
// equivalent region in targetPT and removes the original: unlike
// CloneTo, frame ownership moves rather than duplicating a reference.
func (r *Region_t) MoveTo(targetPT *apt.APT_t, base uint64) *Region_t {
	var clone *Region_t
	switch r.Kind {
	case PrivateAnon:
		clone = NewAnon(targetPT, base, r.Size, r.Access, r.Name)
	case PhysMapped:
		clone = NewPhysMapped(targetPT, base, r.Size, r.PhysStart, r.Access, r.Name)
	case ObjectBacked:
		clone = NewObjectBacked(targetPT, base, r.Size, r.Access, r.Name, r.Object,
			r.ObjectOffset, r.RegionOffset, r.ObjectSize, r.CoW)
	}

	if r.Kind == PhysMapped {
		// drop the old leaves; the new region's faults re-map the same
		// physical range with fresh non-owning references.
		pgsize := uint64(mem.PGSIZE)
		for off := uint64(0); off < r.Size; off += pgsize {
			r.Owner.Unmap(uintptr(r.Start+off), false)
		}
		r.PrepareDeletion()
		return clone
	}

	pgsize := uint64(mem.PGSIZE)
	for off := uint64(0); off < r.Size; off += pgsize {
		va := r.Start + off
		info := r.Owner.PageInfo(uintptr(va))
		ppn, err := r.Owner.Unmap(uintptr(va), false)
		if err != 0 {
			continue
		}
		flags := r.Access.PTEFlags()
		if info.Cow {
			// still shared with someone; the move must not quietly
			// upgrade it to a private writable mapping.
			flags = (flags &^ mem.PTE_W) | mem.PTE_COW
		}
		clone.Owner.Map(ppn, uintptr(base+off), flags)
	}
	r.PrepareDeletion()
	return clone
}

// PrepareDeletion drops this region's back-reference into its memory
// object's pin set, if any. The Page_Table aggregate is responsible for
// removing the region from its own map and unmapping its pages.
func (r *Region_t) PrepareDeletion() {
	if r.Kind == ObjectBacked && r.Object != nil {
		// the owning Page_Table's PTID is tracked by vm, not region; vm
		// calls mobj.Unpin itself once it has removed this region from
		// its own map, since only it knows its own PTID.
	}
}
