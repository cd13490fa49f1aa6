// Package mobj implements the Memory Object: a pageable, content-addressed
// array of physical frames that one or more Page_Tables can pin a region
// onto. A memory object with no pager is backed entirely by anonymous
// zero-fill-on-demand frames; one with a pager defers unresolved pages to
// a user-space port and blocks the faulting task until the pager replies.
package mobj

import (
	"defs"
	"mem"
	"sync"
)

// Pager_i is implemented by whatever holds the memory object's pager port
// capability. mobj does not import the port package directly (port would
// have to import mobj right back to describe what it's paging in), so the
// two are wired together by whatever constructs the pager relationship,
// typically the syscall layer.
type Pager_i interface {
	RequestPage(moid defs.MOID, offset uint64)
}

// PageSlot_t is the state of a single page-sized slot in a memory object.
// DontDelete (set via PinSlot) keeps the slot's frame alive across a
// shrink that takes it out of range; UnpinSlot releases it.
type PageSlot_t struct {
	Present    bool
	DontDelete bool
	Requested  bool
	PPN        mem.Pa_t
}

// MemObject_t is one memory object, globally indexed by ID. sizePages is
// the object's logical bound (what RequestPage range-checks against); the
// Pages slice can outlive it at the tail while a shrink leaves DontDelete
// slots behind, so len(Pages) >= sizePages always.
type MemObject_t struct {
	sync.Mutex
	ID          defs.MOID
	PageSizeLog uint
	Pages       []PageSlot_t
	sizePages   uint64
	pinnedBy    map[defs.PTID]Pinner_i
	Pager       Pager_i
}

// Pinner_i is implemented by whatever pins a memory object into its
// address space (package vm's Page_Table); Truncate is called when a
// shrink drops pages a pinner's region still covers, and NotifyPage is
// called when a pager's reply completes a page a pinner's region may have
// a task blocked on.
type Pinner_i interface {
	Truncate(moid defs.MOID, newSizePages uint64)
	NotifyPage(moid defs.MOID, offset uint64)
}

var (
	moMu    sync.Mutex
	moIndex = make(map[defs.MOID]*MemObject_t)
	nextMO  uint64
)

// New creates an empty memory object of the given initial size in pages,
// allocates it a fresh MOID, and registers it in the global index, the
// same allocate-and-register convention port.New/taskgroup.New/vm.New
// follow. A nil pager means every unresolved page is anonymous
// zero-fill.
func New(initialPages uint64, pager Pager_i) *MemObject_t {
	moMu.Lock()
	nextMO++
	id := defs.MOID(nextMO)
	moMu.Unlock()

	mo := &MemObject_t{
		ID:          id,
		PageSizeLog: mem.PGSHIFT,
		Pages:       make([]PageSlot_t, initialPages),
		sizePages:   initialPages,
		pinnedBy:    make(map[defs.PTID]Pinner_i),
		Pager:       pager,
	}
	moMu.Lock()
	moIndex[id] = mo
	moMu.Unlock()
	return mo
}

// Lookup finds a memory object by ID in the global index.
func Lookup(id defs.MOID) (*MemObject_t, bool) {
	moMu.Lock()
	defer moMu.Unlock()
	mo, ok := moIndex[id]
	return mo, ok
}

// Forget removes a destroyed memory object from the global index.
func Forget(id defs.MOID) {
	moMu.Lock()
	delete(moIndex, id)
	moMu.Unlock()
}

// All returns a snapshot of every currently registered memory object, for
// callers that enumerate rather than look up by ID (kstat's residency
// export).
func All() []*MemObject_t {
	moMu.Lock()
	defer moMu.Unlock()
	out := make([]*MemObject_t, 0, len(moIndex))
	for _, mo := range moIndex {
		out = append(out, mo)
	}
	return out
}

// ResidentPages counts the present slots, the live frame count pprof's
// residency sample reports.
func (mo *MemObject_t) ResidentPages() int {
	mo.Lock()
	defer mo.Unlock()
	n := 0
	for _, p := range mo.Pages {
		if p.Present {
			n++
		}
	}
	return n
}

// Pin records that a page table is pinning this object, so it is notified
// of a future shrink.
func (mo *MemObject_t) Pin(pt defs.PTID, p Pinner_i) {
	mo.Lock()
	defer mo.Unlock()
	mo.pinnedBy[pt] = p
}

// PinnedCount reports how many page tables currently pin this object; a
// pinned object cannot be released.
func (mo *MemObject_t) PinnedCount() int {
	mo.Lock()
	defer mo.Unlock()
	return len(mo.pinnedBy)
}

// Unpin drops a page table's pin.
func (mo *MemObject_t) Unpin(pt defs.PTID) {
	mo.Lock()
	defer mo.Unlock()
	delete(mo.pinnedBy, pt)
}

// RequestResult_t is the outcome of RequestPage.
type RequestResult_t int

const (
	PageReady RequestResult_t = iota
	PagePending
	PageOutOfRange
	PageOOM
)

// RequestPage resolves an offset to a frame in five steps:
// translate offset to an index, bounds-check, return a present page, fall
// back to a fresh zero frame when there's no pager, or kick off a pager
// round-trip and report "pending".
func (mo *MemObject_t) RequestPage(offset uint64) (mem.Pa_t, RequestResult_t) {
	idx := offset >> mo.PageSizeLog
	mo.Lock()
	defer mo.Unlock()

	// range-check against the logical size: a pinned slot a shrink left
	// behind is still held, but no longer addressable.
	if idx >= mo.sizePages {
		return 0, PageOutOfRange
	}
	slot := &mo.Pages[idx]
	if slot.Present {
		return slot.PPN, PageReady
	}
	if mo.Pager == nil {
		_, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			return 0, PageOOM
		}
		mem.Physmem.Refup(p_pg)
		slot.Present = true
		slot.PPN = p_pg
		return p_pg, PageReady
	}
	if !slot.Requested {
		slot.Requested = true
		mo.Pager.RequestPage(mo.ID, offset)
	}
	return 0, PagePending
}

// CompletePage is called by the syscall that lets a pager fulfill a
// previously requested page: it installs the frame into the slot, then
// wakes every pinner's task blocked on this object's address, the same
// snapshot-then-unlock-then-notify shape AtomicResize uses for Truncate.
func (mo *MemObject_t) CompletePage(offset uint64, ppn mem.Pa_t) defs.Err_t {
	idx := offset >> mo.PageSizeLog
	mo.Lock()
	if idx >= uint64(len(mo.Pages)) {
		mo.Unlock()
		return defs.EOUT_OF_RANGE
	}
	slot := &mo.Pages[idx]
	if slot.Present {
		mo.Unlock()
		return defs.EALREADY_EXISTS
	}
	mem.Physmem.Refup(ppn)
	slot.Present = true
	slot.Requested = false
	slot.PPN = ppn

	pinners := make([]Pinner_i, 0, len(mo.pinnedBy))
	for _, p := range mo.pinnedBy {
		pinners = append(pinners, p)
	}
	mo.Unlock()

	for _, p := range pinners {
		p.NotifyPage(mo.ID, offset)
	}
	return defs.EOK
}

// ObjectUpTo returns the highest page index, exclusive, that region_offset
// maps to given a region window [region_offset, region_offset+object_size);
// used by a pinner to decide whether a shrink truncates it.
func ObjectUpTo(regionOffsetPages, objectSizePages uint64) uint64 {
	return regionOffsetPages + objectSizePages
}

// SizePages reports the object's logical size in pages.
func (mo *MemObject_t) SizePages() uint64 {
	mo.Lock()
	defer mo.Unlock()
	return mo.sizePages
}

// PinSlot marks offset's slot DontDelete: a shrink may take it out of
// range but must not free its frame until UnpinSlot. Used around windows
// where someone (the executable loader, a pager mid-population) is still
// working on the frame's contents.
func (mo *MemObject_t) PinSlot(offset uint64) defs.Err_t {
	idx := offset >> mo.PageSizeLog
	mo.Lock()
	defer mo.Unlock()
	if idx >= uint64(len(mo.Pages)) {
		return defs.EOUT_OF_RANGE
	}
	mo.Pages[idx].DontDelete = true
	return defs.EOK
}

// UnpinSlot clears a slot's DontDelete mark. If a shrink already moved the
// slot past the logical bound, the deferred free happens now and the tail
// of the slice is trimmed back toward the bound.
func (mo *MemObject_t) UnpinSlot(offset uint64) defs.Err_t {
	idx := offset >> mo.PageSizeLog
	mo.Lock()
	defer mo.Unlock()
	if idx >= uint64(len(mo.Pages)) {
		return defs.EOUT_OF_RANGE
	}
	slot := &mo.Pages[idx]
	slot.DontDelete = false
	if idx >= mo.sizePages {
		if slot.Present {
			mem.Physmem.Refdown(slot.PPN)
		}
		*slot = PageSlot_t{}
	}
	mo.trimTailLocked()
	return defs.EOK
}

// trimTailLocked drops empty, unpinned slots from the end of the slice
// until it reaches the logical bound or a slot still worth keeping.
func (mo *MemObject_t) trimTailLocked() {
	n := uint64(len(mo.Pages))
	for n > mo.sizePages {
		s := &mo.Pages[n-1]
		if s.DontDelete || s.Present {
			break
		}
		n--
	}
	mo.Pages = mo.Pages[:n]
}

// AtomicResize extends or shrinks the object's logical size. On shrink,
// every pinner whose region extends past the new size is notified to
// truncate before the pages themselves are dropped; the reverse order
// would leave a pinner's mapping pointing at a freed frame. Slots marked
// DontDelete survive past the new bound, frames intact, until UnpinSlot.
func (mo *MemObject_t) AtomicResize(newSizePages uint64) {
	mo.Lock()
	if newSizePages >= mo.sizePages {
		if newSizePages > uint64(len(mo.Pages)) {
			grown := make([]PageSlot_t, newSizePages)
			copy(grown, mo.Pages)
			mo.Pages = grown
		}
		mo.sizePages = newSizePages
		mo.Unlock()
		return
	}

	pinners := make([]Pinner_i, 0, len(mo.pinnedBy))
	for _, p := range mo.pinnedBy {
		pinners = append(pinners, p)
	}
	mo.Unlock()

	for _, p := range pinners {
		p.Truncate(mo.ID, newSizePages)
	}

	mo.Lock()
	defer mo.Unlock()
	for i := newSizePages; i < uint64(len(mo.Pages)); i++ {
		slot := &mo.Pages[i]
		if slot.DontDelete {
			continue
		}
		if slot.Present {
			mem.Physmem.Refdown(slot.PPN)
		}
		*slot = PageSlot_t{}
	}
	mo.sizePages = newSizePages
	mo.trimTailLocked()
}

// Destroy frees every still-present page owned by this object.
func (mo *MemObject_t) Destroy() {
	mo.Lock()
	defer mo.Unlock()
	for i := range mo.Pages {
		if mo.Pages[i].Present {
			mem.Physmem.Refdown(mo.Pages[i].PPN)
			mo.Pages[i] = PageSlot_t{}
		}
	}
}
