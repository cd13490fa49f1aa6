// Package vm implements the Page_Table aggregate: the arch page table
// (package apt) plus the ordered set of regions mapped into it, the set of
// memory objects it pins, and the tasks blocked waiting for a page. It is
// the only thing that calls into both apt and region, since both of those
// packages deliberately avoid depending on each other.
package vm

import (
	"apt"
	"defs"
	"mem"
	"region"
	"sort"
	"sync"
	"tmap"
)

// PageTable_t is one address space: an APT plus the regions mapped into
// it. All region-list and fault-path operations are serialized by mu;
// page table walks themselves are further serialized by the APT.
type PageTable_t struct {
	ID  defs.PTID
	APT *apt.APT_t

	mu      sync.Mutex
	regions []*region.Region_t // kept sorted by Start

	waiters map[uint64][]chan struct{}
}

var (
	nextPTID uint64
	ptMu     sync.Mutex
	ptIndex  = make(map[defs.PTID]*PageTable_t)
)

func allocPTID() defs.PTID {
	nextPTID++
	return defs.PTID(nextPTID)
}

// New creates an empty page table backed by a fresh top-level table and
// registers it under a fresh PTID, globally indexed the same way port and
// taskgroup index their own objects.
func New(m tmap.Mapper_i) *PageTable_t {
	pt := &PageTable_t{
		ID:      allocPTID(),
		APT:     apt.CreateEmpty(m),
		waiters: make(map[uint64][]chan struct{}),
	}
	ptMu.Lock()
	ptIndex[pt.ID] = pt
	ptMu.Unlock()
	return pt
}

// Lookup finds a page table by ID in the global index.
func Lookup(id defs.PTID) (*PageTable_t, bool) {
	ptMu.Lock()
	defer ptMu.Unlock()
	pt, ok := ptIndex[id]
	return pt, ok
}

// Unregister removes pt from the global index. Called by Destroy.
func unregister(id defs.PTID) {
	ptMu.Lock()
	delete(ptIndex, id)
	ptMu.Unlock()
}

func (pt *PageTable_t) indexOf(start uint64) int {
	return sort.Search(len(pt.regions), func(i int) bool { return pt.regions[i].Start >= start })
}

// findLocked returns the region whose [Start, Start+Size) covers va, an
// ordered-map lower-bound lookup: regions are kept sorted by Start, and
// the candidate is the last region starting at or before va.
func (pt *PageTable_t) findLocked(va uint64) *region.Region_t {
	i := sort.Search(len(pt.regions), func(i int) bool { return pt.regions[i].Start > va })
	if i == 0 {
		return nil
	}
	r := pt.regions[i-1]
	if r.Contains(va) {
		return r
	}
	return nil
}

// AddRegion inserts r into the page table's region map. Overlapping an
// existing region is rejected.
func (pt *PageTable_t) AddRegion(r *region.Region_t) defs.Err_t {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	i := pt.indexOf(r.Start)
	if i > 0 {
		prev := pt.regions[i-1]
		if prev.Start+prev.Size > r.Start {
			return defs.EREGION_OCCUPIED
		}
	}
	if i < len(pt.regions) && pt.regions[i].Start < r.Start+r.Size {
		return defs.EREGION_OCCUPIED
	}
	pt.regions = append(pt.regions, nil)
	copy(pt.regions[i+1:], pt.regions[i:])
	pt.regions[i] = r
	if r.Kind == region.ObjectBacked && r.Object != nil {
		r.Object.Pin(pt.ID, pt)
	}
	return defs.EOK
}

// RemoveRegion unmaps every present page the region covers, drops it from
// the map, and wakes every task blocked on a VA inside it. A woken task's
// restarted syscall finds no covering region and fails EFAULT.
func (pt *PageTable_t) RemoveRegion(r *region.Region_t) defs.Err_t {
	pt.mu.Lock()
	i := pt.indexOf(r.Start)
	if i >= len(pt.regions) || pt.regions[i] != r {
		pt.mu.Unlock()
		return defs.ENO_FREE_REGION
	}
	pgsize := uint64(mem.PGSIZE)
	for off := uint64(0); off < r.Size; off += pgsize {
		pt.APT.Unmap(uintptr(r.Start+off), true)
	}
	r.PrepareDeletion()
	if r.Kind == region.ObjectBacked && r.Object != nil {
		r.Object.Unpin(pt.ID)
	}
	pt.regions = append(pt.regions[:i], pt.regions[i+1:]...)
	woken := pt.takeWaitersLocked(r.Start, r.Start+r.Size)
	pt.mu.Unlock()

	for _, ch := range woken {
		close(ch)
	}
	return defs.EOK
}

// takeWaitersLocked removes and returns the wait channels of every page in
// [start, end). Caller holds pt.mu and closes the channels after unlocking.
func (pt *PageTable_t) takeWaitersLocked(start, end uint64) []chan struct{} {
	var out []chan struct{}
	for page, chans := range pt.waiters {
		if page >= start && page < end {
			out = append(out, chans...)
			delete(pt.waiters, page)
		}
	}
	return out
}

// Regions returns a snapshot of the current region list, ordered by Start.
func (pt *PageTable_t) Regions() []*region.Region_t {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make([]*region.Region_t, len(pt.regions))
	copy(out, pt.regions)
	return out
}

// FaultOutcome is the result of resolving a single page fault.
type FaultOutcome int

const (
	Resolved FaultOutcome = iota
	Pending
	NoRegion
	Protection
	Failed
)

// Fault resolves a page fault at va. If the faulting address isn't
// covered by any region, NoRegion is returned (the caller should deliver
// a fault signal to the task). If it's covered but already mapped, either
// this is a write to a CoW page (resolved in place) or a genuinely
// spurious fault.
func (pt *PageTable_t) Fault(va uint64, write bool) (FaultOutcome, defs.Err_t) {
	pt.mu.Lock()
	r := pt.findLocked(va)
	pt.mu.Unlock()
	if r == nil {
		return NoRegion, defs.EFAULT
	}

	pageva := va &^ uint64(mem.PGOFFSET)
	info := pt.APT.PageInfo(uintptr(pageva))
	if info.Allocated {
		if write && info.Cow {
			if err := r.ResolveCOWWrite(pageva); err != 0 {
				return Failed, err
			}
			return Resolved, defs.EOK
		}
		if write && !info.Writable {
			return Protection, defs.EPROTECTION_VIOLATION
		}
		return Resolved, defs.EOK
	}

	res, err := r.AllocPage(pageva, write)
	switch res {
	case region.FaultMapped:
		return Resolved, defs.EOK
	case region.FaultPending:
		return Pending, defs.EOK
	default:
		return Failed, err
	}
}

// Wait blocks the caller until wakeVA is called for va's page, or the
// channel is closed by Destroy. Used by the scheduler to park a task on a
// pending pager round-trip; the caller re-drives Fault after waking.
func (pt *PageTable_t) Wait(va uint64) <-chan struct{} {
	page := va &^ uint64(mem.PGOFFSET)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	ch := make(chan struct{})
	pt.waiters[page] = append(pt.waiters[page], ch)
	return ch
}

// wakeVA wakes every task waiting on va's page.
func (pt *PageTable_t) wakeVA(va uint64) {
	page := va &^ uint64(mem.PGOFFSET)
	pt.mu.Lock()
	chans := pt.waiters[page]
	delete(pt.waiters, page)
	pt.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// NotifyPage implements mobj.Pinner_i: when a pager's reply completes a
// page of a memory object we pin, wake any task blocked on the
// corresponding VA in every one of our regions backed by that object and
// window, the production counterpart of sched.BlockOnPage's wait.
func (pt *PageTable_t) NotifyPage(moid defs.MOID, offset uint64) {
	pt.mu.Lock()
	var vas []uint64
	for _, r := range pt.regions {
		if r.Kind != region.ObjectBacked || r.Object == nil || r.Object.ID != moid {
			continue
		}
		if offset < r.RegionOffset || offset >= r.RegionOffset+r.ObjectSize {
			continue
		}
		vas = append(vas, r.Start+(offset-r.RegionOffset))
	}
	pt.mu.Unlock()

	for _, va := range vas {
		pt.wakeVA(va)
	}
}

// Truncate implements mobj.Pinner_i: when a pinned memory object shrinks,
// every region of ours backed by it past the new size is unmapped, and any
// task blocked on a now-gone page is woken; its restarted fault fails with
// EPAGE_NOT_ALLOCATED rather than ever completing.
func (pt *PageTable_t) Truncate(moid defs.MOID, newSizePages uint64) {
	pt.mu.Lock()
	newSizeBytes := newSizePages * uint64(mem.PGSIZE)
	var woken []chan struct{}
	for _, r := range pt.regions {
		if r.Kind != region.ObjectBacked || r.Object == nil || r.Object.ID != moid {
			continue
		}
		windowEnd := r.RegionOffset + r.ObjectSize
		if windowEnd <= newSizeBytes {
			continue
		}
		pgsize := uint64(mem.PGSIZE)
		start := r.Start + r.RegionOffset
		if newSizeBytes > r.RegionOffset {
			start = r.Start + newSizeBytes
		}
		end := r.Start + windowEnd
		for va := start; va < end; va += pgsize {
			pt.APT.Unmap(uintptr(va), true)
		}
		woken = append(woken, pt.takeWaitersLocked(start, end)...)
	}
	pt.mu.Unlock()

	for _, ch := range woken {
		close(ch)
	}
}

// CreateClone builds a new page table sharing this one's private-anon and
// CoW object-backed frames (refup'd and re-marked CoW in both tables) and
// re-declaring phys-mapped regions directly, implementing fork's address
// space duplication. apt.APT_t deliberately has no create_clone of its own
// since it cannot see the region map. On any per-region failure (a non-cow
// object-backed region, an OOM mid-copy) every region added so far is torn
// back down and the half-built child destroyed.
func (pt *PageTable_t) CreateClone(m tmap.Mapper_i) (*PageTable_t, defs.Err_t) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	child := New(m)
	for _, r := range pt.regions {
		cr, err := r.CloneTo(child.APT, r.Start)
		if err != 0 {
			child.Destroy()
			return nil, err
		}
		child.regions = append(child.regions, cr)
		if cr.Kind == region.ObjectBacked && cr.Object != nil {
			cr.Object.Pin(child.ID, child)
		}
	}
	return child, defs.EOK
}

// MoveRegion relocates r from this page table to target at base,
// transferring frame ownership rather than sharing it. Used for handing a
// region to another task group (e.g. a shared-memory attach at a
// caller-chosen address).
func (pt *PageTable_t) MoveRegion(r *region.Region_t, target *PageTable_t, base uint64) (*region.Region_t, defs.Err_t) {
	pt.mu.Lock()
	i := pt.indexOf(r.Start)
	if i >= len(pt.regions) || pt.regions[i] != r {
		pt.mu.Unlock()
		return nil, defs.ENO_FREE_REGION
	}
	pt.regions = append(pt.regions[:i], pt.regions[i+1:]...)
	if r.Kind == region.ObjectBacked && r.Object != nil {
		r.Object.Unpin(pt.ID)
	}
	pt.mu.Unlock()

	moved := r.MoveTo(target.APT, base)

	target.mu.Lock()
	defer target.mu.Unlock()
	j := target.indexOf(base)
	target.regions = append(target.regions, nil)
	copy(target.regions[j+1:], target.regions[j:])
	target.regions[j] = moved
	if moved.Kind == region.ObjectBacked && moved.Object != nil {
		moved.Object.Pin(target.ID, target)
	}
	return moved, defs.EOK
}

// Destroy tears down every region and the underlying APT.
func (pt *PageTable_t) Destroy() {
	unregister(pt.ID)
	pt.mu.Lock()
	regions := pt.regions
	pt.regions = nil
	waiters := pt.waiters
	pt.waiters = make(map[uint64][]chan struct{})
	pt.mu.Unlock()

	for _, chans := range waiters {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, r := range regions {
		if r.Kind == region.ObjectBacked && r.Object != nil {
			r.Object.Unpin(pt.ID)
		}
	}
	pt.APT.Destroy()
}
