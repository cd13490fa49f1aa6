// Package kvmem is the kernel's own virtual address space allocator, in the
// style of the illumos vmem allocator: a fixed VA range is carved into
// boundary-tag segments tracked by three structures that all point at the
// same tags rather than three copies of the data: an address-ordered list
// (for coalescing), a set of power-of-two-bucketed freelists (for fast
// allocation) and a hash table keyed by base address (for free()). This is
// what the temp mapper and the arch page table code draw their own kernel
// mappings from.
package kvmem

import (
	"hashtable"
	"sync"
	"util"
)

// Policy selects how alloc() picks among candidate free segments.
type Policy int

const (
	// InstantFit takes the first segment in the smallest non-empty bucket
	// that can satisfy the request, without searching for a tighter fit.
	InstantFit Policy = iota
	// BestFit scans the exact-size bucket for the smallest segment that
	// still satisfies the request, trading allocation time for less
	// fragmentation.
	BestFit
)

type tagstate int

const (
	tagFree tagstate = iota
	tagAlloc
)

// numBuckets covers segment sizes from one page (bucket 0) up to 2^31
// pages, comfortably spanning any kernel VA range this allocator is asked
// to manage.
const numBuckets = 20

// pageShift is the allocator's native unit; callers pass sizes in pages.
const pageShift = 12

// tag_t is a boundary tag: a maximal run of pages that is either entirely
// free or entirely allocated. Tags are linked three ways: addrnext/addrprev
// keep the address-sorted view for coalescing, freenext/freeprev thread the
// tag through its bucket's freelist when free, and allocated tags are also
// reachable from the hash table by base address.
type tag_t struct {
	base  uint64 // in pages
	npages uint64
	state tagstate

	addrnext, addrprev *tag_t
	freenext, freeprev *tag_t
}

// bucket returns the freelist bucket index for a segment of the given page
// count: ceil(log2(size)) with the page-granularity log2(4096) offset
// already folded out, since callers already express sizes in pages.
func bucket(npages uint64) uint {
	if npages == 0 {
		panic("zero-size segment")
	}
	b := util.Log2Ceil(npages)
	if b >= numBuckets {
		b = numBuckets - 1
	}
	return b
}

// Arena_t is one boundary-tag arena over a contiguous page range.
type Arena_t struct {
	sync.Mutex

	base, limit uint64 // in pages, [base, limit)

	addrhead *tag_t // lowest-addressed tag
	freelists [numBuckets]*tag_t
	nonempty uint32 // bitmap: bit b set iff freelists[b] != nil

	allocated *hashtable.Hashtable_t // base (uint64) -> *tag_t, state==Alloc

	spare []*tag_t // bootstrap pool, see MkArena
}

// MkArena creates an arena managing [base, base+size) (addresses in pages)
// seeded from a small static pool of tags so that the very first alloc does
// not need to allocate a tag from the allocator it is trying to use.
func MkArena(base, sizepages uint64) *Arena_t {
	a := &Arena_t{
		base:      base,
		limit:     base + sizepages,
		allocated: hashtable.MkHash(256),
	}
	const bootstrapTags = 64
	pool := make([]tag_t, bootstrapTags)
	for i := range pool {
		a.spare = append(a.spare, &pool[i])
	}

	root := a.newtag()
	root.base = base
	root.npages = sizepages
	root.state = tagFree
	a.addrhead = root
	a.freelistInsert(root)
	return a
}

func (a *Arena_t) newtag() *tag_t {
	if len(a.spare) == 0 {
		// Grow the spare pool; a live kernel would instead carve this
		// batch out of a small reserved bootstrap region, but a plain
		// allocation here keeps the bootstrap/steady-state paths
		// identical in Go.
		more := make([]tag_t, 64)
		for i := range more {
			a.spare = append(a.spare, &more[i])
		}
	}
	t := a.spare[len(a.spare)-1]
	a.spare = a.spare[:len(a.spare)-1]
	*t = tag_t{}
	return t
}

func (a *Arena_t) freetag(t *tag_t) {
	a.spare = append(a.spare, t)
}

func (a *Arena_t) freelistInsert(t *tag_t) {
	b := bucket(t.npages)
	t.freenext = a.freelists[b]
	t.freeprev = nil
	if a.freelists[b] != nil {
		a.freelists[b].freeprev = t
	}
	a.freelists[b] = t
	a.nonempty |= 1 << b
}

func (a *Arena_t) freelistRemove(t *tag_t) {
	b := bucket(t.npages)
	if t.freeprev != nil {
		t.freeprev.freenext = t.freenext
	} else {
		a.freelists[b] = t.freenext
	}
	if t.freenext != nil {
		t.freenext.freeprev = t.freeprev
	}
	t.freenext, t.freeprev = nil, nil
	if a.freelists[b] == nil {
		a.nonempty &^= 1 << b
	}
}

func (a *Arena_t) addrInsertAfter(prev, t *tag_t) {
	t.addrprev = prev
	if prev == nil {
		t.addrnext = a.addrhead
		a.addrhead = t
	} else {
		t.addrnext = prev.addrnext
		prev.addrnext = t
	}
	if t.addrnext != nil {
		t.addrnext.addrprev = t
	}
}

func (a *Arena_t) addrRemove(t *tag_t) {
	if t.addrprev != nil {
		t.addrprev.addrnext = t.addrnext
	} else {
		a.addrhead = t.addrnext
	}
	if t.addrnext != nil {
		t.addrnext.addrprev = t.addrprev
	}
}

// pickInstantFit returns the first tag in the lowest nonempty bucket able
// to satisfy npages.
func (a *Arena_t) pickInstantFit(npages uint64) *tag_t {
	want := bucket(npages)
	mask := a.nonempty &^ ((1 << want) - 1)
	for mask != 0 {
		b := trailingZeros32(mask)
		for t := a.freelists[b]; t != nil; t = t.freenext {
			if t.npages >= npages {
				return t
			}
		}
		mask &^= 1 << b
	}
	return nil
}

// pickBestFit scans only the exact bucket for npages for the tightest fit,
// falling back to instant-fit search in higher buckets if the exact bucket
// has nothing big enough.
func (a *Arena_t) pickBestFit(npages uint64) *tag_t {
	want := bucket(npages)
	var best *tag_t
	for t := a.freelists[want]; t != nil; t = t.freenext {
		if t.npages >= npages && (best == nil || t.npages < best.npages) {
			best = t
		}
	}
	if best != nil {
		return best
	}
	return a.pickInstantFit(npages)
}

func trailingZeros32(v uint32) uint {
	n := uint(0)
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

// Alloc reserves npages contiguous pages using the given policy and returns
// the base page number, or ok=false if the arena is exhausted.
func (a *Arena_t) Alloc(npages uint64, policy Policy) (base uint64, ok bool) {
	a.Lock()
	defer a.Unlock()

	var t *tag_t
	if policy == BestFit {
		t = a.pickBestFit(npages)
	} else {
		t = a.pickInstantFit(npages)
	}
	if t == nil {
		return 0, false
	}

	a.freelistRemove(t)
	if t.npages > npages {
		rem := a.newtag()
		rem.base = t.base + npages
		rem.npages = t.npages - npages
		rem.state = tagFree
		t.npages = npages
		a.addrInsertAfter(t, rem)
		a.freelistInsert(rem)
	}
	t.state = tagAlloc
	a.allocated.Set(t.base, t)
	return t.base, true
}

// AllocAligned reserves npages contiguous pages whose base is a multiple of
// 1<<alignLog pages, splitting off an unaligned prefix (and a leftover
// suffix) back onto the freelists as needed.
func (a *Arena_t) AllocAligned(npages uint64, alignLog uint) (base uint64, ok bool) {
	align := uint64(1) << alignLog
	a.Lock()
	defer a.Unlock()

	for b := uint(0); b < numBuckets; b++ {
		if a.nonempty&(1<<b) == 0 {
			continue
		}
		for t := a.freelists[b]; t != nil; t = t.freenext {
			alignedBase := util.Roundup(int(t.base), int(align))
			end := t.base + t.npages
			if uint64(alignedBase)+npages > end {
				continue
			}
			return a.splitForAligned(t, uint64(alignedBase), npages), true
		}
	}
	return 0, false
}

// splitForAligned carves [alignedBase, alignedBase+npages) out of free tag
// t, which must already be known to contain that range, returning any
// unaligned prefix and trailing suffix to the freelists.
func (a *Arena_t) splitForAligned(t *tag_t, alignedBase, npages uint64) uint64 {
	a.freelistRemove(t)

	if alignedBase > t.base {
		prefix := a.newtag()
		prefix.base = t.base
		prefix.npages = alignedBase - t.base
		prefix.state = tagFree
		t.base = alignedBase
		t.npages -= prefix.npages
		// prefix takes t's old slot in the address-ordered list; t
		// moves to just after it.
		a.relinkBefore(t, prefix)
		a.freelistInsert(prefix)
	}

	if t.npages > npages {
		suffix := a.newtag()
		suffix.base = t.base + npages
		suffix.npages = t.npages - npages
		suffix.state = tagFree
		t.npages = npages
		a.addrInsertAfter(t, suffix)
		a.freelistInsert(suffix)
	}

	t.state = tagAlloc
	a.allocated.Set(t.base, t)
	return t.base
}

// relinkBefore splices newt into the address list immediately before t,
// which must currently be the head of its old slot.
func (a *Arena_t) relinkBefore(t, newt *tag_t) {
	prev := t.addrprev
	newt.addrprev = prev
	newt.addrnext = t
	t.addrprev = newt
	if prev != nil {
		prev.addrnext = newt
	} else {
		a.addrhead = newt
	}
}

// Free releases the segment starting at base, which must have been
// returned by a prior Alloc/AllocAligned on this arena, and coalesces it
// with any free neighbor segments.
func (a *Arena_t) Free(base uint64) {
	a.Lock()
	defer a.Unlock()

	v, ok := a.allocated.Get(base)
	if !ok {
		panic("free of unknown segment")
	}
	t := v.(*tag_t)
	a.allocated.Del(base)
	t.state = tagFree

	if prev := t.addrprev; prev != nil && prev.state == tagFree {
		a.freelistRemove(prev)
		a.addrRemove(t)
		prev.npages += t.npages
		a.freetag(t)
		t = prev
	}
	if next := t.addrnext; next != nil && next.state == tagFree {
		a.freelistRemove(next)
		a.addrRemove(next)
		t.npages += next.npages
		a.freetag(next)
	}
	a.freelistInsert(t)
}

// Free2 frees by (base, npages) pair for callers that track size
// separately rather than relying on the hash table round-trip; it is
// equivalent to Free but validates the caller's npages against the
// allocator's own record as a consistency check.
func (a *Arena_t) Free2(base, npages uint64) {
	a.Lock()
	v, ok := a.allocated.Get(base)
	if !ok {
		a.Unlock()
		panic("free of unknown segment")
	}
	t := v.(*tag_t)
	if t.npages != npages {
		a.Unlock()
		panic("free size mismatch")
	}
	a.Unlock()
	a.Free(base)
}
