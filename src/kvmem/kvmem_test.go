package kvmem

import "testing"

func TestAllocFreeCoalesce(t *testing.T) {
	a := MkArena(0, 1024)

	b1, ok := a.Alloc(4, InstantFit)
	if !ok {
		t.Fatal("alloc failed")
	}
	b2, ok := a.Alloc(4, InstantFit)
	if !ok {
		t.Fatal("alloc failed")
	}
	if b2 == b1 {
		t.Fatal("got the same base twice")
	}

	a.Free(b1)
	a.Free(b2)

	// after freeing both, a single allocation spanning more than either
	// individual piece must succeed, proving they coalesced back with
	// their neighbors rather than staying fragmented.
	if _, ok := a.Alloc(1024, InstantFit); !ok {
		t.Fatal("expected full arena to be allocatable after coalescing")
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := MkArena(0, 8)
	if _, ok := a.Alloc(8, InstantFit); !ok {
		t.Fatal("alloc failed")
	}
	if _, ok := a.Alloc(1, InstantFit); ok {
		t.Fatal("expected exhaustion")
	}
}

func TestAllocAligned(t *testing.T) {
	a := MkArena(1, 1024) // base=1 forces the first fit to be unaligned

	base, ok := a.AllocAligned(4, 2) // align to 4 pages
	if !ok {
		t.Fatal("aligned alloc failed")
	}
	if base%4 != 0 {
		t.Fatalf("base %v not aligned to 4", base)
	}
	a.Free(base)
}

func TestBestFitPicksTighter(t *testing.T) {
	a := MkArena(0, 1024)

	// carve out two free blocks of different sizes by allocating and
	// freeing a middle chunk, leaving a 16-page hole and the remaining
	// large tail.
	hole, ok := a.Alloc(16, InstantFit)
	if !ok {
		t.Fatal("setup alloc failed")
	}
	_, ok = a.Alloc(8, InstantFit) // keep the remainder from being pure tail
	if !ok {
		t.Fatal("setup alloc failed")
	}
	a.Free(hole)

	base, ok := a.Alloc(8, BestFit)
	if !ok {
		t.Fatal("bestfit alloc failed")
	}
	if base != hole {
		t.Fatalf("expected bestfit to reuse the freed 16-page hole at %v, got %v", hole, base)
	}
}
