package apt

import (
	"defs"
	"mem"
	"tmap"
	"testing"
)

func setup(t *testing.T) {
	mem.Phys_init(8 << 20)
	_, top, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	SetKernelTemplate(top|mem.PTE_P, top|mem.PTE_P)
}

func TestMapUnmapPhysAddrOf(t *testing.T) {
	setup(t)
	a := CreateEmpty(tmap.DirectMapper_t{})

	_, frame, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	mem.Physmem.Refup(frame)
	const va = uintptr(0x1000)
	if err := a.Map(frame, va, mem.PTE_U|mem.PTE_W); err != 0 {
		t.Fatalf("map failed: %v", err)
	}

	got, err := a.PhysAddrOf(va)
	if err != 0 || got != frame {
		t.Fatalf("phys_addr_of mismatch: got %v err %v want %v", got, err, frame)
	}

	if err := a.Map(frame, va, mem.PTE_U); err != defs.EPAGE_PRESENT {
		t.Fatalf("expected EPAGE_PRESENT remapping, got %v", err)
	}

	if _, err := a.Unmap(va, true); err != 0 {
		t.Fatalf("unmap failed: %v", err)
	}
	if _, err := a.PhysAddrOf(va); err != defs.EPAGE_NOT_ALLOCATED {
		t.Fatalf("expected not-allocated after unmap, got %v", err)
	}
}

// TestCreateEmptyCopiesKernelHalf checks every fresh address space shares
// the template's high-half entries, so a kernel-mode access through any
// page table resolves identically.
func TestCreateEmptyCopiesKernelHalf(t *testing.T) {
	mem.Phys_init(8 << 20)
	_, k0, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	_, k1, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	SetKernelTemplate(k0|mem.PTE_P|mem.PTE_W, k1|mem.PTE_P|mem.PTE_W)

	a := CreateEmpty(tmap.DirectMapper_t{})
	b := CreateEmpty(tmap.DirectMapper_t{})
	tblA, doneA := a.entries(a.Top)
	tblB, doneB := b.entries(b.Top)
	defer doneA()
	defer doneB()
	if tblA[510] != tblB[510] || tblA[511] != tblB[511] {
		t.Fatal("kernel half differs between fresh address spaces")
	}
	if tblA[510]&mem.PTE_ADDR != k0 {
		t.Fatalf("slot 510 points at %#x, want %#x", tblA[510]&mem.PTE_ADDR, k0)
	}
	for i := 0; i < 510; i++ {
		if tblA[i] != 0 {
			t.Fatalf("user half slot %d not empty: %#x", i, tblA[i])
		}
	}
}

func TestPageInfoUnmapped(t *testing.T) {
	setup(t)
	a := CreateEmpty(tmap.DirectMapper_t{})
	info := a.PageInfo(0x2000)
	if info.Allocated {
		t.Fatal("expected unallocated page info")
	}
}

func TestPhysAddrOfNotAllocated(t *testing.T) {
	setup(t)
	a := CreateEmpty(tmap.DirectMapper_t{})
	if _, err := a.PhysAddrOf(0x3000); err != defs.EPAGE_NOT_ALLOCATED {
		t.Fatalf("expected EPAGE_NOT_ALLOCATED, got %v", err)
	}
}
