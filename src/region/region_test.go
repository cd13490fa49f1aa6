package region

import (
	"apt"
	"defs"
	"mem"
	"mobj"
	"testing"
	"tmap"
	"ustr"
)

func setup(t *testing.T) *apt.APT_t {
	mem.Phys_init(4 << 20)
	_, kpd, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	_, krec, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	apt.SetKernelTemplate(kpd, krec)
	return apt.CreateEmpty(tmap.DirectMapper_t{})
}

func TestAnonAllocPage(t *testing.T) {
	a := setup(t)
	r := NewAnon(a, 0x1000, 0x1000, R|W, ustr.MkUstrSlice([]byte("heap")))

	res, err := r.AllocPage(0x1000, true)
	if res != FaultMapped || err != 0 {
		t.Fatalf("alloc_page failed: %v %v", res, err)
	}
	info := a.PageInfo(0x1000)
	if !info.Allocated || !info.Writable {
		t.Fatalf("expected writable mapping, got %+v", info)
	}
}

func TestPhysMappedAllocPage(t *testing.T) {
	a := setup(t)
	r := NewPhysMapped(a, 0x2000, 0x1000, mem.Pa_t(0x10000), R, ustr.MkUstrSlice([]byte("mmio")))

	res, err := r.AllocPage(0x2000, false)
	if res != FaultMapped || err != 0 {
		t.Fatalf("alloc_page failed: %v %v", res, err)
	}
	pa, err := a.PhysAddrOf(0x2000)
	if err != 0 || pa != 0x10000 {
		t.Fatalf("expected phys addr 0x10000, got %v %v", pa, err)
	}
}

func TestObjectBackedAllocAndCOW(t *testing.T) {
	a1 := setup(t)
	a2 := setup(t)
	mo := mobj.New(1, nil)

	r1 := NewObjectBacked(a1, 0x3000, 0x1000, R|W, ustr.MkUstrSlice([]byte("shared")), mo, 0, 0, 0x1000, true)
	res, err := r1.AllocPage(0x3000, false)
	if res != FaultMapped || err != 0 {
		t.Fatalf("alloc_page failed: %v %v", res, err)
	}
	info := a1.PageInfo(0x3000)
	if !info.Cow {
		t.Fatalf("expected cow mapping on first touch, got %+v", info)
	}

	r2, cerr := r1.CloneTo(a2, 0x4000)
	if cerr != 0 {
		t.Fatalf("clone_to failed: %v", cerr)
	}
	info2 := a2.PageInfo(0x4000)
	if !info2.Allocated || !info2.Cow {
		t.Fatalf("expected cloned cow mapping, got %+v", info2)
	}
	if mem.Physmem.Refcnt(info2.PPN) < 2 {
		t.Fatalf("expected shared refcount >= 2, got %v", mem.Physmem.Refcnt(info2.PPN))
	}

	if err := r2.ResolveCOWWrite(0x4000); err != 0 {
		t.Fatalf("resolve_cow_write failed: %v", err)
	}
	info3 := a2.PageInfo(0x4000)
	if info3.Cow || !info3.Writable {
		t.Fatalf("expected private writable copy after cow resolution, got %+v", info3)
	}
}

func TestCloneNonCowObjectBackedNotSupported(t *testing.T) {
	a1 := setup(t)
	a2 := setup(t)
	mo := mobj.New(1, nil)
	r := NewObjectBacked(a1, 0x3000, 0x1000, R|W, ustr.MkUstrSlice([]byte("direct")), mo, 0, 0, 0x1000, false)
	if _, err := r.CloneTo(a2, 0x4000); err != defs.ENOT_SUPPORTED {
		t.Fatalf("expected ENOT_SUPPORTED cloning a non-cow object-backed region, got %v", err)
	}
}

func TestPhysMappedUnmapLeavesFrameAlone(t *testing.T) {
	a := setup(t)
	r := NewPhysMapped(a, 0x2000, 0x1000, mem.Pa_t(0x10000), R, ustr.MkUstrSlice([]byte("mmio")))
	if res, err := r.AllocPage(0x2000, false); res != FaultMapped || err != 0 {
		t.Fatalf("alloc_page failed: %v %v", res, err)
	}
	info := a.PageInfo(0x2000)
	if !info.NoFree {
		t.Fatalf("expected phys-mapped leaf marked no-free, got %+v", info)
	}
	// unmap with free requested must still not touch the external frame.
	if _, err := a.Unmap(0x2000, true); err != 0 {
		t.Fatalf("unmap failed: %v", err)
	}
}

func TestMoveTo(t *testing.T) {
	a1 := setup(t)
	a2 := setup(t)
	r1 := NewAnon(a1, 0x5000, 0x1000, R|W, ustr.MkUstrSlice([]byte("stack")))
	if res, err := r1.AllocPage(0x5000, true); res != FaultMapped || err != 0 {
		t.Fatalf("alloc_page failed: %v %v", res, err)
	}

	r1.MoveTo(a2, 0x6000)
	if _, err := a1.PhysAddrOf(0x5000); err == 0 {
		t.Fatalf("expected source unmapped after move")
	}
	if _, err := a2.PhysAddrOf(0x6000); err != 0 {
		t.Fatalf("expected destination mapped after move: %v", err)
	}
}
