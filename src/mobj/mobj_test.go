package mobj

import (
	"defs"
	"mem"
	"testing"
)

func TestRequestPageNoPager(t *testing.T) {
	mem.Phys_init(2 << 20)
	mo := New(4, nil)

	ppn, res := mo.RequestPage(0)
	if res != PageReady {
		t.Fatalf("expected ready, got %v", res)
	}
	ppn2, res2 := mo.RequestPage(0)
	if res2 != PageReady || ppn2 != ppn {
		t.Fatalf("expected idempotent re-fetch of the same frame")
	}
}

func TestRequestPageOutOfRange(t *testing.T) {
	mem.Phys_init(2 << 20)
	mo := New(4, nil)
	if _, res := mo.RequestPage(4 * uint64(mem.PGSIZE)); res != PageOutOfRange {
		t.Fatalf("expected out of range, got %v", res)
	}
}

func TestNewRegistersAndForgetRemoves(t *testing.T) {
	mem.Phys_init(2 << 20)
	mo := New(1, nil)
	got, ok := Lookup(mo.ID)
	if !ok || got != mo {
		t.Fatalf("Lookup(%d) = %v, %v; want %v, true", mo.ID, got, ok, mo)
	}
	Forget(mo.ID)
	if _, ok := Lookup(mo.ID); ok {
		t.Fatalf("expected object gone after Forget")
	}
}

type fakePager struct {
	requested []uint64
}

func (f *fakePager) RequestPage(moid defs.MOID, offset uint64) {
	f.requested = append(f.requested, offset)
}

func TestRequestPagePending(t *testing.T) {
	mem.Phys_init(2 << 20)
	fp := &fakePager{}
	mo := New(4, fp)

	_, res := mo.RequestPage(0)
	if res != PagePending {
		t.Fatalf("expected pending, got %v", res)
	}
	// a second fault on the same offset must not re-request
	_, res = mo.RequestPage(0)
	if res != PagePending || len(fp.requested) != 1 {
		t.Fatalf("expected single de-duplicated pager request, got %v", fp.requested)
	}

	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	if err := mo.CompletePage(0, p_pg); err != 0 {
		t.Fatalf("complete failed: %v", err)
	}
	if _, res := mo.RequestPage(0); res != PageReady {
		t.Fatal("expected ready after completion")
	}
}

func TestCompletePageNotifiesPinners(t *testing.T) {
	mem.Phys_init(2 << 20)
	fp := &fakePager{}
	mo := New(4, fp)
	mo.RequestPage(0)

	pin := &fakePinner{}
	mo.Pin(1, pin)

	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	if err := mo.CompletePage(0, p_pg); err != 0 {
		t.Fatalf("complete failed: %v", err)
	}
	if !pin.notifyCalled || pin.notifiedAt != 0 {
		t.Fatalf("expected pinner notified at offset 0, got %+v", pin)
	}
}

type fakePinner struct {
	truncatedTo  uint64
	called       bool
	notifiedAt   uint64
	notifyCalled bool
}

func (f *fakePinner) Truncate(moid defs.MOID, newSizePages uint64) {
	f.called = true
	f.truncatedTo = newSizePages
}

func (f *fakePinner) NotifyPage(moid defs.MOID, offset uint64) {
	f.notifyCalled = true
	f.notifiedAt = offset
}

func TestShrinkKeepsPinnedSlot(t *testing.T) {
	mem.Phys_init(2 << 20)
	mo := New(4, nil)
	for i := uint64(0); i < 4; i++ {
		mo.RequestPage(i * uint64(mem.PGSIZE))
	}
	pinnedOff := 3 * uint64(mem.PGSIZE)
	pinnedPPN, _ := mo.RequestPage(pinnedOff)
	if err := mo.PinSlot(pinnedOff); err != 0 {
		t.Fatalf("pin failed: %v", err)
	}

	mo.AtomicResize(2)
	if got := mo.SizePages(); got != 2 {
		t.Fatalf("expected logical size 2, got %d", got)
	}
	// out of range for everyone...
	if _, res := mo.RequestPage(pinnedOff); res != PageOutOfRange {
		t.Fatalf("expected retained slot unaddressable, got %v", res)
	}
	// ...but the slot and its frame are still there.
	if len(mo.Pages) != 4 {
		t.Fatalf("expected backing slice to keep the pinned tail, got %d", len(mo.Pages))
	}
	slot := mo.Pages[3]
	if !slot.Present || !slot.DontDelete || slot.PPN != pinnedPPN {
		t.Fatalf("pinned slot damaged by shrink: %+v", slot)
	}
	if mem.Physmem.Refcnt(pinnedPPN) != 1 {
		t.Fatalf("pinned frame freed under the pin: refcnt %d", mem.Physmem.Refcnt(pinnedPPN))
	}

	// unpinning releases the deferred free and trims the tail.
	if err := mo.UnpinSlot(pinnedOff); err != 0 {
		t.Fatalf("unpin failed: %v", err)
	}
	if len(mo.Pages) != 2 {
		t.Fatalf("expected tail trimmed after unpin, got %d", len(mo.Pages))
	}
	if mem.Physmem.Refcnt(pinnedPPN) != 0 {
		t.Fatalf("expected frame freed after unpin, refcnt %d", mem.Physmem.Refcnt(pinnedPPN))
	}
}

func TestUnpinInsideBoundKeepsSlot(t *testing.T) {
	mem.Phys_init(2 << 20)
	mo := New(2, nil)
	ppn, _ := mo.RequestPage(0)
	if err := mo.PinSlot(0); err != 0 {
		t.Fatalf("pin failed: %v", err)
	}
	if err := mo.UnpinSlot(0); err != 0 {
		t.Fatalf("unpin failed: %v", err)
	}
	// the slot is still in range; unpinning must not free it.
	if got, res := mo.RequestPage(0); res != PageReady || got != ppn {
		t.Fatalf("in-range slot lost by unpin: %v %v", got, res)
	}
}

func TestResizeShrinkNotifiesPinners(t *testing.T) {
	mem.Phys_init(2 << 20)
	mo := New(4, nil)
	for i := uint64(0); i < 4; i++ {
		mo.RequestPage(i * uint64(mem.PGSIZE))
	}

	fp := &fakePinner{}
	mo.Pin(1, fp)

	mo.AtomicResize(2)
	if !fp.called || fp.truncatedTo != 2 {
		t.Fatalf("pinner was not notified correctly: %+v", fp)
	}
	if len(mo.Pages) != 2 {
		t.Fatalf("expected 2 pages after shrink, got %v", len(mo.Pages))
	}
}
