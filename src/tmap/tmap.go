// Package tmap is the kernel's temporary mapper: a small, fixed-size
// window of virtual address slots a CPU can map an arbitrary physical
// frame into for the duration of a short operation (reading a page table
// page that belongs to another address space, zeroing a freshly allocated
// frame, and so on), without needing a full address-space switch.
//
// Until the kernel installs its own page tables a direct-map mapper is
// used instead, whose Map is just an offset into the direct map and whose
// Unmap is a no-op; once Page_Table is up, each CPU switches to its own
// CPUMapper_t, which actually tracks slot occupancy, the way the arch page
// table code expects to find a window it owns outright.
package tmap

import (
	"defs"
	"kvmem"
	"mem"
	"sync"
)

// Mapper_i is implemented by both mapper styles so callers above this
// package do not need to know which one is active.
type Mapper_i interface {
	Map(p mem.Pa_t) *mem.Pg_t
	Unmap(pg *mem.Pg_t)
}

// DirectMapper_t maps every physical frame at its fixed direct-map offset
// and never runs out, since it hands out no slots: this is what the
// kernel uses for its own page table walks before a per-CPU temp mapper
// has been installed.
type DirectMapper_t struct{}

func (DirectMapper_t) Map(p mem.Pa_t) *mem.Pg_t {
	return mem.Physmem.Dmap(p)
}

func (DirectMapper_t) Unmap(pg *mem.Pg_t) {}

// NumSlots is the size of a CPU's temp-mapper window, in pages.
const NumSlots = 16

// windowArena carves the kernel VA range reserved for per-CPU temp-mapper
// windows into NumSlots-page chunks, one per CPU, through the same
// boundary-tag allocator (kvmem) every internal kernel VA consumer draws
// from. windowBase is an arbitrary
// reserved kernel VA (in pages); windowPages bounds how many CPUs can
// install a mapper before the range is exhausted.
const (
	windowBase  = 0xffff_ff00_0000_0000 >> mem.PGSHIFT
	windowPages = 1 << 20
)

var windowArena = kvmem.MkArena(windowBase, windowPages)

// CPUMapper_t is one CPU's temp-mapper window. It owns NumSlots slots
// carved out of windowArena, and remembers the lowest slot that might be
// free so that Map does not rescan occupied slots on every call.
type CPUMapper_t struct {
	sync.Mutex
	cpu    defs.CPUID
	vaBase uint64 // this mapper's window base, in pages, from windowArena
	pa     [NumSlots]mem.Pa_t
	inuse  [NumSlots]bool
	floor  int
}

// MkCPUMapper reserves a fresh NumSlots-page window from windowArena and
// returns an empty temp mapper for the given CPU over it. It panics if the
// kernel VA range set aside for temp-mapper windows is exhausted, the same
// "a caller holding all slots at once is a kernel bug" posture Map takes
// for a single window.
func MkCPUMapper(id defs.CPUID) *CPUMapper_t {
	base, ok := windowArena.AllocAligned(NumSlots, 0)
	if !ok {
		panic("temp mapper VA space exhausted")
	}
	return &CPUMapper_t{cpu: id, vaBase: base}
}

// Destroy returns this mapper's VA window to windowArena. Callers must
// first Unmap every slot; a CPU taken offline with live temp mappings is a
// kernel bug this does not try to paper over.
func (m *CPUMapper_t) Destroy() {
	m.Lock()
	for _, b := range m.inuse {
		if b {
			m.Unlock()
			panic("temp mapper destroyed with live slots")
		}
	}
	m.Unlock()
	windowArena.Free(m.vaBase)
}

// Map finds the first free slot, installs p there, and returns a pointer
// usable until the matching Unmap. It panics if the window is full: a
// caller holding all 16 slots at once is a kernel bug, not a resource a
// caller should be expected to handle.
func (m *CPUMapper_t) Map(p mem.Pa_t) *mem.Pg_t {
	m.Lock()
	defer m.Unlock()

	for i := m.floor; i < NumSlots; i++ {
		if !m.inuse[i] {
			m.inuse[i] = true
			m.pa[i] = p
			m.floor = i + 1
			return mem.Physmem.Dmap(p)
		}
	}
	panic("temp mapper window exhausted")
}

// Unmap releases the slot holding pg, invalidating any further use of the
// pointer Map returned. In a real arch page table implementation this
// also issues a local INVLPG; this package's slots are bookkeeping over
// the simulated direct map, so there is no stale translation to flush.
func (m *CPUMapper_t) Unmap(pg *mem.Pg_t) {
	p := mem.Physmem.Dmap_v2p(pg)

	m.Lock()
	defer m.Unlock()
	for i := range m.pa {
		if m.inuse[i] && m.pa[i] == p {
			m.inuse[i] = false
			if i < m.floor {
				m.floor = i
			}
			return
		}
	}
	panic("unmap of address not held by this mapper")
}

// With maps p for the duration of f and guarantees Unmap runs on every
// exit path, including a panic unwinding through f.
func With(m Mapper_i, p mem.Pa_t, f func(*mem.Pg_t)) {
	pg := m.Map(p)
	defer m.Unmap(pg)
	f(pg)
}
