package mem

// Virtual address space layout, expressed as PML4 slot numbers (each slot
// spans 512GB). The recursive and direct-map slots below are only meaningful
// to the arch page table implementation (package apt); this package's own
// Dmap is a simulated direct map over an in-process arena, not a real
// recursive self-mapping, since early arch/boot setup is out of scope here.

/// VREC is the recursive mapping slot reserved for the arch page table code.
const VREC int = 0x42

/// VDIRECT is the direct-map slot.
const VDIRECT int = 0x44

/// VEND marks the end of kernel virtual space.
const VEND int = 0x50

/// VUSER is the first user-space slot.
const VUSER int = 0x59

/// USERMIN is the lowest user virtual address.
const USERMIN int = VUSER << 39

/// DMAPLEN is the length of the direct map in bytes.
const DMAPLEN int = 1 << 39

/// Zerobpg is a byte-slice view of the global zero page, handed out to new
/// MO-backed regions before their first real frame is faulted in.
var Zerobpg *Bytepg_t

func init() {
	// Zeropg/P_zeropg are populated by Phys_init; Zerobpg is derived lazily
	// the first time it is asked for via RefreshZerobpg, since Phys_init
	// runs after this package's own init().
}

/// RefreshZerobpg recomputes the byte view of the zero page. Called once by
/// Phys_init after it allocates Zeropg.
func RefreshZerobpg() {
	Zerobpg = Pg2bytes(Zeropg)
}
