// Package boot brings the kernel core up in its one legal order: the
// physical frame allocator first, then the kernel VA allocator and the
// per-CPU temp mappers that draw from it, then the kernel page-table
// template every address space shares, and finally the CPUs and their
// scheduler state. Each step requires the ones before it; nothing here
// may run twice.
package boot

import (
	"apt"
	"defs"
	"mem"
	"proc"
	"sched"
	"tmap"
)

// Config_t is the handoff the core needs from whatever loaded it: how
// much physical memory to manage and how many logical CPUs to bring up.
// The raw bootloader protocol (memory map, HHDM offset, module blobs) is
// consumed by early arch init before this package runs; only its
// distilled results arrive here.
type Config_t struct {
	ArenaBytes int
	NumCPUs    int
}

// Start initializes the core and returns the per-CPU scheduler handles,
// CPU 0 first. The current goroutine is conceptually CPU 0's idle
// context.
func Start(cfg Config_t) []*sched.CPU_t {
	if cfg.ArenaBytes == 0 {
		cfg.ArenaBytes = 64 << 20
	}
	if cfg.NumCPUs == 0 {
		cfg.NumCPUs = 1
	}

	mem.Phys_init(cfg.ArenaBytes)

	// The kernel half: two top-level entries shared by every address
	// space ever created, so a kernel-mode access through any user page
	// table resolves identically.
	_, khi0, ok := mem.Physmem.Refpg_new()
	if !ok {
		panic("boot: no frame for kernel half")
	}
	_, khi1, ok := mem.Physmem.Refpg_new()
	if !ok {
		panic("boot: no frame for kernel half")
	}
	mem.Physmem.Refup(khi0)
	mem.Physmem.Refup(khi1)
	apt.SetKernelTemplate(khi0|mem.PTE_P|mem.PTE_W, khi1|mem.PTE_P|mem.PTE_W)

	cpus := make([]*sched.CPU_t, cfg.NumCPUs)
	for i := range cpus {
		id := defs.CPUID(i)
		idle := proc.New()
		idle.Status = defs.Special
		idle.Priority = defs.NumPriorities - 1
		cpus[i] = sched.NewCPU(id, tmap.MkCPUMapper(id), idle)
	}
	return cpus
}
