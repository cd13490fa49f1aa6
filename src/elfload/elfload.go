// Package elfload implements the ELF loader contract: parse an ELF-64
// executable of the host machine and endianness, install its PT_LOAD
// segments as regions in a target Page_Table, and build the initial load
// stack the entry point expects. The acceptance rules (CheckHeader) are
// shared with the build-time chentry tool, so an image that passes
// packaging is one the loader will take.
package elfload

import (
	"bytes"
	"debug/elf"
	"defs"
	"mem"
	"region"
	"ustr"
	"util"
	"vm"
)

// Result_t is what a successful load hands back to the caller (the
// load_executable syscall handler), everything it needs to set up the
// target task's registers.
type Result_t struct {
	Entry    uint64
	StackTop uint64
}

// Default stack placement: a single fixed window below the canonical
// x86_64 user ceiling, sized generously since this module does not grow
// stacks on demand. Exported so the init_stack syscall can lay down a
// stack region for a task that was not started by Load (its entry point
// came from somewhere other than an ELF image this package parsed).
const (
	StackSize = 256 * 1024
	StackTop  = 0x0000_7fff_ffff_f000
	stackSize = StackSize
	stackTop  = StackTop
)

// Aux vector tags placed on the load stack, the subset a freshly loaded
// runtime needs to find its own program headers and entry point.
const (
	atNull  = 0
	atEntry = 9
	atPhdr  = 3
	atPhent = 4
	atPhnum = 5
	atStack = 15
)

// CheckHeader rejects any image Load would refuse: only little-endian
// ELF-64 x86_64 executables are loadable. Exported so build-time tooling
// (cmd chentry) can apply the loader's exact acceptance test to an image
// before it ships.
func CheckHeader(fh *elf.FileHeader) defs.Err_t {
	if fh.Class != elf.ELFCLASS64 {
		return defs.EBAD_FORMAT
	}
	if fh.Data != elf.ELFDATA2LSB {
		return defs.EBAD_FORMAT
	}
	if fh.Machine != elf.EM_X86_64 {
		return defs.EBAD_FORMAT
	}
	if fh.Type != elf.ET_EXEC && fh.Type != elf.ET_DYN {
		return defs.EBAD_FORMAT
	}
	return defs.EOK
}

// Load parses data as an ELF-64 executable and installs its PT_LOAD
// segments (and, if present, a PT_TLS image) as regions in pt, then adds
// a stack region and returns the entry point and initial stack pointer.
func Load(data []uint8, pt *vm.PageTable_t) (Result_t, defs.Err_t) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return Result_t{}, defs.EBAD_FORMAT
	}
	if e := CheckHeader(&ef.FileHeader); e != defs.EOK {
		return Result_t{}, e
	}

	var tlsLoaded bool
	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if e := loadSegment(pt, data, p.Vaddr, p.Off, p.Filesz, p.Memsz, p.Flags); e != defs.EOK {
				return Result_t{}, e
			}
		case elf.PT_TLS:
			if tlsLoaded {
				continue
			}
			tlsLoaded = true
			if e := loadSegment(pt, data, p.Vaddr, p.Off, p.Filesz, p.Memsz, elf.PF_R|elf.PF_W); e != defs.EOK {
				return Result_t{}, e
			}
		}
	}

	sp, e := buildStack(pt, ef)
	if e != defs.EOK {
		return Result_t{}, e
	}

	return Result_t{Entry: ef.Entry, StackTop: sp}, defs.EOK
}

// loadSegment installs one PT_LOAD/PT_TLS segment as an anonymous region
// spanning its page-aligned [vaddr, vaddr+memsz) range, faults in every
// page, and copies filesz bytes from the ELF image into it, zero-filling
// the remainder (the bss tail, or any TLS template padding).
func loadSegment(pt *vm.PageTable_t, data []uint8, vaddr, fileoff, filesz, memsz uint64, flags elf.ProgFlag) defs.Err_t {
	pgsize := uint64(mem.PGSIZE)
	start := util.Rounddown(vaddr, pgsize)
	end := util.Roundup(vaddr+memsz, pgsize)
	size := end - start

	access := region.R
	if flags&elf.PF_W != 0 {
		access |= region.W
	}
	if flags&elf.PF_X != 0 {
		access |= region.X
	}

	r := region.NewAnon(pt.APT, start, size, access, ustr.MkUstrSlice([]uint8("load")))
	if e := pt.AddRegion(r); e != defs.EOK {
		return e
	}

	for va := start; va < end; va += pgsize {
		if outcome, e := pt.Fault(va, true); outcome != vm.Resolved {
			return e
		}
	}

	// The loader writes segment content straight through the direct map
	// rather than through the region's own (possibly read-only) user
	// mapping, so a read-only PT_LOAD segment never needs a transient
	// writable mapping.
	segEnd := vaddr + filesz
	for va := start; va < end; va += pgsize {
		info := pt.APT.PageInfo(uintptr(va))
		if !info.Allocated {
			panic("elfload: page just faulted in but not present")
		}
		dst := mem.Physmem.Dmap8(info.PPN)[:pgsize]
		for i := uint64(0); i < pgsize; i++ {
			pageVA := va + i
			if pageVA < vaddr || pageVA >= segEnd {
				dst[i] = 0
				continue
			}
			dst[i] = data[fileoff+(pageVA-vaddr)]
		}
	}
	return defs.EOK
}

// buildStack adds a fixed-size writable stack region and writes the ELF
// auxiliary vector at its top, matching the AT_ENTRY/AT_PHDR/AT_PHENT/
// AT_PHNUM/AT_STACK tag set load_elf.c places.
func buildStack(pt *vm.PageTable_t, ef *elf.File) (uint64, defs.Err_t) {
	start := uint64(stackTop - stackSize)
	r := region.NewAnon(pt.APT, start, stackSize, region.R|region.W, ustr.MkUstrSlice([]uint8("stack")))
	if e := pt.AddRegion(r); e != defs.EOK {
		return 0, e
	}

	pgsize := uint64(mem.PGSIZE)
	for va := start; va < start+stackSize; va += pgsize {
		if outcome, e := pt.Fault(va, true); outcome != vm.Resolved {
			return 0, e
		}
	}

	phdrVaddr := findPhdrVaddr(ef)
	aux := []uint64{
		atEntry, ef.Entry,
		atPhdr, phdrVaddr,
		atPhent, uint64(elfProgHeaderSize),
		atPhnum, uint64(len(ef.Progs)),
		atStack, start,
		atNull, 0,
	}

	topPage := util.Rounddown(stackTop-1, pgsize)
	info := pt.APT.PageInfo(uintptr(topPage))
	if !info.Allocated {
		panic("elfload: stack top page not mapped")
	}
	buf := mem.Physmem.Dmap8(info.PPN)
	off := uint64(len(buf)) - uint64(len(aux))*8
	for i, v := range aux {
		putLE64(buf[off+uint64(i)*8:], v)
	}
	sp := topPage + off

	return sp, defs.EOK
}

const elfProgHeaderSize = 56 // sizeof(Elf64_Phdr)

func findPhdrVaddr(ef *elf.File) uint64 {
	for _, p := range ef.Progs {
		if p.Type == elf.PT_PHDR {
			return p.Vaddr
		}
	}
	return 0
}

func putLE64(b []uint8, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = uint8(v >> (8 * uint(i)))
	}
}
