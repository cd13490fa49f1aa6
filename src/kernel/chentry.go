// Command chentry prepares a user-task ELF image for the kernel's
// executable loader at packaging time: it applies the loader's own
// acceptance test (elfload.CheckHeader) plus the structural checks a
// loadable first task needs, and can rewrite the entry point. An image
// that fails here would come back from load_executable as BAD_FORMAT at
// runtime, with far less context.
package main

import (
	"bytes"
	"debug/elf"
	"defs"
	"elfload"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
)

// entryOff is the file offset of e_entry in an ELF-64 header.
const entryOff = 24

var entryFlag = flag.String("entry", "", "rewrite the image's entry point to this address (strtoul syntax)")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-entry addr] <image>\n\n"+
			"Validate <image> against the kernel loader's acceptance rules,\n"+
			"optionally rewriting its ELF entry point first.\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	fn := flag.Arg(0)

	img, err := os.ReadFile(fn)
	if err != nil {
		log.Fatal(err)
	}
	if len(img) < entryOff+8 {
		log.Fatalf("%s: too short to hold an ELF-64 header", fn)
	}

	if *entryFlag != "" {
		addr, err := strconv.ParseUint(*entryFlag, 0, 64)
		if err != nil {
			log.Fatalf("invalid entry address %q", *entryFlag)
		}
		putLE64(img[entryOff:], addr)
		fmt.Printf("%s: entry set to %#x\n", fn, addr)
	}

	ef, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		log.Fatalf("%s: %v", fn, err)
	}
	if e := elfload.CheckHeader(&ef.FileHeader); e != defs.EOK {
		log.Fatalf("%s: loader would reject this image: %v", fn, e)
	}
	if err := chkLoadable(ef); err != nil {
		log.Fatalf("%s: %v", fn, err)
	}

	if *entryFlag != "" {
		if err := os.WriteFile(fn, img, 0644); err != nil {
			log.Fatal(err)
		}
	}
	fmt.Printf("%s: loadable, entry %#x, %d program header(s)\n", fn, ef.Entry, len(ef.Progs))
}

// chkLoadable applies the structural expectations the loader's segment
// walk and load-stack builder have beyond the file header: at least one
// PT_LOAD segment, and an entry point inside an executable one.
func chkLoadable(ef *elf.File) error {
	nload := 0
	entryMapped := false
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		nload++
		inSeg := ef.Entry >= p.Vaddr && ef.Entry < p.Vaddr+p.Memsz
		if inSeg && p.Flags&elf.PF_X != 0 {
			entryMapped = true
		}
	}
	if nload == 0 {
		return fmt.Errorf("no PT_LOAD segments")
	}
	if !entryMapped {
		return fmt.Errorf("entry %#x is not inside an executable PT_LOAD segment", ef.Entry)
	}
	return nil
}

func putLE64(b []uint8, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = uint8(v >> (8 * uint(i)))
	}
}
