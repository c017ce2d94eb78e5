// Package elfload implements component J: the ELF64 loader (spec.md
// §4.J). Parsing uses the standard library's debug/elf rather than a
// hand-rolled header reader — see DESIGN.md for why: no third-party ELF
// library appears anywhere in the retrieval pack, and debug/elf already
// validates the magic/class/endianness/machine fields spec.md asks for.
// Only the PT_LOAD replay (zero-fill then copy, against internal/vm) is
// kernel-specific and written here.
package elfload

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/d7kernel/d7kernel/internal/defs"
	"github.com/d7kernel/d7kernel/internal/vm"
)

// Loaded describes a successfully loaded image.
type Loaded struct {
	Entry uintptr
}

// overlapsFixedLow reports whether [start, start+length) touches one of
// the ranges every address space has wired in identically (spec.md §3),
// which a PT_LOAD segment must never touch.
func overlapsFixedLow(start, length uintptr) bool {
	end := start + length
	ranges := [][2]uintptr{
		{0, defs.LowReserved},
		{defs.TrampolineVA, defs.TrampolineVA + defs.PageSize2M},
	}
	for _, r := range ranges {
		if start < r[1] && r[0] < end {
			return true
		}
	}
	return false
}

// Load validates image as ELF64 little-endian AMD64 executable, then maps
// each PT_LOAD segment into as: zero-fills p_memsz bytes at p_vaddr, then
// copies p_filesz bytes from the image (spec.md §4.J).
func Load(as *vm.AddressSpace, image []byte) (Loaded, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return Loaded{}, fmt.Errorf("elfload: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return Loaded{}, fmt.Errorf("elfload: not a 64-bit ELF")
	}
	if f.Data != elf.ELFDATA2LSB {
		return Loaded{}, fmt.Errorf("elfload: not little-endian")
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return Loaded{}, fmt.Errorf("elfload: not an executable image")
	}
	if f.Machine != elf.EM_X86_64 {
		return Loaded{}, fmt.Errorf("elfload: not AMD64")
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := uintptr(prog.Vaddr) - uintptr(prog.Vaddr)%defs.PageSize2M
		memEnd := uintptr(prog.Vaddr) + uintptr(prog.Memsz)
		length := memEnd - start
		length = roundUp(length, defs.PageSize2M)

		if prog.Vaddr%defs.PageSize2M != 0 || length%defs.PageSize2M != 0 {
			return Loaded{}, fmt.Errorf("elfload: segment at %#x not 2MiB aligned", prog.Vaddr)
		}
		if overlapsFixedLow(start, length) {
			return Loaded{}, fmt.Errorf("elfload: segment at %#x overlaps a fixed low region", prog.Vaddr)
		}

		flags := vm.Flags{
			User:  true,
			Read:  prog.Flags&elf.PF_R != 0,
			Write: prog.Flags&elf.PF_W != 0,
			Exec:  prog.Flags&elf.PF_X != 0,
		}
		if _, err := as.Map(start, length, flags, vm.BackingELF); err != nil {
			return Loaded{}, fmt.Errorf("elfload: mapping segment at %#x: %w", prog.Vaddr, err)
		}
		// A frame reused after FreeFrame keeps its old bytes
		// (internal/mem.FrameBytes), so the p_memsz span is zero-filled
		// explicitly before the file portion is copied over it.
		if prog.Memsz > 0 {
			if err := as.WriteAt(uintptr(prog.Vaddr), make([]byte, prog.Memsz)); err != nil {
				return Loaded{}, fmt.Errorf("elfload: zero-filling segment at %#x: %w", prog.Vaddr, err)
			}
		}
		if prog.Filesz > 0 {
			data := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(data, 0); err != nil {
				return Loaded{}, fmt.Errorf("elfload: reading segment at %#x: %w", prog.Vaddr, err)
			}
			if err := as.WriteAt(uintptr(prog.Vaddr), data); err != nil {
				return Loaded{}, fmt.Errorf("elfload: copying segment at %#x: %w", prog.Vaddr, err)
			}
		}
	}

	return Loaded{Entry: uintptr(f.Entry)}, nil
}

func roundUp(v, b uintptr) uintptr { return (v + b - 1) / b * b }
