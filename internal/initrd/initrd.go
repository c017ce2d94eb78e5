// Package initrd implements component K: a read-only name-to-bytes table
// loaded alongside the kernel image (spec.md §4.K, §6). The on-disk
// layout's magic 0xd7cafed7 and 12-byte fixed name field are taken
// verbatim from the original Rust implementation's d7initrd/d7staticfs
// (_examples/original_source), since spec.md's distillation states the
// format but not every reader edge case — those are filled in from the
// original (spec.md §9 supplement, see SPEC_FULL.md).
package initrd

import (
	"encoding/binary"
	"fmt"
)

const (
	Magic        uint32 = 0xd7cafed7
	Version      uint32 = 1
	nameLen             = 12
	sectorSize          = 512
	headerLen           = 16 // magic, version, entry_count, reserved: 4 u32s
	entryHeaderLen      = nameLen + 4
)

// Name is a fixed 12-byte, zero-padded ASCII filename, matching the
// teacher's fixed-size string idiom (ustr.Ustr_t) rather than a plain Go
// string, since the on-disk field itself has a hard byte limit.
type Name [nameLen]byte

func NameOf(s string) Name {
	var n Name
	copy(n[:], s)
	return n
}

func (n Name) String() string {
	i := 0
	for i < len(n) && n[i] != 0 {
		i++
	}
	return string(n[:i])
}

func (n Name) isZero() bool {
	for _, b := range n {
		if b != 0 {
			return false
		}
	}
	return true
}

type entry struct {
	name   Name
	offset int // byte offset into the body region
	size   int // byte length of this file's content
}

// FS is a parsed, read-only initrd image.
type FS struct {
	entries []entry
	body    []byte
}

// Parse reads an initrd image per spec.md §6's on-disk layout:
// header{magic, version, entry_count, reserved}, then entry_count ×
// {name[12], size_sectors u32}, then sector-padded file bodies in
// declared order.
func Parse(data []byte) (*FS, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("initrd: image too short for header")
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("initrd: bad magic %#x", magic)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != Version {
		return nil, fmt.Errorf("initrd: unsupported version %d", version)
	}
	count := binary.LittleEndian.Uint32(data[8:12])
	// data[12:16] is reserved, required to be 0 but not load-bearing.

	off := headerLen
	type rawEntry struct {
		name    Name
		sectors uint32
	}
	raws := make([]rawEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+entryHeaderLen > len(data) {
			return nil, fmt.Errorf("initrd: truncated entry table")
		}
		var nm Name
		copy(nm[:], data[off:off+nameLen])
		sectors := binary.LittleEndian.Uint32(data[off+nameLen : off+entryHeaderLen])
		raws = append(raws, rawEntry{name: nm, sectors: sectors})
		off += entryHeaderLen
	}

	body := data[off:]
	fs := &FS{body: body}
	bodyOff := 0
	for _, re := range raws {
		size := int(re.sectors) * sectorSize
		switch {
		case re.name.isZero() && re.sectors != 0:
			// reserved "skip span" entry: padding, not a real file
			// (original_source d7initrd loader behavior, spec.md §6
			// "Two reserved entries").
			bodyOff += size
			continue
		case re.name.isZero():
			// reserved "ignore" entry: no span, nothing to do.
			continue
		}
		if bodyOff+size > len(body) {
			return nil, fmt.Errorf("initrd: entry %q overruns image", re.name.String())
		}
		fs.entries = append(fs.entries, entry{name: re.name, offset: bodyOff, size: size})
		bodyOff += size
	}
	return fs, nil
}

// Open returns the bytes of the named file, or an error if absent. The
// returned slice is sector-padded per the declared size_sectors; only the
// caller (the ELF loader, typically) knows the true logical length.
func (fs *FS) Open(name string) ([]byte, error) {
	for _, e := range fs.entries {
		if e.name.String() == name {
			return fs.body[e.offset : e.offset+e.size], nil
		}
	}
	return nil, fmt.Errorf("initrd: %q not found", name)
}

// List returns every real (non-reserved) filename present.
func (fs *FS) List() []string {
	out := make([]string, 0, len(fs.entries))
	for _, e := range fs.entries {
		out = append(out, e.name.String())
	}
	return out
}
