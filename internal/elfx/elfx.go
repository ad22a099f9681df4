// Package elfx opens ELF shared objects and answers symbol and address
// questions about them: exported and internal symbol lookup, PLT import
// names, and virtual address to file offset mapping.
package elfx

import (
	"debug/elf"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type Image struct {
	Path    string
	File    *elf.File
	All     []byte
	Loads   []Seg
	Text    Section
	PLT     Section
	Machine elf.Machine
	Class   elf.Class

	symbols symbolTable
	plt     map[uint64]string
	f       *os.File
}

type Seg struct {
	Vaddr, Off, Filesz, Memsz uint64
	Flags                     elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

// Open maps the file at path read-only and indexes its symbols.
func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := unix.Mmap(int(of.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, Machine: f.Machine, Class: f.Class, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Flags:  p.Flags,
		})
	}
	for _, s := range f.Sections {
		switch s.Name {
		case ".text":
			im.Text = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".plt":
			im.PLT = Section{s.Name, s.Addr, s.Offset, s.Size}
		}
	}
	if im.Text.Size == 0 {
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}

	im.symbols = loadSymbols(f)
	im.plt = im.parsePLT()
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = unix.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		if err3 := im.File.Close(); err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// PointerSize returns 4 for ELFCLASS32 and 8 otherwise.
func (im *Image) PointerSize() int {
	if im.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// MinVaddr returns the lowest PT_LOAD address. Subtracting it from the
// lowest mapping address of the loaded module gives the load bias.
func (im *Image) MinVaddr() uint64 {
	if len(im.Loads) == 0 {
		return 0
	}
	lo := im.Loads[0].Vaddr
	for _, l := range im.Loads[1:] {
		lo = min(lo, l.Vaddr)
	}
	return lo &^ 0xfff
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the virtual address range [va, va+size).
// It returns (nil, false) if the VA is unmapped or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// ReadBytesVA reads exactly size bytes from a virtual address.
func (im *Image) ReadBytesVA(va uint64, size int) ([]byte, bool) {
	if size <= 0 {
		return []byte{}, true
	}
	return im.SliceVA(va, uint64(size))
}

// Executable reports whether va lies in an executable PT_LOAD segment.
func (im *Image) Executable(va uint64) bool {
	for _, l := range im.Loads {
		if l.Flags&elf.PF_X != 0 && va >= l.Vaddr && va < l.Vaddr+l.Memsz {
			return true
		}
	}
	return false
}

// IsPLTEntry reports whether va lies in the .plt section.
func (im *Image) IsPLTEntry(va uint64) bool {
	return im.PLT.Size != 0 && va >= im.PLT.VA && va < im.PLT.VA+im.PLT.Size
}
