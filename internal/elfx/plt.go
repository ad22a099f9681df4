package elfx

import (
	"debug/elf"
	"encoding/binary"
)

// PLTName returns the imported symbol a PLT stub jumps through.
func (im *Image) PLTName(va uint64) (string, bool) {
	name, ok := im.plt[va]
	return name, ok
}

// Imports returns the PLT stub address of every resolved import.
func (im *Image) Imports() map[uint64]string {
	out := make(map[uint64]string, len(im.plt))
	for k, v := range im.plt {
		out[k] = v
	}
	return out
}

// parsePLT matches .plt stubs to the GOT slots named by the PLT
// relocations.
func (im *Image) parsePLT() map[uint64]string {
	if im.File == nil || im.PLT.Size == 0 {
		return nil
	}
	got := im.pltRelocations()
	if len(got) == 0 {
		return nil
	}

	out := make(map[uint64]string)
	// PLT[0] is the lazy resolver; function stubs are 16 bytes on both
	// arm64 and x86-64.
	const stubSize = 16
	for va := im.PLT.VA + stubSize; va+stubSize <= im.PLT.VA+im.PLT.Size; va += stubSize {
		slot, ok := im.stubGOT(va)
		if !ok {
			continue
		}
		if name, ok := got[slot]; ok {
			out[va] = name
		}
	}
	return out
}

// pltRelocations maps GOT slot addresses to symbol names.
func (im *Image) pltRelocations() map[uint64]string {
	dynsyms, err := im.File.DynamicSymbols()
	if err != nil {
		return nil
	}
	name := func(idx uint32) string {
		if idx == 0 || int(idx) > len(dynsyms) {
			return ""
		}
		return dynsyms[idx-1].Name
	}

	out := make(map[uint64]string)
	if sec := im.File.Section(".rela.plt"); sec != nil && im.Class == elf.ELFCLASS64 {
		data, err := sec.Data()
		if err != nil {
			return nil
		}
		for off := 0; off+24 <= len(data); off += 24 {
			rOff := binary.LittleEndian.Uint64(data[off:])
			rInfo := binary.LittleEndian.Uint64(data[off+8:])
			if n := name(elf.R_SYM64(rInfo)); n != "" {
				out[rOff] = n
			}
		}
		return out
	}
	if sec := im.File.Section(".rel.plt"); sec != nil && im.Class == elf.ELFCLASS32 {
		data, err := sec.Data()
		if err != nil {
			return nil
		}
		for off := 0; off+8 <= len(data); off += 8 {
			rOff := binary.LittleEndian.Uint32(data[off:])
			rInfo := binary.LittleEndian.Uint32(data[off+4:])
			if n := name(elf.R_SYM32(rInfo)); n != "" {
				out[uint64(rOff)] = n
			}
		}
	}
	return out
}

// stubGOT decodes the GOT slot a PLT stub loads its target from.
func (im *Image) stubGOT(va uint64) (uint64, bool) {
	stub, ok := im.SliceVA(va, 16)
	if !ok {
		return 0, false
	}
	switch im.Machine {
	case elf.EM_AARCH64:
		// adrp x16, page; ldr x17, [x16, #off]; add x16, x16, #off; br x17
		adrp := binary.LittleEndian.Uint32(stub[0:])
		if adrp&0x9f00001f != 0x90000010 {
			return 0, false
		}
		imm := int64((adrp>>5)&0x7ffff)<<2 | int64((adrp>>29)&3)
		if imm&(1<<20) != 0 {
			imm |= ^int64((1 << 21) - 1)
		}
		page := int64(va&^0xfff) + imm<<12

		ldr := binary.LittleEndian.Uint32(stub[4:])
		if ldr&0xffc003ff != 0xf9400211 {
			return 0, false
		}
		return uint64(page) + uint64((ldr>>10)&0xfff)<<3, true
	case elf.EM_X86_64:
		// jmp *disp32(%rip)
		if stub[0] != 0xff || stub[1] != 0x25 {
			return 0, false
		}
		disp := int32(binary.LittleEndian.Uint32(stub[2:]))
		return uint64(int64(va) + 6 + int64(disp)), true
	}
	return 0, false
}
