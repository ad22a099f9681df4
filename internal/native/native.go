// Package native decodes compiled machine code for listings of quick
// entry points.
package native

import (
	"debug/elf"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"artprobe/internal/mem"
	"artprobe/internal/walk"
)

// Symbolizer names an address for branch targets. It returns "" when the
// address has no symbol.
type Symbolizer func(addr uint64) (name string, base uint64)

// ARM64 decodes fixed 4-byte AArch64 instructions.
type ARM64 struct {
	Symbols Symbolizer
}

func (ARM64) UnitSize() int { return 4 }

func (d ARM64) Decode(m mem.Accessor, addr uint64) (walk.Instruction, error) {
	raw := make([]byte, 4)
	if err := m.ReadAt(raw, addr); err != nil {
		return walk.Instruction{}, err
	}
	inst, err := arm64asm.Decode(raw)
	if err != nil {
		return walk.Instruction{Raw: raw}, err
	}
	text := arm64asm.GNUSyntax(inst)
	if d.Symbols != nil {
		if pc, ok := branchTarget(inst, addr); ok {
			if name, base := d.Symbols(pc); name != "" {
				text += " ; " + symbolText(name, base, pc)
			}
		}
	}
	mn, ops := split(text)
	return walk.Instruction{Raw: raw, Units: 1, Mnemonic: mn, Operands: ops, Detail: inst}, nil
}

func branchTarget(inst arm64asm.Inst, pc uint64) (uint64, bool) {
	for _, a := range inst.Args {
		if rel, ok := a.(arm64asm.PCRel); ok {
			return uint64(int64(pc) + int64(rel)), true
		}
	}
	return 0, false
}

// AMD64 decodes variable-length x86-64 instructions.
type AMD64 struct {
	Symbols Symbolizer
}

// maxX86Len is the architectural instruction length limit.
const maxX86Len = 15

func (AMD64) UnitSize() int { return 1 }

func (d AMD64) Decode(m mem.Accessor, addr uint64) (walk.Instruction, error) {
	buf := make([]byte, maxX86Len)
	n, err := mem.ReadUpTo(m, buf, addr)
	if err != nil {
		return walk.Instruction{}, err
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return walk.Instruction{}, err
	}
	var sym func(uint64) (string, uint64)
	if d.Symbols != nil {
		sym = d.Symbols
	}
	text := x86asm.GNUSyntax(inst, addr, sym)
	mn, ops := split(text)
	return walk.Instruction{
		Raw:      append([]byte(nil), buf[:inst.Len]...),
		Units:    inst.Len,
		Mnemonic: mn,
		Operands: ops,
		Detail:   inst,
	}, nil
}

func split(text string) (string, string) {
	mn, ops, _ := strings.Cut(text, " ")
	return mn, strings.TrimSpace(ops)
}

func symbolText(name string, base, pc uint64) string {
	if pc == base {
		return name
	}
	return fmt.Sprintf("%s+0x%x", name, pc-base)
}

// ForMachine picks the decoder for an ELF machine.
func ForMachine(m elf.Machine, sym Symbolizer) (walk.Decoder, error) {
	switch m {
	case elf.EM_AARCH64:
		return ARM64{Symbols: sym}, nil
	case elf.EM_X86_64:
		return AMD64{Symbols: sym}, nil
	}
	return nil, fmt.Errorf("no decoder for %v", m)
}

// ForArch picks the decoder for a GOARCH-style name.
func ForArch(arch string, sym Symbolizer) (walk.Decoder, error) {
	switch arch {
	case "arm64", "aarch64":
		return ARM64{Symbols: sym}, nil
	case "amd64", "x86_64":
		return AMD64{Symbols: sym}, nil
	}
	return nil, fmt.Errorf("no decoder for %s", arch)
}
