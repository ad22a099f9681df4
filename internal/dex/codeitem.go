package dex

import (
	"fmt"
	"iter"

	"artprobe/internal/layout"
	"artprobe/internal/mem"
	"artprobe/internal/walk"
)

// Layout kinds of the two code item encodings.
const (
	StandardCodeItemKind = "art::StandardDexFile::CodeItem"
	CompactCodeItemKind  = "art::CompactDexFile::CodeItem"
)

// Compact code items pack four 4-bit sizes into fields_ and the
// instruction count into the upper bits of insns_count_and_flags_. Values
// that do not fit spill into a pre-header of 16-bit words stored before the
// item, selected by the low flag bits.
const (
	compactRegistersShift = 12
	compactInsShift       = 8
	compactOutsShift      = 4
	compactTriesShift     = 0
	compactInsnsShift     = 5

	flagPreHeaderRegisters = 1 << 0
	flagPreHeaderIns       = 1 << 1
	flagPreHeaderOuts      = 1 << 2
	flagPreHeaderTries     = 1 << 3
	flagPreHeaderInsns     = 1 << 4
	flagPreHeaderAny       = 0x1f
)

// CodeItem is the header of a method body and the bounds of its bytecode.
type CodeItem struct {
	Addr    uint64
	Compact bool

	RegistersSize uint16
	InsSize       uint16
	OutsSize      uint16
	TriesSize     uint16
	DebugInfoOff  uint32

	// InsnsSize is the body length in code units.
	InsnsSize uint32
	// Insns is the address of the first code unit.
	Insns uint64
}

func (c CodeItem) String() string {
	return fmt.Sprintf("registers=%d ins=%d outs=%d tries=%d insns=%d@0x%x",
		c.RegistersSize, c.InsSize, c.OutsSize, c.TriesSize, c.InsnsSize, c.Insns)
}

// ReadCodeItem reads the code item at h.
func ReadCodeItem(r *layout.Registry, version int, h mem.Handle, compact bool) (CodeItem, error) {
	if compact {
		return readCompact(r, version, h)
	}
	v, err := r.View(h, StandardCodeItemKind, version)
	if err != nil {
		return CodeItem{}, err
	}
	c := CodeItem{Addr: h.Addr}
	for _, f := range []struct {
		name string
		dst  *uint16
	}{
		{"registers_size_", &c.RegistersSize},
		{"ins_size_", &c.InsSize},
		{"outs_size_", &c.OutsSize},
		{"tries_size_", &c.TriesSize},
	} {
		n, err := v.Uint(f.name)
		if err != nil {
			return CodeItem{}, err
		}
		*f.dst = uint16(n)
	}
	debug, err := v.Uint("debug_info_off_")
	if err != nil {
		return CodeItem{}, err
	}
	insns, err := v.Uint("insns_size_in_code_units_")
	if err != nil {
		return CodeItem{}, err
	}
	c.DebugInfoOff = uint32(debug)
	c.InsnsSize = uint32(insns)
	c.Insns = h.Addr + v.Desc.Size
	return c, nil
}

func readCompact(r *layout.Registry, version int, h mem.Handle) (CodeItem, error) {
	v, err := r.View(h, CompactCodeItemKind, version)
	if err != nil {
		return CodeItem{}, err
	}
	fields, err := v.Uint("fields_")
	if err != nil {
		return CodeItem{}, err
	}
	countFlags, err := v.Uint("insns_count_and_flags_")
	if err != nil {
		return CodeItem{}, err
	}
	c := CodeItem{
		Addr:          h.Addr,
		Compact:       true,
		RegistersSize: uint16(fields>>compactRegistersShift) & 0xf,
		InsSize:       uint16(fields>>compactInsShift) & 0xf,
		OutsSize:      uint16(fields>>compactOutsShift) & 0xf,
		TriesSize:     uint16(fields>>compactTriesShift) & 0xf,
		InsnsSize:     uint32(countFlags >> compactInsnsShift),
		Insns:         h.Addr + v.Desc.Size,
	}
	flags := countFlags & flagPreHeaderAny
	if flags == 0 {
		c.RegistersSize += c.InsSize
		return c, nil
	}

	pre := h
	prev := func() (uint16, error) {
		pre = mem.At(pre.Mem, pre.Addr-2)
		return pre.U16()
	}
	if flags&flagPreHeaderInsns != 0 {
		lo, err := prev()
		if err != nil {
			return CodeItem{}, err
		}
		hi, err := prev()
		if err != nil {
			return CodeItem{}, err
		}
		c.InsnsSize += uint32(lo) + uint32(hi)<<16
	}
	for _, f := range []struct {
		flag uint64
		dst  *uint16
	}{
		{flagPreHeaderRegisters, &c.RegistersSize},
		{flagPreHeaderIns, &c.InsSize},
		{flagPreHeaderOuts, &c.OutsSize},
		{flagPreHeaderTries, &c.TriesSize},
	} {
		if flags&f.flag == 0 {
			continue
		}
		n, err := prev()
		if err != nil {
			return CodeItem{}, err
		}
		*f.dst += n
	}
	// Compact items store registers without the ins.
	c.RegistersSize += c.InsSize
	return c, nil
}

// Walk decodes the body of c.
func (c CodeItem) Walk(w *walk.Walker) iter.Seq2[walk.Instruction, error] {
	return w.Walk(c.Insns, int(c.InsnsSize))
}

// Instructions collects the body of c.
func (c CodeItem) Instructions(w *walk.Walker) ([]walk.Instruction, error) {
	return w.Collect(c.Insns, int(c.InsnsSize))
}
