// Package dex decodes Dalvik bytecode: 16-bit code units, 256 primary
// opcodes in 26 formats, and the three payload pseudo-instructions that
// switch and array-fill instructions point at.
package dex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"artprobe/internal/mem"
	"artprobe/internal/walk"
)

// UnitSize is the size of a code unit in bytes.
const UnitSize = 2

// MaxPayloadUnits bounds payload sizes read from a header.
const MaxPayloadUnits = 1 << 20

// ErrPayloadTooLarge means a payload header declares more data than
// MaxPayloadUnits.
var ErrPayloadTooLarge = errors.New("payload too large")

// Payload identifiers, stored in place of a nop.
const (
	PackedSwitchPayload  uint16 = 0x0100
	SparseSwitchPayload  uint16 = 0x0200
	FillArrayDataPayload uint16 = 0x0300
)

// Names resolves pool indices to display text. Any method may fail; the
// decoder then prints the raw index.
type Names interface {
	String(idx uint32) (string, error)
	Type(idx uint32) (string, error)
	Field(idx uint32) (string, error)
	Method(idx uint32) (string, error)
	Proto(idx uint32) (string, error)
}

// Inst is the decoded form of one instruction, stored in
// walk.Instruction.Detail.
type Inst struct {
	Opcode Opcode
	// Payload is non-zero for payload pseudo-instructions.
	Payload uint16

	Regs []uint32
	// Range is set for /range formats, whose Regs are consecutive.
	Range   bool
	Literal int64
	// Branch is the signed offset in code units from the instruction.
	Branch int32
	Index  uint32
	// Proto is the second index of invoke-polymorphic.
	Proto uint32

	FirstKey     int32
	Keys         []int32
	Targets      []int32
	ElementWidth uint16
	Elements     uint32
	Data         []byte
}

// Decoder decodes dex code for one API level. It implements walk.Decoder.
type Decoder struct {
	// Version selects opcode assignments; 0 means the newest.
	Version int
	Names   Names
}

func (Decoder) UnitSize() int { return UnitSize }

func readUnits(m mem.Accessor, addr uint64, n int) ([]byte, []uint16, error) {
	raw := make([]byte, n*UnitSize)
	if err := m.ReadAt(raw, addr); err != nil {
		return nil, nil, err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return raw, units, nil
}

// Decode decodes the instruction at addr.
func (d Decoder) Decode(m mem.Accessor, addr uint64) (walk.Instruction, error) {
	_, head, err := readUnits(m, addr, 1)
	if err != nil {
		return walk.Instruction{}, err
	}
	switch head[0] {
	case PackedSwitchPayload, SparseSwitchPayload, FillArrayDataPayload:
		return d.payload(m, addr, head[0])
	}

	op := Lookup(byte(head[0]), d.Version)
	n := op.Format.Units()
	raw, u, err := readUnits(m, addr, n)
	if err != nil {
		return walk.Instruction{}, err
	}
	in := &Inst{Opcode: op}
	in.decodeOperands(u)
	return walk.Instruction{
		Raw:      raw,
		Units:    n,
		Mnemonic: op.Name,
		Operands: d.operands(in),
		Detail:   in,
	}, nil
}

func nib(u uint16, shift uint) uint32 { return uint32(u>>shift) & 0xf }
func hi(u uint16) uint32             { return uint32(u >> 8) }
func u32(lo, hi uint16) uint32       { return uint32(lo) | uint32(hi)<<16 }

func (in *Inst) decodeOperands(u []uint16) {
	switch in.Opcode.Format {
	case F10x:
	case F12x:
		in.Regs = []uint32{nib(u[0], 8), nib(u[0], 12)}
	case F11n:
		in.Regs = []uint32{nib(u[0], 8)}
		in.Literal = int64(int8(u[0]>>8) >> 4)
	case F11x:
		in.Regs = []uint32{hi(u[0])}
	case F10t:
		in.Branch = int32(int8(u[0] >> 8))
	case F20t:
		in.Branch = int32(int16(u[1]))
	case F22x:
		in.Regs = []uint32{hi(u[0]), uint32(u[1])}
	case F21t:
		in.Regs = []uint32{hi(u[0])}
		in.Branch = int32(int16(u[1]))
	case F21s:
		in.Regs = []uint32{hi(u[0])}
		in.Literal = int64(int16(u[1]))
	case F21h:
		in.Regs = []uint32{hi(u[0])}
		if in.Opcode.Name == "const-wide/high16" {
			in.Literal = int64(uint64(u[1]) << 48)
		} else {
			in.Literal = int64(int32(uint32(u[1]) << 16))
		}
	case F21c:
		in.Regs = []uint32{hi(u[0])}
		in.Index = uint32(u[1])
	case F23x:
		in.Regs = []uint32{hi(u[0]), uint32(u[1] & 0xff), uint32(u[1] >> 8)}
	case F22b:
		in.Regs = []uint32{hi(u[0]), uint32(u[1] & 0xff)}
		in.Literal = int64(int8(u[1] >> 8))
	case F22t:
		in.Regs = []uint32{nib(u[0], 8), nib(u[0], 12)}
		in.Branch = int32(int16(u[1]))
	case F22s:
		in.Regs = []uint32{nib(u[0], 8), nib(u[0], 12)}
		in.Literal = int64(int16(u[1]))
	case F22c:
		in.Regs = []uint32{nib(u[0], 8), nib(u[0], 12)}
		in.Index = uint32(u[1])
	case F30t:
		in.Branch = int32(u32(u[1], u[2]))
	case F32x:
		in.Regs = []uint32{uint32(u[1]), uint32(u[2])}
	case F31i:
		in.Regs = []uint32{hi(u[0])}
		in.Literal = int64(int32(u32(u[1], u[2])))
	case F31t:
		in.Regs = []uint32{hi(u[0])}
		in.Branch = int32(u32(u[1], u[2]))
	case F31c:
		in.Regs = []uint32{hi(u[0])}
		in.Index = u32(u[1], u[2])
	case F35c, F45cc:
		count := int(nib(u[0], 12))
		all := []uint32{nib(u[2], 0), nib(u[2], 4), nib(u[2], 8), nib(u[2], 12), nib(u[0], 8)}
		in.Regs = all[:min(count, 5)]
		in.Index = uint32(u[1])
		if in.Opcode.Format == F45cc {
			in.Proto = uint32(u[3])
		}
	case F3rc, F4rcc:
		count := hi(u[0])
		first := uint32(u[2])
		in.Range = true
		in.Regs = make([]uint32, count)
		for i := range in.Regs {
			in.Regs[i] = first + uint32(i)
		}
		in.Index = uint32(u[1])
		if in.Opcode.Format == F4rcc {
			in.Proto = uint32(u[3])
		}
	case F51l:
		in.Regs = []uint32{hi(u[0])}
		in.Literal = int64(uint64(u[1]) | uint64(u[2])<<16 | uint64(u[3])<<32 | uint64(u[4])<<48)
	}
}

func (d Decoder) payload(m mem.Accessor, addr uint64, ident uint16) (walk.Instruction, error) {
	headUnits := 4
	if ident == SparseSwitchPayload {
		headUnits = 2
	}
	_, h, err := readUnits(m, addr, headUnits)
	if err != nil {
		return walk.Instruction{}, err
	}
	var units uint64
	switch ident {
	case PackedSwitchPayload:
		units = 4 + 2*uint64(h[1])
	case SparseSwitchPayload:
		units = 2 + 4*uint64(h[1])
	case FillArrayDataPayload:
		units = 4 + (uint64(h[1])*uint64(u32(h[2], h[3]))+1)/2
	}
	if units > MaxPayloadUnits {
		return walk.Instruction{}, fmt.Errorf("payload 0x%04x at 0x%x: %w: %d units", ident, addr, ErrPayloadTooLarge, units)
	}
	raw, u, err := readUnits(m, addr, int(units))
	if err != nil {
		return walk.Instruction{}, err
	}

	in := &Inst{Opcode: Lookup(0, d.Version), Payload: ident}
	var name, ops string
	switch ident {
	case PackedSwitchPayload:
		size := int(u[1])
		in.FirstKey = int32(u32(u[2], u[3]))
		in.Targets = make([]int32, size)
		for i := range in.Targets {
			in.Targets[i] = int32(u32(u[4+2*i], u[5+2*i]))
		}
		name = "packed-switch-payload"
		ops = fmt.Sprintf("first_key=%d targets=%s", in.FirstKey, branches(in.Targets))
	case SparseSwitchPayload:
		size := int(u[1])
		in.Keys = make([]int32, size)
		in.Targets = make([]int32, size)
		for i := range size {
			in.Keys[i] = int32(u32(u[2+2*i], u[3+2*i]))
			in.Targets[i] = int32(u32(u[2+2*size+2*i], u[3+2*size+2*i]))
		}
		name = "sparse-switch-payload"
		keys := make([]string, size)
		for i, k := range in.Keys {
			keys[i] = strconv.Itoa(int(k))
		}
		ops = fmt.Sprintf("keys=[%s] targets=%s", strings.Join(keys, " "), branches(in.Targets))
	case FillArrayDataPayload:
		in.ElementWidth = u[1]
		in.Elements = u32(u[2], u[3])
		in.Data = raw[8 : 8+uint64(in.ElementWidth)*uint64(in.Elements)]
		name = "fill-array-data-payload"
		ops = fmt.Sprintf("width=%d elements=%d", in.ElementWidth, in.Elements)
	}
	return walk.Instruction{Raw: raw, Units: int(units), Mnemonic: name, Operands: ops, Detail: in}, nil
}

func branch(off int32) string {
	if off < 0 {
		return strconv.Itoa(int(off))
	}
	return "+" + strconv.Itoa(int(off))
}

func branches(offs []int32) string {
	s := make([]string, len(offs))
	for i, o := range offs {
		s[i] = branch(o)
	}
	return "[" + strings.Join(s, " ") + "]"
}

func (d Decoder) operands(in *Inst) string {
	var parts []string
	regs := func() {
		for _, r := range in.Regs {
			parts = append(parts, fmt.Sprintf("v%d", r))
		}
	}
	f := in.Opcode.Format
	switch f {
	case F35c, F45cc:
		rs := make([]string, len(in.Regs))
		for i, r := range in.Regs {
			rs[i] = fmt.Sprintf("v%d", r)
		}
		parts = append(parts, "{"+strings.Join(rs, ", ")+"}")
	case F3rc, F4rcc:
		switch len(in.Regs) {
		case 0:
			parts = append(parts, "{}")
		case 1:
			parts = append(parts, fmt.Sprintf("{v%d}", in.Regs[0]))
		default:
			parts = append(parts, fmt.Sprintf("{v%d .. v%d}", in.Regs[0], in.Regs[len(in.Regs)-1]))
		}
	default:
		regs()
	}

	switch f {
	case F11n, F21s, F21h, F31i, F22b, F22s, F51l:
		parts = append(parts, "#"+strconv.FormatInt(in.Literal, 10))
	case F10t, F20t, F30t, F21t, F22t, F31t:
		parts = append(parts, branch(in.Branch))
	}
	if in.Opcode.Index != IndexNone {
		parts = append(parts, d.index(in.Opcode.Index, in.Index))
	}
	if f == F45cc || f == F4rcc {
		parts = append(parts, d.index(IndexProto, in.Proto))
	}
	return strings.Join(parts, ", ")
}

func (d Decoder) index(kind IndexKind, idx uint32) string {
	raw := fmt.Sprintf("%s@%d", kind, idx)
	if d.Names == nil {
		return raw
	}
	var s string
	var err error
	switch kind {
	case IndexString:
		s, err = d.Names.String(idx)
		if err == nil {
			s = strconv.Quote(s)
		}
	case IndexType:
		s, err = d.Names.Type(idx)
	case IndexField:
		s, err = d.Names.Field(idx)
	case IndexMethod:
		s, err = d.Names.Method(idx)
	case IndexProto:
		s, err = d.Names.Proto(idx)
	default:
		return raw
	}
	if err != nil {
		return raw
	}
	return s
}
