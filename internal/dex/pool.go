package dex

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	lru "github.com/hashicorp/golang-lru/v2"

	"artprobe/internal/layout"
	"artprobe/internal/mem"
)

// ErrIndexRange means a pool index is past the end of its table.
var ErrIndexRange = errors.New("index out of range")

// MaxStringData bounds the bytes read for one string_data_item.
const MaxStringData = 1 << 16

const stringCacheSize = 4096

// Pool resolves string, type, field, method and proto indices of one
// mapped dex file. It implements Names.
type Pool struct {
	r       *layout.Registry
	version int
	begin   mem.Handle
	data    mem.Handle
	header  layout.View

	strings *lru.Cache[uint32, string]
}

// NewPool reads the header at begin. Data offsets are relative to data,
// which equals begin for standard dex files.
func NewPool(r *layout.Registry, version int, begin, data mem.Handle) (*Pool, error) {
	hdr, err := r.View(begin, "dex::Header", version)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[uint32, string](stringCacheSize)
	if err != nil {
		return nil, err
	}
	return &Pool{r: r, version: version, begin: begin, data: data, header: hdr, strings: cache}, nil
}

// Header returns the dex header view.
func (p *Pool) Header() layout.View { return p.header }

// entry returns element idx of the id table described by the header
// fields <table>_size_ and <table>_off_.
func (p *Pool) entry(table, kind string, idx uint32) (layout.View, error) {
	size, err := p.header.Uint(table + "_size_")
	if err != nil {
		return layout.View{}, err
	}
	if uint64(idx) >= size {
		return layout.View{}, fmt.Errorf("%s[%d]: %w (size %d)", table, idx, ErrIndexRange, size)
	}
	off, err := p.header.Uint(table + "_off_")
	if err != nil {
		return layout.View{}, err
	}
	d, err := p.r.Descriptor(kind, p.version)
	if err != nil {
		return layout.View{}, err
	}
	return p.r.View(p.begin.Add(off+uint64(idx)*d.Size), kind, p.version)
}

func (p *Pool) String(idx uint32) (string, error) {
	if s, ok := p.strings.Get(idx); ok {
		return s, nil
	}
	id, err := p.entry("string_ids", "dex::StringId", idx)
	if err != nil {
		return "", err
	}
	off, err := id.Uint("string_data_off_")
	if err != nil {
		return "", err
	}
	s, err := readStringData(p.data.Add(off))
	if err != nil {
		return "", fmt.Errorf("string@%d: %w", idx, err)
	}
	p.strings.Add(idx, s)
	return s, nil
}

func (p *Pool) Type(idx uint32) (string, error) {
	id, err := p.entry("type_ids", "dex::TypeId", idx)
	if err != nil {
		return "", err
	}
	desc, err := id.Uint("descriptor_idx_")
	if err != nil {
		return "", err
	}
	return p.String(uint32(desc))
}

func (p *Pool) Field(idx uint32) (string, error) {
	id, err := p.entry("field_ids", "dex::FieldId", idx)
	if err != nil {
		return "", err
	}
	class, typ, name, err := p.triple(id, "class_idx_", "type_idx_", "name_idx_")
	if err != nil {
		return "", err
	}
	return class + "->" + name + ":" + typ, nil
}

func (p *Pool) Method(idx uint32) (string, error) {
	id, err := p.entry("method_ids", "dex::MethodId", idx)
	if err != nil {
		return "", err
	}
	classIdx, err := id.Uint("class_idx_")
	if err != nil {
		return "", err
	}
	protoIdx, err := id.Uint("proto_idx_")
	if err != nil {
		return "", err
	}
	nameIdx, err := id.Uint("name_idx_")
	if err != nil {
		return "", err
	}
	class, err := p.Type(uint32(classIdx))
	if err != nil {
		return "", err
	}
	name, err := p.String(uint32(nameIdx))
	if err != nil {
		return "", err
	}
	proto, err := p.Proto(uint32(protoIdx))
	if err != nil {
		return "", err
	}
	return class + "->" + name + proto, nil
}

// Proto renders a prototype as "(params)return" in descriptor syntax.
func (p *Pool) Proto(idx uint32) (string, error) {
	id, err := p.entry("proto_ids", "dex::ProtoId", idx)
	if err != nil {
		return "", err
	}
	retIdx, err := id.Uint("return_type_idx_")
	if err != nil {
		return "", err
	}
	ret, err := p.Type(uint32(retIdx))
	if err != nil {
		return "", err
	}
	paramsOff, err := id.Uint("parameters_off_")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteByte('(')
	if paramsOff != 0 {
		list := p.data.Add(paramsOff)
		n, err := list.U32()
		if err != nil {
			return "", err
		}
		for i := range uint64(n) {
			t, err := list.Add(4 + 2*i).U16()
			if err != nil {
				return "", err
			}
			s, err := p.Type(uint32(t))
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
	}
	b.WriteByte(')')
	b.WriteString(ret)
	return b.String(), nil
}

func (p *Pool) triple(v layout.View, class, typ, name string) (string, string, string, error) {
	ci, err := v.Uint(class)
	if err != nil {
		return "", "", "", err
	}
	ti, err := v.Uint(typ)
	if err != nil {
		return "", "", "", err
	}
	ni, err := v.Uint(name)
	if err != nil {
		return "", "", "", err
	}
	c, err := p.Type(uint32(ci))
	if err != nil {
		return "", "", "", err
	}
	t, err := p.Type(uint32(ti))
	if err != nil {
		return "", "", "", err
	}
	n, err := p.String(uint32(ni))
	if err != nil {
		return "", "", "", err
	}
	return c, t, n, nil
}

// readStringData reads a string_data_item: a ULEB128 UTF-16 length
// followed by NUL-terminated modified UTF-8.
func readStringData(h mem.Handle) (string, error) {
	var head [5]byte
	n, err := mem.ReadUpTo(h.Mem, head[:], h.Addr)
	if err != nil {
		return "", err
	}
	utf16Len, used, err := uleb128(head[:n])
	if err != nil {
		return "", err
	}
	want := min(3*int(utf16Len)+1, MaxStringData)
	buf := make([]byte, want)
	got, err := mem.ReadUpTo(h.Mem, buf, h.Addr+uint64(used))
	if err != nil {
		return "", err
	}
	buf = buf[:got]
	if i := indexNUL(buf); i >= 0 {
		buf = buf[:i]
	}
	return DecodeMUTF8(buf), nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func uleb128(b []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < len(b) && i < 5; i++ {
		v |= uint32(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("malformed uleb128")
}

// DecodeMUTF8 decodes modified UTF-8: NUL is encoded as C0 80 and
// supplementary characters as surrogate pairs of three-byte sequences.
func DecodeMUTF8(b []byte) string {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xe0 == 0xc0 && i+1 < len(b):
			units = append(units, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case c&0xf0 == 0xe0 && i+2 < len(b):
			units = append(units, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			units = append(units, 0xfffd)
			i++
		}
	}
	return string(utf16.Decode(units))
}
