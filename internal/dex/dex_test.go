package dex

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"artprobe/internal/layout"
	"artprobe/internal/mem"
	"artprobe/internal/walk"
)

func units(us ...uint16) []byte {
	b := make([]byte, 2*len(us))
	for i, u := range us {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}

type line struct {
	Units int
	Text  string
}

func lines(ins []walk.Instruction) []line {
	out := make([]line, len(ins))
	for i, in := range ins {
		out[i] = line{in.Units, in.String()}
	}
	return out
}

var sample = [][]uint16{
	{0x1012},                                 // const/4 v0, #1
	{0x0113, 0xfffe},                         // const/16 v1, #-2
	{0x2071, 0x0003, 0x0010},                 // invoke-static {v0, v1}, method@3
	{0x0038, 0x0004},                         // if-eqz v0, +4
	{0x002b, 0x0008, 0x0000},                 // packed-switch v0, +8
	{0x0218, 0x7788, 0x5566, 0x3344, 0x1122}, // const-wide v2, #0x1122334455667788
	{0x0374, 0x0007, 0x0003},                 // invoke-virtual/range {v3 .. v5}, method@7
	{0x000e},                                 // return-void
	{0x0100, 0x0002, 0x000a, 0x0000, 0x0003, 0x0000, 0xfffb, 0xffff},
	{0x0300, 0x0001, 0x0003, 0x0000, 0x0201, 0x0003},
	{0x0200, 0x0001, 0x0004, 0x0000, 0x0009, 0x0000},
}

var sampleWant = []line{
	{1, "const/4 v0, #1"},
	{2, "const/16 v1, #-2"},
	{3, "invoke-static {v0, v1}, method@3"},
	{2, "if-eqz v0, +4"},
	{3, "packed-switch v0, +8"},
	{5, "const-wide v2, #1234605616436508552"},
	{3, "invoke-virtual/range {v3 .. v5}, method@7"},
	{1, "return-void"},
	{8, "packed-switch-payload first_key=10 targets=[+3 -5]"},
	{6, "fill-array-data-payload width=1 elements=3"},
	{6, "sparse-switch-payload keys=[4] targets=[+9]"},
}

func sampleCode() ([]byte, int) {
	var code []byte
	n := 0
	for _, in := range sample {
		code = append(code, units(in...)...)
		n += len(in)
	}
	return code, n
}

func TestDecodeSample(t *testing.T) {
	code, n := sampleCode()
	w := walk.New(mem.NewBuffer(0x7000, code), Decoder{})
	got, err := w.Collect(0x7000, n)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sampleWant, lines(got)); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}

	fill := got[9].Detail.(*Inst)
	if diff := cmp.Diff([]byte{1, 2, 3}, fill.Data); diff != "" {
		t.Errorf("fill-array data (-want +got):\n%s", diff)
	}
	invoke := got[2].Detail.(*Inst)
	if invoke.Index != 3 || len(invoke.Regs) != 2 {
		t.Errorf("invoke detail = %+v", invoke)
	}
}

func TestQuickenedOpcodes(t *testing.T) {
	tests := []struct {
		op      byte
		version int
		want    string
	}{
		{0xe9, 29, "invoke-virtual-quick"},
		{0xe3, 30, "iget-quick"},
		{0x73, 29, "return-void-no-barrier"},
		{0xe9, 31, "unused-e9"},
		{0x73, 34, "unused-73"},
		{0x6e, 29, "invoke-virtual"},
		{0xfa, 0, "invoke-polymorphic"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Lookup(tt.op, tt.version); got.Name != tt.want {
				t.Errorf("Lookup(0x%02x, %d) = %s, want %s", tt.op, tt.version, got.Name, tt.want)
			}
		})
	}
	if !Lookup(0x3e, 34).Unused() {
		t.Error("0x3e should be unused")
	}
}

func TestFormatUnits(t *testing.T) {
	for op := range 256 {
		o := Lookup(byte(op), 0)
		if u := o.Format.Units(); u < 1 || u > 5 {
			t.Errorf("%s: format %s has %d units", o.Name, o.Format, u)
		}
	}
}

func TestPayloadTooLarge(t *testing.T) {
	code := units(0x0300, 0xffff, 0xffff, 0xffff)
	_, err := Decoder{}.Decode(mem.NewBuffer(0, code), 0)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
}

func registry(t *testing.T) *layout.Registry {
	t.Helper()
	r, err := layout.Builtin(8)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestStandardCodeItem(t *testing.T) {
	code, n := sampleCode()
	item := make([]byte, 16)
	bo := mem.ByteOrder
	bo.PutUint16(item[0:], 6)
	bo.PutUint16(item[2:], 2)
	bo.PutUint16(item[4:], 4)
	bo.PutUint16(item[6:], 0)
	bo.PutUint32(item[8:], 0x1234)
	bo.PutUint32(item[12:], uint32(n))
	buf := mem.NewBuffer(0x9000, append(item, code...))

	c, err := ReadCodeItem(registry(t), 29, mem.At(buf, 0x9000), false)
	if err != nil {
		t.Fatal(err)
	}
	want := CodeItem{
		Addr: 0x9000, RegistersSize: 6, InsSize: 2, OutsSize: 4,
		DebugInfoOff: 0x1234, InsnsSize: uint32(n), Insns: 0x9010,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("code item (-want +got):\n%s", diff)
	}

	w := walk.New(buf, Decoder{Version: 29})
	got, err := c.Instructions(w)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, in := range got {
		total += in.Units
	}
	if total != n || got[len(got)-1].Next() != buf.EndAddr() {
		t.Fatalf("walk consumed %d of %d units, ended at 0x%x", total, n, got[len(got)-1].Next())
	}
}

func TestCompactCodeItemPreHeader(t *testing.T) {
	bo := mem.ByteOrder
	// [registers extra][insns hi][insns lo] fields_ insns_count_and_flags_
	data := make([]byte, 10)
	bo.PutUint16(data[0:], 10)
	bo.PutUint16(data[2:], 0)
	bo.PutUint16(data[4:], 2)
	bo.PutUint16(data[6:], 3<<12|1<<8|2<<4|1)
	bo.PutUint16(data[8:], 5<<5|flagPreHeaderInsns|flagPreHeaderRegisters)
	buf := mem.NewBuffer(0x100, data)

	c, err := ReadCodeItem(registry(t), 30, mem.At(buf, 0x106), true)
	if err != nil {
		t.Fatal(err)
	}
	want := CodeItem{
		Addr: 0x106, Compact: true, RegistersSize: 14, InsSize: 1, OutsSize: 2, TriesSize: 1,
		InsnsSize: 7, Insns: 0x10a,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("code item (-want +got):\n%s", diff)
	}
}

func TestCompactCodeItemAddsIns(t *testing.T) {
	bo := mem.ByteOrder
	data := make([]byte, 4)
	bo.PutUint16(data[0:], 3<<12|2<<8|1<<4)
	bo.PutUint16(data[2:], 4<<5)
	buf := mem.NewBuffer(0x200, data)

	c, err := ReadCodeItem(registry(t), 29, mem.At(buf, 0x200), true)
	if err != nil {
		t.Fatal(err)
	}
	want := CodeItem{
		Addr: 0x200, Compact: true, RegistersSize: 5, InsSize: 2, OutsSize: 1,
		InsnsSize: 4, Insns: 0x204,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("code item (-want +got):\n%s", diff)
	}
}

// dexFixture lays out a minimal dex file: header, id tables, one type
// list and the string data.
func dexFixture() []byte {
	strs := []string{"LFoo;", "bar", "I", "V", "héllo", "baz"}
	const (
		stringIDs = 112
		typeIDs   = stringIDs + 6*4
		protoIDs  = typeIDs + 3*4
		fieldIDs  = protoIDs + 12
		methodIDs = fieldIDs + 8
		typeList  = methodIDs + 8
		strData   = typeList + 8
	)
	b := make([]byte, strData)
	bo := mem.ByteOrder
	hdr := map[int]uint32{
		56: 6, 60: stringIDs,
		64: 3, 68: typeIDs,
		72: 1, 76: protoIDs,
		80: 1, 84: fieldIDs,
		88: 1, 92: methodIDs,
	}
	for off, v := range hdr {
		bo.PutUint32(b[off:], v)
	}
	for i, s := range strs {
		bo.PutUint32(b[stringIDs+4*i:], uint32(len(b)))
		b = append(b, byte(len([]rune(s))))
		b = append(b, s...)
		b = append(b, 0)
	}
	for i, d := range []uint32{0, 2, 3} {
		bo.PutUint32(b[typeIDs+4*i:], d)
	}
	bo.PutUint32(b[protoIDs:], 2)   // shorty
	bo.PutUint16(b[protoIDs+4:], 2) // return V
	bo.PutUint32(b[protoIDs+8:], typeList)
	bo.PutUint16(b[fieldIDs:], 0)
	bo.PutUint16(b[fieldIDs+2:], 1)
	bo.PutUint32(b[fieldIDs+4:], 5)
	bo.PutUint16(b[methodIDs:], 0)
	bo.PutUint16(b[methodIDs+2:], 0)
	bo.PutUint32(b[methodIDs+4:], 1)
	bo.PutUint32(b[typeList:], 1)
	bo.PutUint16(b[typeList+4:], 1)
	return b
}

func TestPoolNames(t *testing.T) {
	buf := mem.NewBuffer(0x40000, dexFixture())
	begin := mem.At(buf, 0x40000)
	p, err := NewPool(registry(t), 34, begin, begin)
	if err != nil {
		t.Fatal(err)
	}

	check := func(name string, got string, err error, want string) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	s, err := p.String(4)
	check("String(4)", s, err, "héllo")
	s, err = p.Type(0)
	check("Type(0)", s, err, "LFoo;")
	s, err = p.Proto(0)
	check("Proto(0)", s, err, "(I)V")
	s, err = p.Method(0)
	check("Method(0)", s, err, "LFoo;->bar(I)V")
	s, err = p.Field(0)
	check("Field(0)", s, err, "LFoo;->baz:I")

	if _, err := p.Type(3); !errors.Is(err, ErrIndexRange) {
		t.Errorf("Type(3) err = %v, want ErrIndexRange", err)
	}

	code := units(0x001a, 0x0004, 0x0071, 0x0000, 0x0000)
	w := walk.New(mem.NewBuffer(0, code), Decoder{Names: p})
	got, err := w.Collect(0, 5)
	if err != nil {
		t.Fatal(err)
	}
	want := []line{
		{2, `const-string v0, "héllo"`},
		{3, "invoke-static {}, LFoo;->bar(I)V"},
	}
	if diff := cmp.Diff(want, lines(got)); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMUTF8(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("plain"), "plain"},
		{[]byte{0xc0, 0x80}, "\x00"},
		{[]byte{0xc3, 0xa9}, "é"},
		{[]byte{0xed, 0xa0, 0xbd, 0xed, 0xb8, 0x80}, "\U0001f600"},
	}
	for _, tt := range tests {
		if got := DecodeMUTF8(tt.in); got != tt.want {
			t.Errorf("DecodeMUTF8(% x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
