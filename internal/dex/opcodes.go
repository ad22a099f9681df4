package dex

import "fmt"

// Format is a Dalvik instruction format id: the digits are the size in
// code units and register count, the letter the kind of extra data.
type Format string

const (
	F10x  Format = "10x"
	F12x  Format = "12x"
	F11n  Format = "11n"
	F11x  Format = "11x"
	F10t  Format = "10t"
	F20t  Format = "20t"
	F22x  Format = "22x"
	F21t  Format = "21t"
	F21s  Format = "21s"
	F21h  Format = "21h"
	F21c  Format = "21c"
	F23x  Format = "23x"
	F22b  Format = "22b"
	F22t  Format = "22t"
	F22s  Format = "22s"
	F22c  Format = "22c"
	F30t  Format = "30t"
	F32x  Format = "32x"
	F31i  Format = "31i"
	F31t  Format = "31t"
	F31c  Format = "31c"
	F35c  Format = "35c"
	F3rc  Format = "3rc"
	F45cc Format = "45cc"
	F4rcc Format = "4rcc"
	F51l  Format = "51l"
)

// Units is the instruction size in 16-bit code units.
func (f Format) Units() int {
	if f == "" {
		return 0
	}
	return int(f[0] - '0')
}

// IndexKind says what pool an instruction's index operand refers to.
type IndexKind int

const (
	IndexNone IndexKind = iota
	IndexString
	IndexType
	IndexField
	IndexMethod
	IndexProto
	IndexCallSite
	IndexMethodHandle
	// IndexFieldOffset and IndexVtable are quickened operands: a byte
	// offset into the object and a vtable slot.
	IndexFieldOffset
	IndexVtable
)

var indexPrefix = map[IndexKind]string{
	IndexString:       "string",
	IndexType:         "type",
	IndexField:        "field",
	IndexMethod:       "method",
	IndexProto:        "proto",
	IndexCallSite:     "call_site",
	IndexMethodHandle: "method_handle",
	IndexFieldOffset:  "field_offset",
	IndexVtable:       "vtable",
}

func (k IndexKind) String() string {
	if s, ok := indexPrefix[k]; ok {
		return s
	}
	return "none"
}

// Opcode describes one of the 256 primary opcodes.
type Opcode struct {
	Value  byte
	Name   string
	Format Format
	Index  IndexKind
}

func (o Opcode) String() string { return o.Name }

// Unused reports whether the opcode is unassigned.
func (o Opcode) Unused() bool { return o.Name == fmt.Sprintf("unused-%02x", o.Value) }

var opcodes [256]Opcode

// quickened holds the opcodes Android 10 and 11 assign in ranges later
// releases leave unused.
var quickened = map[byte]Opcode{}

// LastQuickenedVersion is the last API level that quickens dex code.
const LastQuickenedVersion = 30

func def(op byte, name string, f Format, idx IndexKind) {
	opcodes[op] = Opcode{Value: op, Name: name, Format: f, Index: idx}
}

func span(first byte, f Format, idx IndexKind, names ...string) {
	for i, n := range names {
		def(first+byte(i), n, f, idx)
	}
}

func init() {
	for i := range opcodes {
		def(byte(i), fmt.Sprintf("unused-%02x", i), F10x, IndexNone)
	}

	def(0x00, "nop", F10x, IndexNone)
	span(0x01, F12x, IndexNone, "move")
	span(0x02, F22x, IndexNone, "move/from16")
	span(0x03, F32x, IndexNone, "move/16")
	span(0x04, F12x, IndexNone, "move-wide")
	span(0x05, F22x, IndexNone, "move-wide/from16")
	span(0x06, F32x, IndexNone, "move-wide/16")
	span(0x07, F12x, IndexNone, "move-object")
	span(0x08, F22x, IndexNone, "move-object/from16")
	span(0x09, F32x, IndexNone, "move-object/16")
	span(0x0a, F11x, IndexNone, "move-result", "move-result-wide", "move-result-object", "move-exception")
	span(0x0e, F10x, IndexNone, "return-void")
	span(0x0f, F11x, IndexNone, "return", "return-wide", "return-object")
	def(0x12, "const/4", F11n, IndexNone)
	def(0x13, "const/16", F21s, IndexNone)
	def(0x14, "const", F31i, IndexNone)
	def(0x15, "const/high16", F21h, IndexNone)
	def(0x16, "const-wide/16", F21s, IndexNone)
	def(0x17, "const-wide/32", F31i, IndexNone)
	def(0x18, "const-wide", F51l, IndexNone)
	def(0x19, "const-wide/high16", F21h, IndexNone)
	def(0x1a, "const-string", F21c, IndexString)
	def(0x1b, "const-string/jumbo", F31c, IndexString)
	def(0x1c, "const-class", F21c, IndexType)
	span(0x1d, F11x, IndexNone, "monitor-enter", "monitor-exit")
	def(0x1f, "check-cast", F21c, IndexType)
	def(0x20, "instance-of", F22c, IndexType)
	def(0x21, "array-length", F12x, IndexNone)
	def(0x22, "new-instance", F21c, IndexType)
	def(0x23, "new-array", F22c, IndexType)
	def(0x24, "filled-new-array", F35c, IndexType)
	def(0x25, "filled-new-array/range", F3rc, IndexType)
	def(0x26, "fill-array-data", F31t, IndexNone)
	def(0x27, "throw", F11x, IndexNone)
	def(0x28, "goto", F10t, IndexNone)
	def(0x29, "goto/16", F20t, IndexNone)
	def(0x2a, "goto/32", F30t, IndexNone)
	span(0x2b, F31t, IndexNone, "packed-switch", "sparse-switch")
	span(0x2d, F23x, IndexNone, "cmpl-float", "cmpg-float", "cmpl-double", "cmpg-double", "cmp-long")
	span(0x32, F22t, IndexNone, "if-eq", "if-ne", "if-lt", "if-ge", "if-gt", "if-le")
	span(0x38, F21t, IndexNone, "if-eqz", "if-nez", "if-ltz", "if-gez", "if-gtz", "if-lez")
	span(0x44, F23x, IndexNone,
		"aget", "aget-wide", "aget-object", "aget-boolean", "aget-byte", "aget-char", "aget-short",
		"aput", "aput-wide", "aput-object", "aput-boolean", "aput-byte", "aput-char", "aput-short")
	span(0x52, F22c, IndexField,
		"iget", "iget-wide", "iget-object", "iget-boolean", "iget-byte", "iget-char", "iget-short",
		"iput", "iput-wide", "iput-object", "iput-boolean", "iput-byte", "iput-char", "iput-short")
	span(0x60, F21c, IndexField,
		"sget", "sget-wide", "sget-object", "sget-boolean", "sget-byte", "sget-char", "sget-short",
		"sput", "sput-wide", "sput-object", "sput-boolean", "sput-byte", "sput-char", "sput-short")
	span(0x6e, F35c, IndexMethod,
		"invoke-virtual", "invoke-super", "invoke-direct", "invoke-static", "invoke-interface")
	span(0x74, F3rc, IndexMethod,
		"invoke-virtual/range", "invoke-super/range", "invoke-direct/range", "invoke-static/range", "invoke-interface/range")
	span(0x7b, F12x, IndexNone,
		"neg-int", "not-int", "neg-long", "not-long", "neg-float", "neg-double",
		"int-to-long", "int-to-float", "int-to-double", "long-to-int", "long-to-float", "long-to-double",
		"float-to-int", "float-to-long", "float-to-double", "double-to-int", "double-to-long", "double-to-float",
		"int-to-byte", "int-to-char", "int-to-short")

	binops := []string{
		"add-int", "sub-int", "mul-int", "div-int", "rem-int", "and-int", "or-int", "xor-int", "shl-int", "shr-int", "ushr-int",
		"add-long", "sub-long", "mul-long", "div-long", "rem-long", "and-long", "or-long", "xor-long", "shl-long", "shr-long", "ushr-long",
		"add-float", "sub-float", "mul-float", "div-float", "rem-float",
		"add-double", "sub-double", "mul-double", "div-double", "rem-double",
	}
	span(0x90, F23x, IndexNone, binops...)
	for i, n := range binops {
		def(0xb0+byte(i), n+"/2addr", F12x, IndexNone)
	}
	span(0xd0, F22s, IndexNone,
		"add-int/lit16", "rsub-int", "mul-int/lit16", "div-int/lit16", "rem-int/lit16", "and-int/lit16", "or-int/lit16", "xor-int/lit16")
	span(0xd8, F22b, IndexNone,
		"add-int/lit8", "rsub-int/lit8", "mul-int/lit8", "div-int/lit8", "rem-int/lit8", "and-int/lit8", "or-int/lit8", "xor-int/lit8",
		"shl-int/lit8", "shr-int/lit8", "ushr-int/lit8")
	def(0xfa, "invoke-polymorphic", F45cc, IndexMethod)
	def(0xfb, "invoke-polymorphic/range", F4rcc, IndexMethod)
	def(0xfc, "invoke-custom", F35c, IndexCallSite)
	def(0xfd, "invoke-custom/range", F3rc, IndexCallSite)
	def(0xfe, "const-method-handle", F21c, IndexMethodHandle)
	def(0xff, "const-method-type", F21c, IndexProto)

	quick := func(op byte, name string, f Format, idx IndexKind) {
		quickened[op] = Opcode{Value: op, Name: name, Format: f, Index: idx}
	}
	quick(0x73, "return-void-no-barrier", F10x, IndexNone)
	for i, n := range []string{"iget-quick", "iget-wide-quick", "iget-object-quick", "iput-quick", "iput-wide-quick", "iput-object-quick"} {
		quick(0xe3+byte(i), n, F22c, IndexFieldOffset)
	}
	quick(0xe9, "invoke-virtual-quick", F35c, IndexVtable)
	quick(0xea, "invoke-virtual/range-quick", F3rc, IndexVtable)
	for i, n := range []string{
		"iput-boolean-quick", "iput-byte-quick", "iput-char-quick", "iput-short-quick",
		"iget-boolean-quick", "iget-byte-quick", "iget-char-quick", "iget-short-quick",
	} {
		quick(0xeb+byte(i), n, F22c, IndexFieldOffset)
	}
}

// Lookup returns the opcode for op as assigned at API level version. A
// version of 0 means the newest assignment.
func Lookup(op byte, version int) Opcode {
	if version != 0 && version <= LastQuickenedVersion {
		if q, ok := quickened[op]; ok {
			return q
		}
	}
	return opcodes[op]
}
