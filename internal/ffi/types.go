// Package ffi locates unexported native routines by symbol and calls them
// with declared signatures. Bindings and callback trampolines are memoized
// so repeated use never leaks native resources.
package ffi

import (
	"fmt"
	"strings"
)

// Kind is the native class of a value.
type Kind int

const (
	Void Kind = iota
	Pointer
	Int32
	Uint32
	Int64
	Uint64
	Bool
	// Composite is a struct. As an argument it is passed by pointer; as a
	// return value it comes back in registers or through a hidden result
	// buffer, depending on the ABI.
	Composite
)

var kindNames = [...]string{"void", "pointer", "int32", "uint32", "int64", "uint64", "bool", "composite"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Type describes one argument or return value.
type Type struct {
	Kind Kind
	// Name, Size and Trivial describe composites. Name selects the decoder
	// applied to returned values. Trivial is false for types with a
	// non-trivial copy constructor or destructor, which every supported ABI
	// returns in memory.
	Name    string
	Size    int
	Trivial bool
}

var (
	TVoid    = Type{Kind: Void}
	TPointer = Type{Kind: Pointer}
	TInt32   = Type{Kind: Int32}
	TUint32  = Type{Kind: Uint32}
	TInt64   = Type{Kind: Int64}
	TUint64  = Type{Kind: Uint64}
	TBool    = Type{Kind: Bool}
)

// Struct returns a composite type.
func Struct(name string, size int, trivial bool) Type {
	return Type{Kind: Composite, Name: name, Size: size, Trivial: trivial}
}

// StdString is libc++ std::string for a pointer width.
func StdString(ptrSize int) Type {
	return Struct("std::string", 3*ptrSize, false)
}

func (t Type) String() string {
	if t.Kind != Composite {
		return t.Kind.String()
	}
	s := fmt.Sprintf("%s/%d", t.Name, t.Size)
	if !t.Trivial {
		s += "!"
	}
	return s
}

// Signature is a return type and ordered argument types.
type Signature struct {
	Ret  Type
	Args []Type
}

// Sig builds a signature.
func Sig(ret Type, args ...Type) Signature {
	return Signature{Ret: ret, Args: args}
}

// Key is a canonical string for the signature, used as a memoization key.
func (s Signature) Key() string {
	var b strings.Builder
	b.WriteString(s.Ret.String())
	b.WriteByte('(')
	for i, a := range s.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.String())
	}
	b.WriteByte(')')
	return b.String()
}

func (s Signature) String() string { return s.Key() }
