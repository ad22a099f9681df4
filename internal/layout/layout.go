// Package layout maps (structure kind, runtime version) to field offsets and
// produces typed accessors over raw memory.
//
// Layouts are data: each runtime release gets a row in a table, not new
// accessor code. A Registry serves exactly one pointer width, because the
// same declaration packs differently on 32- and 64-bit targets and a wrong
// width silently yields wrong values.
package layout

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownField means the descriptor for the requested version has no
	// field by that name.
	ErrUnknownField = errors.New("unknown field")
	// ErrUnsupportedVersion means no descriptor covers the requested
	// structure kind and version.
	ErrUnsupportedVersion = errors.New("unsupported version")
	// ErrPointerWidth means a descriptor was built for another pointer width.
	ErrPointerWidth = errors.New("pointer width mismatch")
	// ErrKindMismatch means a field was read as a kind it is not declared as.
	ErrKindMismatch = errors.New("field kind mismatch")
	// ErrInvalidDescriptor is wrapped by every validation failure.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// FieldError names the field that could not be resolved.
type FieldError struct {
	Kind    string
	Version int
	Field   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s (version %d): %v %q", e.Kind, e.Version, ErrUnknownField, e.Field)
}

func (e *FieldError) Unwrap() error { return ErrUnknownField }

// VersionError names the structure kind and version without a descriptor.
type VersionError struct {
	Kind    string
	Version int
	Known   []string
}

func (e *VersionError) Error() string {
	msg := fmt.Sprintf("%s: %v %d", e.Kind, ErrUnsupportedVersion, e.Version)
	if len(e.Known) > 0 {
		msg += " (have " + strings.Join(e.Known, ", ") + ")"
	}
	return msg
}

func (e *VersionError) Unwrap() error { return ErrUnsupportedVersion }

// Kind is the primitive representation of a field.
type Kind int

const (
	Int8 Kind = iota + 1
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Bool
	// Pointer is a native pointer of the registry's width.
	Pointer
	// Ref32 is a 32-bit compressed heap reference (GcRoot, HeapReference).
	Ref32
	// StdString is an inline libc++ std::string.
	StdString
	// CString is a pointer to NUL-terminated bytes.
	CString
	// Bytes is an opaque inline span of Width bytes.
	Bytes
)

var kindNames = map[Kind]string{
	Int8:      "int8",
	Uint8:     "uint8",
	Int16:     "int16",
	Uint16:    "uint16",
	Int32:     "int32",
	Uint32:    "uint32",
	Int64:     "int64",
	Uint64:    "uint64",
	Bool:      "bool",
	Pointer:   "pointer",
	Ref32:     "ref32",
	StdString: "stdstring",
	CString:   "cstring",
	Bytes:     "bytes",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a table type name into a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

// Signed reports whether integer reads sign-extend.
func (k Kind) Signed() bool {
	return k == Int8 || k == Int16 || k == Int32 || k == Int64
}

// Integer reports whether the kind is read as a plain integer.
func (k Kind) Integer() bool {
	switch k {
	case Int8, Uint8, Int16, Uint16, Int32, Uint32, Int64, Uint64, Bool, Ref32, Pointer:
		return true
	}
	return false
}

// PointerSized reports whether the width of the kind depends on the target
// pointer width.
func (k Kind) PointerSized() bool {
	return k == Pointer || k == StdString || k == CString
}

// Width returns the byte width of the kind for a pointer width. Bytes has no
// intrinsic width and returns 0.
func (k Kind) Width(ptrSize int) int {
	switch k {
	case Int8, Uint8, Bool:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Ref32:
		return 4
	case Int64, Uint64:
		return 8
	case Pointer, CString:
		return ptrSize
	case StdString:
		return 3 * ptrSize
	}
	return 0
}
