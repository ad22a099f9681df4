package layout

import (
	"fmt"

	"artprobe/internal/mem"
)

// MaxCString bounds reads of CString fields.
const MaxCString = 4096

// Field is a typed accessor over one field of one structure instance.
// Reads and writes go straight to memory; nothing is cached.
type Field struct {
	Spec    FieldSpec
	Handle  mem.Handle
	ptrSize int
}

// Addr returns the address of the field.
func (f Field) Addr() uint64 { return f.Handle.Addr }

func (f Field) mismatch(op string) error {
	return fmt.Errorf("%s %s field %q: %w", op, f.Spec.Type, f.Spec.Name, ErrKindMismatch)
}

// Uint reads an integer field, zero-extended.
func (f Field) Uint() (uint64, error) {
	if !f.Spec.Type.Integer() {
		return 0, f.mismatch("uint read of")
	}
	return f.Handle.Uint(f.Spec.Width)
}

// Int reads an integer field, sign-extended for signed kinds.
func (f Field) Int() (int64, error) {
	v, err := f.Uint()
	if err != nil {
		return 0, err
	}
	if !f.Spec.Type.Signed() {
		return int64(v), nil
	}
	shift := 64 - 8*uint(f.Spec.Width)
	return int64(v<<shift) >> shift, nil
}

// Bool reads a bool field.
func (f Field) Bool() (bool, error) {
	if f.Spec.Type != Bool {
		return false, f.mismatch("bool read of")
	}
	v, err := f.Handle.U8()
	return v != 0, err
}

// Pointer dereferences a pointer field. Ref32 fields yield the zero-extended
// compressed reference.
func (f Field) Pointer() (mem.Handle, error) {
	switch f.Spec.Type {
	case Pointer, CString:
		return f.Handle.Pointer(f.ptrSize)
	case Ref32:
		v, err := f.Handle.U32()
		if err != nil {
			return mem.Handle{}, err
		}
		return mem.At(f.Handle.Mem, uint64(v)), nil
	}
	return mem.Handle{}, f.mismatch("pointer read of")
}

// Text reads a StdString or CString field.
func (f Field) Text() (string, error) {
	switch f.Spec.Type {
	case StdString:
		return ReadStdString(f.Handle, f.ptrSize)
	case CString:
		p, err := f.Handle.Pointer(f.ptrSize)
		if err != nil {
			return "", err
		}
		if p.IsNull() {
			return "", nil
		}
		return p.CString(MaxCString)
	}
	return "", f.mismatch("string read of")
}

// Bytes returns the raw storage of the field.
func (f Field) Bytes() ([]byte, error) {
	return f.Handle.Bytes(f.Spec.Width)
}

// SetUint writes an integer field. Values wider than the field are
// truncated to its width.
func (f Field) SetUint(v uint64) error {
	if !f.Spec.Type.Integer() {
		return f.mismatch("uint write to")
	}
	return f.Handle.PutUint(f.Spec.Width, v)
}

// SetInt writes a signed value, truncated to the field width.
func (f Field) SetInt(v int64) error { return f.SetUint(uint64(v)) }

// SetBool writes a bool field.
func (f Field) SetBool(v bool) error {
	if f.Spec.Type != Bool {
		return f.mismatch("bool write to")
	}
	var b uint64
	if v {
		b = 1
	}
	return f.Handle.PutUint(1, b)
}

// SetPointer stores addr into a pointer field.
func (f Field) SetPointer(addr uint64) error {
	switch f.Spec.Type {
	case Pointer, CString:
		return f.Handle.PutUint(f.ptrSize, addr)
	case Ref32:
		return f.Handle.PutUint(4, addr)
	}
	return f.mismatch("pointer write to")
}
