package mem

import (
	"bytes"
	"fmt"
)

// Handle is an address inside an accessor's address space. The memory behind
// it is owned by the inspected process; a handle never keeps it alive.
type Handle struct {
	Mem  Accessor
	Addr uint64
}

// At returns a handle for addr in m.
func At(m Accessor, addr uint64) Handle {
	return Handle{Mem: m, Addr: addr}
}

// IsNull reports whether the handle points at address zero.
func (h Handle) IsNull() bool { return h.Addr == 0 }

// Add returns a handle displaced by off bytes.
func (h Handle) Add(off uint64) Handle {
	return Handle{Mem: h.Mem, Addr: h.Addr + off}
}

func (h Handle) String() string {
	return fmt.Sprintf("0x%x", h.Addr)
}

// Bytes reads n bytes.
func (h Handle) Bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := h.Mem.ReadAt(buf, h.Addr); err != nil {
		return nil, err
	}
	return buf, nil
}

func (h Handle) U8() (uint8, error) {
	var b [1]byte
	if err := h.Mem.ReadAt(b[:], h.Addr); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (h Handle) U16() (uint16, error) {
	var b [2]byte
	if err := h.Mem.ReadAt(b[:], h.Addr); err != nil {
		return 0, err
	}
	return ByteOrder.Uint16(b[:]), nil
}

func (h Handle) U32() (uint32, error) {
	var b [4]byte
	if err := h.Mem.ReadAt(b[:], h.Addr); err != nil {
		return 0, err
	}
	return ByteOrder.Uint32(b[:]), nil
}

func (h Handle) U64() (uint64, error) {
	var b [8]byte
	if err := h.Mem.ReadAt(b[:], h.Addr); err != nil {
		return 0, err
	}
	return ByteOrder.Uint64(b[:]), nil
}

// Uint reads an unsigned integer of width 1, 2, 4 or 8 bytes.
func (h Handle) Uint(width int) (uint64, error) {
	switch width {
	case 1:
		v, err := h.U8()
		return uint64(v), err
	case 2:
		v, err := h.U16()
		return uint64(v), err
	case 4:
		v, err := h.U32()
		return uint64(v), err
	case 8:
		return h.U64()
	}
	return 0, fmt.Errorf("unsupported integer width %d", width)
}

// PutUint writes the low width bytes of v.
func (h Handle) PutUint(width int, v uint64) error {
	var b [8]byte
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		ByteOrder.PutUint16(b[:], uint16(v))
	case 4:
		ByteOrder.PutUint32(b[:], uint32(v))
	case 8:
		ByteOrder.PutUint64(b[:], v)
	default:
		return fmt.Errorf("unsupported integer width %d", width)
	}
	return h.Mem.WriteAt(b[:width], h.Addr)
}

// Pointer reads a pointer of the given width and returns it as a handle in
// the same address space.
func (h Handle) Pointer(ptrSize int) (Handle, error) {
	v, err := h.Uint(ptrSize)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Mem: h.Mem, Addr: v}, nil
}

// CString reads a NUL-terminated string of at most max bytes. Strings that
// hit the limit are returned truncated.
func (h Handle) CString(max int) (string, error) {
	const chunk = 64
	var out []byte
	for len(out) < max {
		n := chunk
		if rem := max - len(out); rem < n {
			n = rem
		}
		buf := make([]byte, n)
		got, err := ReadUpTo(h.Mem, buf, h.Addr+uint64(len(out)))
		if err != nil {
			if len(out) > 0 {
				break
			}
			return "", err
		}
		buf = buf[:got]
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		if got < n {
			break
		}
	}
	return string(out), nil
}

// WriteCString writes s followed by a NUL byte.
func (h Handle) WriteCString(s string) error {
	return h.Mem.WriteAt(append([]byte(s), 0), h.Addr)
}
