package layout

import (
	"errors"
	"fmt"

	"artprobe/internal/mem"
)

// MaxStdString bounds the length accepted from a long-mode std::string.
const MaxStdString = 1 << 20

// ErrCorruptString means a std::string header does not describe a plausible
// string.
var ErrCorruptString = errors.New("corrupt std::string")

// StdStringSize returns sizeof(std::string) for a pointer width.
func StdStringSize(ptrSize int) int { return 3 * ptrSize }

// ReadStdString decodes a libc++ std::string at h.
//
// The low bit of the first byte selects the representation. Clear means
// short mode: the length is the first byte shifted right once and the bytes
// follow inline. Set means long mode: the words are capacity, size and a
// pointer to the heap buffer.
func ReadStdString(h mem.Handle, ptrSize int) (string, error) {
	b0, err := h.U8()
	if err != nil {
		return "", err
	}
	if b0&1 == 0 {
		n := int(b0 >> 1)
		if n >= StdStringSize(ptrSize) {
			return "", fmt.Errorf("%w: short length %d at %s", ErrCorruptString, n, h)
		}
		if n == 0 {
			return "", nil
		}
		b, err := h.Add(1).Bytes(n)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	size, err := h.Add(uint64(ptrSize)).Uint(ptrSize)
	if err != nil {
		return "", err
	}
	if size > MaxStdString {
		return "", fmt.Errorf("%w: long length %d at %s", ErrCorruptString, size, h)
	}
	data, err := h.Add(uint64(2 * ptrSize)).Pointer(ptrSize)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	if data.IsNull() {
		return "", fmt.Errorf("%w: null data with length %d at %s", ErrCorruptString, size, h)
	}
	b, err := data.Bytes(int(size))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
