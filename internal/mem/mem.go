// Package mem defines the raw memory interface the inspector reads and writes
// through: byte-exact reads and writes at absolute addresses, plus scratch
// allocation for trampolines and result buffers.
//
// Implementations can provide:
//   - fixture arenas for tests and offline files (Buffer)
//   - another process's address space (Process)
//   - the current process when the inspector is loaded in-process (Local)
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnmapped is returned when an address range is not backed by the accessor.
var ErrUnmapped = errors.New("address not mapped")

// Accessor reads and writes memory at absolute addresses. Reads and writes
// are all-or-nothing: a short transfer is an error.
type Accessor interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// Allocator hands out process-local scratch memory.
type Allocator interface {
	Alloc(size int) (uint64, error)
	Free(addr uint64) error
}

// PartialReader is implemented by accessors that can report how many bytes
// are readable from addr, used by decoders that read a maximal prefix.
type PartialReader interface {
	ReadPartial(p []byte, addr uint64) (int, error)
}

// ByteOrder is the host byte order; field layouts assume host endianness.
var ByteOrder binary.ByteOrder = binary.NativeEndian

// ReadUpTo reads as many bytes as are available at addr, at most len(p).
func ReadUpTo(m Accessor, p []byte, addr uint64) (int, error) {
	if pr, ok := m.(PartialReader); ok {
		return pr.ReadPartial(p, addr)
	}
	if err := m.ReadAt(p, addr); err != nil {
		return 0, err
	}
	return len(p), nil
}

// RangeError describes an access outside of mapped memory.
type RangeError struct {
	Addr uint64
	Size int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("access 0x%x+%d: %v", e.Addr, e.Size, ErrUnmapped)
}

func (e *RangeError) Unwrap() error { return ErrUnmapped }
