package mem

import (
	"fmt"
	"sync"
)

// Buffer is a contiguous region of memory starting at Base. It backs test
// fixtures and offline dumps. Alloc grows the region; freed blocks are not
// reused so addresses handed out stay unique for the buffer's lifetime.
type Buffer struct {
	Base uint64

	mu     sync.RWMutex
	data   []byte
	live   map[uint64]int
	allocs int
}

// NewBuffer wraps data as memory starting at base. The slice is used in place.
func NewBuffer(base uint64, data []byte) *Buffer {
	return &Buffer{Base: base, data: data, live: make(map[uint64]int)}
}

// Len returns the current size of the region.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Contains reports whether addr falls inside the region.
func (b *Buffer) Contains(addr uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return addr >= b.Base && addr < b.Base+uint64(len(b.data))
}

// EndAddr returns the address immediately after the last byte.
func (b *Buffer) EndAddr() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.Base + uint64(len(b.data))
}

func (b *Buffer) span(addr uint64, n int) (int, bool) {
	if addr < b.Base {
		return 0, false
	}
	off := addr - b.Base
	if off > uint64(len(b.data)) || uint64(n) > uint64(len(b.data))-off {
		return 0, false
	}
	return int(off), true
}

func (b *Buffer) ReadAt(p []byte, addr uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	off, ok := b.span(addr, len(p))
	if !ok {
		return &RangeError{Addr: addr, Size: len(p)}
	}
	copy(p, b.data[off:])
	return nil
}

// ReadPartial copies what is available at addr, up to len(p).
func (b *Buffer) ReadPartial(p []byte, addr uint64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if addr < b.Base || addr >= b.Base+uint64(len(b.data)) {
		return 0, &RangeError{Addr: addr, Size: len(p)}
	}
	return copy(p, b.data[addr-b.Base:]), nil
}

func (b *Buffer) WriteAt(p []byte, addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, ok := b.span(addr, len(p))
	if !ok {
		return &RangeError{Addr: addr, Size: len(p)}
	}
	copy(b.data[off:], p)
	return nil
}

// Alloc appends a zeroed, 16-byte aligned block and returns its address.
func (b *Buffer) Alloc(size int) (uint64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("alloc: invalid size %d", size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pad := (16 - len(b.data)%16) % 16
	b.data = append(b.data, make([]byte, pad+size)...)
	addr := b.Base + uint64(len(b.data)-size)
	b.live[addr] = size
	b.allocs++
	return addr, nil
}

func (b *Buffer) Free(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.live[addr]; !ok {
		return fmt.Errorf("free 0x%x: not allocated", addr)
	}
	delete(b.live, addr)
	return nil
}

// Allocations returns how many blocks were ever allocated.
func (b *Buffer) Allocations() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allocs
}

// Live returns how many allocated blocks have not been freed.
func (b *Buffer) Live() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.live)
}
