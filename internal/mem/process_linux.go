//go:build linux

package mem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Process accesses another process's memory with process_vm_readv and
// process_vm_writev. The caller needs ptrace access to the target.
type Process struct {
	Pid int
}

// NewProcess returns an accessor for pid.
func NewProcess(pid int) *Process {
	return &Process{Pid: pid}
}

func (p *Process) ReadAt(b []byte, addr uint64) error {
	n, err := p.ReadPartial(b, addr)
	if err != nil {
		return err
	}
	if n != len(b) {
		return &RangeError{Addr: addr, Size: len(b)}
	}
	return nil
}

// ReadPartial reads up to len(b) bytes, stopping at the first unreadable page.
func (p *Process) ReadPartial(b []byte, addr uint64) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &b[0]}}
	local[0].SetLen(len(b))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(b)}}
	n, err := unix.ProcessVMReadv(p.Pid, local, remote, 0)
	if err != nil {
		return 0, fmt.Errorf("read pid %d at 0x%x: %w", p.Pid, addr, err)
	}
	if n == 0 {
		return 0, &RangeError{Addr: addr, Size: len(b)}
	}
	return n, nil
}

func (p *Process) WriteAt(b []byte, addr uint64) error {
	if len(b) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &b[0]}}
	local[0].SetLen(len(b))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(b)}}
	n, err := unix.ProcessVMWritev(p.Pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("write pid %d at 0x%x: %w", p.Pid, addr, err)
	}
	if n != len(b) {
		return &RangeError{Addr: addr, Size: len(b)}
	}
	return nil
}

// Local accesses the current process's memory directly. Reads through an
// unmapped address fault; callers must validate addresses first.
type Local struct {
	mu     sync.Mutex
	blocks map[uint64][]byte
	allocs int
}

// NewLocal returns an accessor for the current process.
func NewLocal() *Local {
	return &Local{blocks: make(map[uint64][]byte)}
}

func (l *Local) ReadAt(b []byte, addr uint64) error {
	if addr == 0 {
		return &RangeError{Addr: addr, Size: len(b)}
	}
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(b)))
	return nil
}

func (l *Local) WriteAt(b []byte, addr uint64) error {
	if addr == 0 {
		return &RangeError{Addr: addr, Size: len(b)}
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(b)), b)
	return nil
}

// Alloc maps an anonymous read/write block outside of the Go heap so native
// code may keep pointers into it.
func (l *Local) Alloc(size int) (uint64, error) {
	block, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	addr := uint64(uintptr(unsafe.Pointer(&block[0])))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks[addr] = block
	l.allocs++
	return addr, nil
}

func (l *Local) Free(addr uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, ok := l.blocks[addr]
	if !ok {
		return fmt.Errorf("free 0x%x: not allocated", addr)
	}
	delete(l.blocks, addr)
	return unix.Munmap(block)
}
