package intercept

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNoRoutine means a table address has no routine defined.
var ErrNoRoutine = errors.New("no routine at address")

// Routine is a routine registered in a Table.
type Routine func(args []uint64) uint64

// Table is an in-process dispatch table: routines are registered by
// address and called through the table, which runs attached hooks around
// them. It is the patcher for Go-side targets, simulations and tests.
type Table struct {
	mu       sync.RWMutex
	routines map[uint64]Routine
	hooks    map[uint64]Hooks
	released atomic.Int64
}

func NewTable() *Table {
	return &Table{routines: make(map[uint64]Routine), hooks: make(map[uint64]Hooks)}
}

// Define registers fn at addr.
func (t *Table) Define(addr uint64, fn Routine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routines[addr] = fn
}

// Released counts attachments whose resources were released.
func (t *Table) Released() int64 { return t.released.Load() }

func (t *Table) Attach(target uint64, h Hooks) (Attachment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routines[target]; !ok {
		return nil, fmt.Errorf("0x%x: %w", target, ErrNoRoutine)
	}
	if _, busy := t.hooks[target]; busy {
		return nil, fmt.Errorf("0x%x: %w", target, ErrAlreadyInstalled)
	}
	t.hooks[target] = h
	return &tableAttachment{t: t, addr: target, h: h}, nil
}

// Call runs the routine at addr on the calling thread.
func (t *Table) Call(addr uint64, args ...uint64) (uint64, error) {
	return t.CallOn(currentThreadID(), addr, args...)
}

// CallOn runs the routine at addr as if on thread tid.
func (t *Table) CallOn(tid int, addr uint64, args ...uint64) (uint64, error) {
	t.mu.RLock()
	fn, ok := t.routines[addr]
	h := t.hooks[addr]
	t.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("0x%x: %w", addr, ErrNoRoutine)
	}
	if h == nil {
		return fn(args), nil
	}
	inv := h.Enter(addr, args, tid)
	ret := fn(args)
	return h.Leave(inv, ret), nil
}

type tableAttachment struct {
	t    *Table
	addr uint64
	h    Hooks
}

func (a *tableAttachment) Detach() error {
	a.t.mu.Lock()
	defer a.t.mu.Unlock()
	if a.t.hooks[a.addr] == a.h {
		delete(a.t.hooks, a.addr)
	}
	return nil
}

func (a *tableAttachment) Release() error {
	a.t.released.Add(1)
	return nil
}
