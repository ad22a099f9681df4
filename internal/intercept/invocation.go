package intercept

import (
	"fmt"

	"artprobe/internal/layout"
	"artprobe/internal/mem"
)

// Invocation is one intercepted call. onEnter and onLeave of the same call
// see the same *Invocation.
type Invocation struct {
	Target uint64
	// State carries user data from onEnter to onLeave.
	State any

	args     []uint64
	threadID int
	ret      uint64
	retSet   bool
	allowed  bool
	engine   *Engine
}

// Arg returns argument i, or 0 past the last argument.
func (inv *Invocation) Arg(i int) uint64 {
	if i < 0 || i >= len(inv.args) {
		return 0
	}
	return inv.args[i]
}

// Args returns a copy of the argument words.
func (inv *Invocation) Args() []uint64 { return append([]uint64(nil), inv.args...) }

// ThreadID is the OS thread the call runs on.
func (inv *Invocation) ThreadID() int { return inv.threadID }

// Return is the value the real routine returned. It is zero in onEnter.
func (inv *Invocation) Return() uint64 { return inv.ret }

// SetReturn replaces the value handed back to the caller. Only meaningful in
// onLeave.
func (inv *Invocation) SetReturn(v uint64) {
	inv.ret = v
	inv.retSet = true
}

// Allowed reports whether the filter chain let the call through.
func (inv *Invocation) Allowed() bool { return inv.allowed }

// View reads argument i as a pointer to a structure of kind.
func (inv *Invocation) View(i int, kind string) (layout.View, error) {
	e := inv.engine
	if e == nil || e.layouts == nil {
		return layout.View{}, fmt.Errorf("view %s: engine has no layout registry", kind)
	}
	return e.layouts.View(mem.At(e.memory, inv.Arg(i)), kind, e.version)
}
