package intercept

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"artprobe/internal/ffi"
	"artprobe/internal/layout"
	"artprobe/internal/mem"
)

// ContextKind is the layout of the block a HostPrimitive passes to the
// enter and leave callbacks.
const ContextKind = "artprobe::InvocationContext"

// HostPrimitive is a native inline-hook engine living in the target
// process. It calls onEnter(ctx, userData) and onLeave(ctx, userData),
// where ctx points at an artprobe::InvocationContext.
type HostPrimitive interface {
	Attach(target, onEnter, onLeave, userData uint64) (listener uint64, err error)
	Detach(listener uint64) error
}

// NativePatcher adapts a HostPrimitive to Patcher. One pair of callback
// trampolines serves every target; the target address travels as user
// data.
type NativePatcher struct {
	host    HostPrimitive
	disp    *ffi.Dispatcher
	layouts *layout.Registry
	version int
	memory  mem.Accessor

	mu     sync.Mutex
	hooks  map[uint64]Hooks
	stacks map[int][]frame
}

// frame pairs an entered call with the hooks that must see its Leave, even
// if the target is detached in between.
type frame struct {
	inv *Invocation
	h   Hooks
}

// NewNativePatcher builds callbacks with disp and decodes contexts in memory
// m through r.
func NewNativePatcher(host HostPrimitive, disp *ffi.Dispatcher, r *layout.Registry, version int, m mem.Accessor) *NativePatcher {
	return &NativePatcher{
		host:    host,
		disp:    disp,
		layouts: r,
		version: version,
		memory:  m,
		hooks:   make(map[uint64]Hooks),
		stacks:  make(map[int][]frame),
	}
}

var callbackSig = ffi.Sig(ffi.TVoid, ffi.TPointer, ffi.TPointer)

// MaxContextArgs bounds arg_count in an invocation context.
const MaxContextArgs = 64

func (p *NativePatcher) Attach(target uint64, h Hooks) (Attachment, error) {
	if _, err := p.layouts.Descriptor(ContextKind, p.version); err != nil {
		return nil, err
	}
	enter, err := p.disp.MakeCallback("intercept.enter", p.onEnter, callbackSig)
	if err != nil {
		return nil, err
	}
	leave, err := p.disp.MakeCallback("intercept.leave", p.onLeave, callbackSig)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.hooks[target] = h
	p.mu.Unlock()

	listener, err := p.host.Attach(target, enter, leave, target)
	if err != nil {
		p.mu.Lock()
		delete(p.hooks, target)
		p.mu.Unlock()
		return nil, err
	}
	return &nativeAttachment{p: p, target: target, listener: listener}, nil
}

type invocationContext struct {
	view     layout.View
	threadID int
	args     []uint64
}

func (p *NativePatcher) decode(ctx uint64) (invocationContext, error) {
	v, err := p.layouts.View(mem.At(p.memory, ctx), ContextKind, p.version)
	if err != nil {
		return invocationContext{}, err
	}
	tid, err := v.Uint("thread_id")
	if err != nil {
		return invocationContext{}, err
	}
	n, err := v.Uint("arg_count")
	if err != nil {
		return invocationContext{}, err
	}
	argv, err := v.Pointer("args")
	if err != nil {
		return invocationContext{}, err
	}
	if n > MaxContextArgs {
		return invocationContext{}, fmt.Errorf("arg_count %d exceeds %d", n, MaxContextArgs)
	}
	ptr := p.layouts.PointerSize()
	args := make([]uint64, n)
	for i := range args {
		if args[i], err = argv.Add(uint64(i * ptr)).Uint(ptr); err != nil {
			return invocationContext{}, fmt.Errorf("arg %d: %w", i, err)
		}
	}
	return invocationContext{view: v, threadID: int(tid), args: args}, nil
}

// guard keeps a panic from unwinding into the host's native frame.
func guard(what string, ctx uint64) {
	if r := recover(); r != nil {
		slog.Error(fmt.Sprintf("Panic in native %s callback", what),
			"ctx", fmt.Sprintf("0x%x", ctx),
			"panic", r,
			"stack", string(debug.Stack()))
	}
}

func (p *NativePatcher) onEnter(words []uint64) uint64 {
	ctx, target := words[0], words[1]
	defer guard("enter", ctx)
	p.mu.Lock()
	h := p.hooks[target]
	p.mu.Unlock()
	if h == nil {
		return 0
	}
	c, err := p.decode(ctx)
	if err != nil {
		slog.Error("decode invocation context", "ctx", fmt.Sprintf("0x%x", ctx), "err", err)
		return 0
	}
	inv := h.Enter(target, c.args, c.threadID)
	p.mu.Lock()
	p.stacks[c.threadID] = append(p.stacks[c.threadID], frame{inv: inv, h: h})
	p.mu.Unlock()
	return 0
}

// pop removes the innermost frame of tid entered for target. Frames above
// it never saw their leave and are returned as abandoned.
func (p *NativePatcher) pop(tid int, target uint64) (top frame, abandoned []frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack := p.stacks[tid]
	i := len(stack) - 1
	for i >= 0 && stack[i].inv.Target != target {
		i--
	}
	if i < 0 {
		return frame{}, nil
	}
	top = stack[i]
	abandoned = slices.Clone(stack[i+1:])
	clear(stack[i:])
	if i == 0 {
		delete(p.stacks, tid)
	} else {
		p.stacks[tid] = stack[:i]
	}
	return top, abandoned
}

func (p *NativePatcher) onLeave(words []uint64) uint64 {
	ctx, target := words[0], words[1]
	defer guard("leave", ctx)

	// The leave callback runs on the hooked thread, so an unreadable
	// context still finds its frame.
	tid := currentThreadID()
	v, err := p.layouts.View(mem.At(p.memory, ctx), ContextKind, p.version)
	if err == nil {
		var id uint64
		if id, err = v.Uint("thread_id"); err == nil {
			tid = int(id)
		}
	}
	if err != nil {
		slog.Error("decode invocation context", "ctx", fmt.Sprintf("0x%x", ctx), "err", err)
	}

	top, abandoned := p.pop(tid, target)
	for i := len(abandoned) - 1; i >= 0; i-- {
		f := abandoned[i]
		slog.Warn("leave never seen", "target", fmt.Sprintf("0x%x", f.inv.Target), "thread", tid)
		f.h.Leave(f.inv, 0)
	}
	inv, h := top.inv, top.h
	if inv == nil {
		return 0
	}
	if err != nil {
		h.Leave(inv, 0)
		return 0
	}

	retField, err := v.Field("return_value")
	if err != nil {
		h.Leave(inv, 0)
		return 0
	}
	ret, _ := retField.Uint()
	out := h.Leave(inv, ret)
	if inv.retSet {
		if err := retField.SetUint(out); err != nil {
			slog.Error("write return value", "target", fmt.Sprintf("0x%x", target), "err", err)
		}
	}
	return 0
}

type nativeAttachment struct {
	p        *NativePatcher
	target   uint64
	listener uint64
}

func (a *nativeAttachment) Detach() error {
	a.p.mu.Lock()
	delete(a.p.hooks, a.target)
	a.p.mu.Unlock()
	return a.p.host.Detach(a.listener)
}

// Release is a no-op: the shared trampolines are memoized by the
// dispatcher and live as long as it does.
func (a *nativeAttachment) Release() error { return nil }
