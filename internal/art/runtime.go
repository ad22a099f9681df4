// Package art reads Android runtime structures and calls into libart,
// chaining the layout registry, the symbol dispatcher, the interception
// engine and the dex walker.
package art

import (
	"fmt"

	"artprobe/internal/ffi"
	"artprobe/internal/layout"
	"artprobe/internal/mem"
	"artprobe/internal/walk"
)

// DefaultModule is the runtime library.
const DefaultModule = "libart.so"

// libart symbols.
const (
	SymPrettyMethod     = "_ZN3art9ArtMethod12PrettyMethodEb"
	SymInvoke           = "_ZN3art9ArtMethod6InvokeEPNS_6ThreadEPjjPNS_6JValueEPKc"
	SymNterpGetCodeItem = "NterpGetCodeItem"
)

// Layout kinds.
const (
	ArtMethodKind = "art::ArtMethod"
	DexFileKind   = "art::DexFile"
	ClassKind     = "art::mirror::Class"
	DexCacheKind  = "art::mirror::DexCache"
)

// Runtime is one inspected runtime: its release, its memory and, when the
// process can be called into, its symbols.
type Runtime struct {
	Layouts *layout.Registry
	Version int
	Memory  mem.Accessor
	Module  string

	resolver *ffi.Resolver
	disp     *ffi.Dispatcher
	walkOpts []walk.Option
}

type Option func(*Runtime)

// WithModule overrides DefaultModule.
func WithModule(name string) Option { return func(rt *Runtime) { rt.Module = name } }

// WithCalls enables routines that call into libart.
func WithCalls(r *ffi.Resolver, d *ffi.Dispatcher) Option {
	return func(rt *Runtime) { rt.resolver, rt.disp = r, d }
}

// WithWalkOptions configures the walker used for method bodies.
func WithWalkOptions(opts ...walk.Option) Option {
	return func(rt *Runtime) { rt.walkOpts = append(rt.walkOpts, opts...) }
}

func NewRuntime(r *layout.Registry, version int, m mem.Accessor, opts ...Option) *Runtime {
	rt := &Runtime{Layouts: r, Version: version, Memory: m, Module: DefaultModule}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// PointerSize is the target pointer width.
func (rt *Runtime) PointerSize() int { return rt.Layouts.PointerSize() }

// CanCall reports whether a resolver and dispatcher are configured.
func (rt *Runtime) CanCall() bool { return rt.resolver != nil && rt.disp != nil }

// Symbol resolves a libart symbol.
func (rt *Runtime) Symbol(name string) (uint64, error) {
	if rt.resolver == nil {
		return 0, fmt.Errorf("%s: no resolver configured", name)
	}
	return rt.resolver.Resolve(rt.Module, name)
}

// bind resolves and binds a libart routine.
func (rt *Runtime) bind(name string, sig ffi.Signature) (*ffi.Func, error) {
	if !rt.CanCall() {
		return nil, fmt.Errorf("%s: calls into the target are not configured", name)
	}
	addr, err := rt.Symbol(name)
	if err != nil {
		return nil, err
	}
	return rt.disp.Bind(addr, sig)
}

func (rt *Runtime) view(addr uint64, kind string) (layout.View, error) {
	if addr == 0 {
		return layout.View{}, fmt.Errorf("%s: null pointer", kind)
	}
	return rt.Layouts.View(mem.At(rt.Memory, addr), kind, rt.Version)
}
