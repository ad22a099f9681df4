package ffi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"artprobe/internal/layout"
	"artprobe/internal/mem"
)

var (
	// ErrArgCount means a call supplied a different number of arguments
	// than the bound signature declares.
	ErrArgCount = errors.New("argument count mismatch")
	// ErrIndirectResultUnsupported means the backend cannot place a hidden
	// result buffer where the ABI expects it.
	ErrIndirectResultUnsupported = errors.New("indirect result register not supported by backend")
)

// Backend performs raw native calls and creates native-callable
// trampolines. Arguments and results are integer-class machine words.
type Backend interface {
	// Call invokes addr. A non-zero indirect is passed in the ABI's
	// dedicated indirect result register.
	Call(addr uint64, args []uint64, indirect uint64) (r1, r2 uint64, err error)
	// NewCallback returns a native address that calls fn with nargs words.
	NewCallback(fn HostFunc, nargs int) (uint64, error)
}

// HostFunc is a Go function exposed to native code.
type HostFunc func(args []uint64) uint64

// Decoder turns the bytes of a returned composite into a Go value.
type Decoder func(h mem.Handle) (any, error)

// Memory is what the dispatcher needs from the target address space.
type Memory interface {
	mem.Accessor
	mem.Allocator
}

// Value is a call result.
type Value struct {
	Type Type
	Raw  uint64
	Raw2 uint64
	// Decoded holds the decoded composite.
	Decoded any
}

func (v Value) Pointer() uint64 { return v.Raw }
func (v Value) Int32() int32    { return int32(v.Raw) }
func (v Value) Uint32() uint32  { return uint32(v.Raw) }
func (v Value) Int64() int64    { return int64(v.Raw) }
func (v Value) Bool() bool      { return v.Raw&0xff != 0 }

// String returns a decoded string composite, or "" for any other value.
func (v Value) String() string {
	s, _ := v.Decoded.(string)
	return s
}

// Func is a native routine bound to a signature.
type Func struct {
	Addr uint64
	Sig  Signature
	d    *Dispatcher
}

// Stats counts what the dispatcher created. Repeated binds and callbacks
// with the same key do not increase it.
type Stats struct {
	Bindings  int64
	Callbacks int64
}

// Dispatcher binds addresses to signatures and creates callbacks.
type Dispatcher struct {
	backend Backend
	mem     Memory
	abi     ABI
	group   singleflight.Group

	mu        sync.RWMutex
	funcs     map[string]*Func
	callbacks map[string]uint64
	decoders  map[string]Decoder

	bindings    atomic.Int64
	trampolines atomic.Int64
}

type DispatcherOption func(*Dispatcher)

// WithABI overrides the host calling convention.
func WithABI(a ABI) DispatcherOption { return func(d *Dispatcher) { d.abi = a } }

// NewDispatcher returns a dispatcher using backend for calls and m for
// hidden result buffers. A std::string decoder is registered.
func NewDispatcher(backend Backend, m Memory, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		backend:   backend,
		mem:       m,
		abi:       HostABI(),
		funcs:     make(map[string]*Func),
		callbacks: make(map[string]uint64),
		decoders:  make(map[string]Decoder),
	}
	for _, o := range opts {
		o(d)
	}
	ptr := d.abi.PointerSize
	d.RegisterDecoder("std::string", func(h mem.Handle) (any, error) {
		return layout.ReadStdString(h, ptr)
	})
	return d
}

// ABI returns the calling convention in use.
func (d *Dispatcher) ABI() ABI { return d.abi }

// RegisterDecoder installs the decoder for composites named name.
func (d *Dispatcher) RegisterDecoder(name string, dec Decoder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoders[name] = dec
}

// Stats reports how many bindings and trampolines were created.
func (d *Dispatcher) Stats() Stats {
	return Stats{Bindings: d.bindings.Load(), Callbacks: d.trampolines.Load()}
}

// Bind returns the callable for addr with sig. Equal (addr, sig) pairs
// return the same *Func.
func (d *Dispatcher) Bind(addr uint64, sig Signature) (*Func, error) {
	if addr == 0 {
		return nil, fmt.Errorf("bind: null address")
	}
	key := fmt.Sprintf("%x:%s", addr, sig.Key())
	d.mu.RLock()
	f, ok := d.funcs[key]
	d.mu.RUnlock()
	if ok {
		return f, nil
	}

	v, _, _ := d.group.Do("bind:"+key, func() (any, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if f, ok := d.funcs[key]; ok {
			return f, nil
		}
		f := &Func{Addr: addr, Sig: sig, d: d}
		d.funcs[key] = f
		d.bindings.Add(1)
		return f, nil
	})
	return v.(*Func), nil
}

// MakeCallback exposes fn as a native function address. The trampoline is
// keyed by (name, sig): a second request returns the first address and fn
// is ignored.
func (d *Dispatcher) MakeCallback(name string, fn HostFunc, sig Signature) (uint64, error) {
	key := name + ":" + sig.Key()
	d.mu.RLock()
	addr, ok := d.callbacks[key]
	d.mu.RUnlock()
	if ok {
		return addr, nil
	}

	v, err, _ := d.group.Do("cb:"+key, func() (any, error) {
		d.mu.RLock()
		addr, ok := d.callbacks[key]
		d.mu.RUnlock()
		if ok {
			return addr, nil
		}
		addr, err := d.backend.NewCallback(fn, len(sig.Args))
		if err != nil {
			return uint64(0), fmt.Errorf("callback %s: %w", name, err)
		}
		d.mu.Lock()
		d.callbacks[key] = addr
		d.mu.Unlock()
		d.trampolines.Add(1)
		return addr, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Call invokes the bound routine. Composite arguments are passed as the
// address of the composite.
func (f *Func) Call(args ...uint64) (Value, error) {
	if len(args) != len(f.Sig.Args) {
		return Value{}, fmt.Errorf("call 0x%x %s with %d arguments: %w", f.Addr, f.Sig, len(args), ErrArgCount)
	}
	d := f.d
	ret := f.Sig.Ret
	out := Value{Type: ret}

	if !d.abi.Indirect(ret) {
		r1, r2, err := d.backend.Call(f.Addr, args, 0)
		if err != nil {
			return Value{}, err
		}
		out.Raw, out.Raw2 = truncate(ret, r1), r2
		if ret.Kind == Composite {
			var regs [16]byte
			mem.ByteOrder.PutUint64(regs[0:], r1)
			mem.ByteOrder.PutUint64(regs[8:], r2)
			buf := mem.NewBuffer(0x1000, regs[:ret.Size])
			out.Decoded, err = d.decode(ret, mem.At(buf, 0x1000))
			if err != nil {
				return Value{}, err
			}
		}
		return out, nil
	}

	size := ret.Size
	if size == 0 {
		size = d.abi.PointerSize
	}
	buf, err := d.mem.Alloc(size)
	if err != nil {
		return Value{}, fmt.Errorf("allocate %d byte result for %s: %w", size, ret.Name, err)
	}
	defer d.mem.Free(buf)

	var r1 uint64
	switch d.abi.Hidden {
	case X8:
		r1, _, err = d.backend.Call(f.Addr, args, buf)
	default:
		r1, _, err = d.backend.Call(f.Addr, append([]uint64{buf}, args...), 0)
	}
	if err != nil {
		return Value{}, err
	}
	out.Raw = r1
	out.Decoded, err = d.decode(ret, mem.At(d.mem, buf))
	if err != nil {
		return Value{}, err
	}
	return out, nil
}

// decode applies the decoder registered for t. Composites without one come
// back as raw bytes.
func (d *Dispatcher) decode(t Type, h mem.Handle) (any, error) {
	d.mu.RLock()
	dec, ok := d.decoders[t.Name]
	d.mu.RUnlock()
	if !ok {
		return h.Bytes(t.Size)
	}
	v, err := dec(h)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t.Name, err)
	}
	return v, nil
}

func truncate(t Type, v uint64) uint64 {
	switch t.Kind {
	case Void:
		return 0
	case Int32, Uint32:
		return v & 0xffff_ffff
	case Bool:
		return v & 0xff
	}
	return v
}
