//go:build (linux || darwin) && (amd64 || arm64)

package ffi

import (
	"fmt"
	"runtime"

	"github.com/ebitengine/purego"
)

// MaxCallbackArgs is the largest arity NewCallback supports.
const MaxCallbackArgs = 8

// PuregoBackend calls native code in the current process without cgo.
type PuregoBackend struct{}

// NewHostBackend returns the in-process backend.
func NewHostBackend() (Backend, error) { return PuregoBackend{}, nil }

func (PuregoBackend) Call(addr uint64, args []uint64, indirect uint64) (uint64, uint64, error) {
	if indirect != 0 {
		// SyscallN offers no way to load x8 before the branch.
		return 0, 0, fmt.Errorf("%s: %w", runtime.GOARCH, ErrIndirectResultUnsupported)
	}
	words := make([]uintptr, len(args))
	for i, a := range args {
		words[i] = uintptr(a)
	}
	r1, r2, _ := purego.SyscallN(uintptr(addr), words...)
	return uint64(r1), uint64(r2), nil
}

// NewCallback wraps fn in a purego trampoline. Trampolines are never freed,
// so callers must memoize them.
func (PuregoBackend) NewCallback(fn HostFunc, nargs int) (uint64, error) {
	var cb any
	call := func(args ...uintptr) uintptr {
		words := make([]uint64, len(args))
		for i, a := range args {
			words[i] = uint64(a)
		}
		return uintptr(fn(words))
	}
	switch nargs {
	case 0:
		cb = func() uintptr { return call() }
	case 1:
		cb = func(a uintptr) uintptr { return call(a) }
	case 2:
		cb = func(a, b uintptr) uintptr { return call(a, b) }
	case 3:
		cb = func(a, b, c uintptr) uintptr { return call(a, b, c) }
	case 4:
		cb = func(a, b, c, d uintptr) uintptr { return call(a, b, c, d) }
	case 5:
		cb = func(a, b, c, d, e uintptr) uintptr { return call(a, b, c, d, e) }
	case 6:
		cb = func(a, b, c, d, e, f uintptr) uintptr { return call(a, b, c, d, e, f) }
	case 7:
		cb = func(a, b, c, d, e, f, g uintptr) uintptr { return call(a, b, c, d, e, f, g) }
	case 8:
		cb = func(a, b, c, d, e, f, g, h uintptr) uintptr { return call(a, b, c, d, e, f, g, h) }
	default:
		return 0, fmt.Errorf("callback with %d arguments: at most %d supported", nargs, MaxCallbackArgs)
	}
	return uint64(purego.NewCallback(cb)), nil
}
