package ffi

import (
	"fmt"
	"runtime"
)

// HiddenResult is where an ABI passes the address of a memory-returned
// composite.
type HiddenResult int

const (
	// FirstArg prepends the buffer address to the integer arguments.
	FirstArg HiddenResult = iota
	// X8 passes it in the AArch64 indirect result register.
	X8
)

// ABI holds the calling-convention facts the dispatcher depends on.
type ABI struct {
	Name        string
	PointerSize int
	// MaxRegisterReturn is the largest trivially copyable composite
	// returned in registers.
	MaxRegisterReturn int
	Hidden            HiddenResult
}

var abis = map[string]ABI{
	"amd64": {Name: "sysv-amd64", PointerSize: 8, MaxRegisterReturn: 16, Hidden: FirstArg},
	"arm64": {Name: "aapcs64", PointerSize: 8, MaxRegisterReturn: 16, Hidden: X8},
	"386":   {Name: "sysv-i386", PointerSize: 4, MaxRegisterReturn: 8, Hidden: FirstArg},
	"arm":   {Name: "aapcs", PointerSize: 4, MaxRegisterReturn: 4, Hidden: FirstArg},
}

// ABIFor returns the convention of a GOARCH.
func ABIFor(goarch string) (ABI, error) {
	a, ok := abis[goarch]
	if !ok {
		return ABI{}, fmt.Errorf("no calling convention for %s", goarch)
	}
	return a, nil
}

// HostABI returns the convention of the running process.
func HostABI() ABI {
	a, err := ABIFor(runtime.GOARCH)
	if err != nil {
		return abis["amd64"]
	}
	return a
}

// Indirect reports whether t is returned through a hidden result buffer.
func (a ABI) Indirect(t Type) bool {
	return t.Kind == Composite && (!t.Trivial || t.Size > a.MaxRegisterReturn)
}
