package ffi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrSymbolNotFound means neither the export table nor the internal symbol
// table of the module names the symbol, or the module is not loaded.
var ErrSymbolNotFound = errors.New("symbol not found")

// SymbolError names the symbol that could not be resolved.
type SymbolError struct {
	Module string
	Symbol string
	Err    error
}

func (e *SymbolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s!%s: %v: %v", e.Module, e.Symbol, ErrSymbolNotFound, e.Err)
	}
	return fmt.Sprintf("%s!%s: %v", e.Module, e.Symbol, ErrSymbolNotFound)
}

func (e *SymbolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSymbolNotFound}
	}
	return []error{ErrSymbolNotFound, e.Err}
}

// ModuleQuery looks symbols up in a loaded module and returns runtime
// addresses.
type ModuleQuery interface {
	FindExport(module, symbol string) (uint64, error)
	FindInternal(module, symbol string) (uint64, error)
}

type symKey struct{ module, symbol string }

// Resolver caches (module, symbol) to address. Entries live until the
// module is invalidated.
type Resolver struct {
	q     ModuleQuery
	group singleflight.Group

	mu    sync.RWMutex
	cache map[symKey]uint64
}

func NewResolver(q ModuleQuery) *Resolver {
	return &Resolver{q: q, cache: make(map[symKey]uint64)}
}

// Resolve returns the address of symbol in module, preferring exported
// symbols over internal ones.
func (r *Resolver) Resolve(module, symbol string) (uint64, error) {
	k := symKey{module, symbol}
	r.mu.RLock()
	addr, ok := r.cache[k]
	r.mu.RUnlock()
	if ok {
		return addr, nil
	}

	v, err, _ := r.group.Do(module+"\x00"+symbol, func() (any, error) {
		r.mu.RLock()
		addr, ok := r.cache[k]
		r.mu.RUnlock()
		if ok {
			return addr, nil
		}

		addr, errExp := r.q.FindExport(module, symbol)
		if errExp != nil {
			var errInt error
			addr, errInt = r.q.FindInternal(module, symbol)
			if errInt != nil {
				return uint64(0), &SymbolError{Module: module, Symbol: symbol, Err: errInt}
			}
		}
		if addr == 0 {
			return uint64(0), &SymbolError{Module: module, Symbol: symbol}
		}

		r.mu.Lock()
		r.cache[k] = addr
		r.mu.Unlock()
		slog.Debug("resolved symbol", "module", module, "symbol", symbol, "addr", fmt.Sprintf("0x%x", addr))
		return addr, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Invalidate drops every cached address of module. Call it after the module
// was unloaded or reloaded.
func (r *Resolver) Invalidate(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.module == module {
			delete(r.cache, k)
		}
	}
}

// Cached returns the number of cached bindings.
func (r *Resolver) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
