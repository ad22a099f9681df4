package elfx

import (
	"bytes"
	"debug/elf"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"
	"github.com/ulikunitz/xz"
)

// Symbol is a defined function or object symbol.
type Symbol struct {
	Name     string
	Addr     uint64
	Size     uint64
	Type     elf.SymType
	Exported bool
}

// Demangled returns the demangled name, or Name if it is not mangled.
func (s Symbol) Demangled() string { return Demangle(s.Name) }

type symbolTable struct {
	exported map[string]Symbol
	internal map[string]Symbol
	all      []Symbol

	prettyOnce sync.Once
	pretty     map[string]Symbol
}

var demangleCache sync.Map

// Demangle returns the demangled form of a C++ symbol, caching the result.
// Clone suffixes such as .cold are dropped.
func Demangle(mangled string) string {
	if v, ok := demangleCache.Load(mangled); ok {
		return v.(string)
	}
	d := demangle.Filter(mangled, demangle.NoClones)
	demangleCache.Store(mangled, d)
	return d
}

func wanted(s elf.Symbol) bool {
	if s.Section == elf.SHN_UNDEF || s.Value == 0 || s.Name == "" {
		return false
	}
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_GNU_IFUNC:
		return true
	}
	return false
}

func loadSymbols(f *elf.File) symbolTable {
	t := symbolTable{exported: make(map[string]Symbol), internal: make(map[string]Symbol)}
	add := func(s elf.Symbol, dynamic bool) {
		if !wanted(s) {
			return
		}
		bind := elf.ST_BIND(s.Info)
		exported := dynamic && (bind == elf.STB_GLOBAL || bind == elf.STB_WEAK) &&
			elf.ST_VISIBILITY(s.Other) == elf.STV_DEFAULT
		sym := Symbol{
			Name:     s.Name,
			Addr:     s.Value,
			Size:     s.Size,
			Type:     elf.ST_TYPE(s.Info),
			Exported: exported,
		}
		dst := t.internal
		if exported {
			dst = t.exported
		}
		if _, dup := dst[sym.Name]; dup {
			return
		}
		dst[sym.Name] = sym
		t.all = append(t.all, sym)
	}

	if dyn, err := f.DynamicSymbols(); err == nil {
		for _, s := range dyn {
			add(s, true)
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			add(s, false)
		}
	}
	for _, s := range miniDebugInfo(f) {
		add(s, false)
	}

	sort.Slice(t.all, func(i, j int) bool { return t.all[i].Addr < t.all[j].Addr })
	return t
}

// miniDebugInfo returns the .symtab of the xz-compressed ELF embedded in
// .gnu_debugdata. Android strips internal symbols from system libraries
// into this section.
func miniDebugInfo(f *elf.File) []elf.Symbol {
	sec := f.Section(".gnu_debugdata")
	if sec == nil {
		return nil
	}
	raw, err := sec.Data()
	if err != nil {
		return nil
	}
	r, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	inner, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	ef, err := elf.NewFile(bytes.NewReader(inner))
	if err != nil {
		return nil
	}
	syms, err := ef.Symbols()
	if err != nil {
		return nil
	}
	return syms
}

// LookupExported finds a symbol in the dynamic export table.
func (im *Image) LookupExported(name string) (Symbol, bool) {
	s, ok := im.symbols.exported[name]
	return s, ok
}

// LookupInternal finds a non-exported symbol from .symtab, hidden dynamic
// symbols, or MiniDebugInfo.
func (im *Image) LookupInternal(name string) (Symbol, bool) {
	s, ok := im.symbols.internal[name]
	return s, ok
}

// Lookup tries the export table first and internal symbols second.
func (im *Image) Lookup(name string) (Symbol, bool) {
	if s, ok := im.LookupExported(name); ok {
		return s, true
	}
	return im.LookupInternal(name)
}

// LookupDemangled finds a symbol by its demangled name, for example
// "art::ArtMethod::PrettyMethod(bool)".
func (im *Image) LookupDemangled(pretty string) (Symbol, bool) {
	t := &im.symbols
	t.prettyOnce.Do(func() {
		t.pretty = make(map[string]Symbol, len(t.all))
		for _, s := range t.all {
			d := Demangle(s.Name)
			if prev, dup := t.pretty[d]; dup && prev.Exported {
				continue
			}
			t.pretty[d] = s
		}
	})
	s, ok := t.pretty[pretty]
	return s, ok
}

// Symbols lists defined symbols in address order. A non-empty filter keeps
// symbols whose mangled or demangled name contains it.
func (im *Image) Symbols(filter string) []Symbol {
	if filter == "" {
		return append([]Symbol(nil), im.symbols.all...)
	}
	var out []Symbol
	for _, s := range im.symbols.all {
		if strings.Contains(s.Name, filter) || strings.Contains(Demangle(s.Name), filter) {
			out = append(out, s)
		}
	}
	return out
}

// SymbolAt returns the symbol containing va. Nested and aliased symbols
// resolve to the closest start address.
func (im *Image) SymbolAt(va uint64) (Symbol, bool) {
	all := im.symbols.all
	top := sort.Search(len(all), func(i int) bool { return all[i].Addr > va }) - 1
	for i := top; i >= 0 && top-i < 16; i-- {
		s := all[i]
		if va < s.Addr+s.Size || (s.Size == 0 && va == s.Addr) {
			return s, true
		}
	}
	return Symbol{}, false
}
