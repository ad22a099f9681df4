package art

import (
	"fmt"
	"strings"

	"artprobe/internal/dex"
	"artprobe/internal/ffi"
	"artprobe/internal/layout"
	"artprobe/internal/mem"
	"artprobe/internal/walk"
)

// Method is an art::ArtMethod. Every accessor reads memory afresh.
type Method struct {
	rt   *Runtime
	view layout.View
}

// Method binds the ArtMethod at addr.
func (rt *Runtime) Method(addr uint64) (*Method, error) {
	v, err := rt.view(addr, ArtMethodKind)
	if err != nil {
		return nil, err
	}
	return &Method{rt: rt, view: v}, nil
}

func (m *Method) Addr() uint64 { return m.view.Handle.Addr }

// View exposes the raw layout view.
func (m *Method) View() layout.View { return m.view }

func (m *Method) u32(name string) (uint32, error) {
	v, err := m.view.Uint(name)
	return uint32(v), err
}

func (m *Method) u16(name string) (uint16, error) {
	v, err := m.view.Uint(name)
	return uint16(v), err
}

func (m *Method) AccessFlags() (uint32, error) { return m.u32("access_flags_") }

// DexCodeItemOffset exists through Android 11; later releases keep the code
// item pointer in data_.
func (m *Method) DexCodeItemOffset() (uint32, error) { return m.u32("dex_code_item_offset_") }

func (m *Method) DexMethodIndex() (uint32, error) { return m.u32("dex_method_index_") }
func (m *Method) MethodIndex() (uint16, error)    { return m.u16("method_index_") }
func (m *Method) HotnessCount() (uint16, error)   { return m.u16("hotness_count_") }
func (m *Method) Data() (uint64, error)           { return m.view.Uint("data_") }

func (m *Method) EntryPointFromQuickCompiledCode() (uint64, error) {
	return m.view.Uint("entry_point_from_quick_compiled_code_")
}

// DeclaringClass follows the declaring_class_ GC root.
func (m *Method) DeclaringClass() (mem.Handle, error) {
	return m.view.Pointer("declaring_class_")
}

func (m *Method) flag(bit uint32) (bool, error) {
	f, err := m.AccessFlags()
	return f&bit != 0, err
}

func (m *Method) IsNative() (bool, error)   { return m.flag(AccNative) }
func (m *Method) IsStatic() (bool, error)   { return m.flag(AccStatic) }
func (m *Method) IsAbstract() (bool, error) { return m.flag(AccAbstract) }

// PrettyAccessFlags renders the method's Java modifiers.
func (m *Method) PrettyAccessFlags() (string, error) {
	f, err := m.AccessFlags()
	if err != nil {
		return "", err
	}
	return PrettyAccessFlags(f), nil
}

// PrettyMethod calls art::ArtMethod::PrettyMethod(bool), which returns a
// std::string by value.
func (m *Method) PrettyMethod(withSignature bool) (string, error) {
	ptr := m.rt.PointerSize()
	fn, err := m.rt.bind(SymPrettyMethod, ffi.Sig(ffi.StdString(ptr), ffi.TPointer, ffi.TBool))
	if err != nil {
		return "", err
	}
	var sig uint64
	if withSignature {
		sig = 1
	}
	v, err := fn.Call(m.Addr(), sig)
	if err != nil {
		return "", fmt.Errorf("PrettyMethod 0x%x: %w", m.Addr(), err)
	}
	return v.String(), nil
}

// DexFile follows declaring_class_ -> dex_cache_ -> dex_file_.
func (m *Method) DexFile() (*DexFile, error) {
	class, err := m.DeclaringClass()
	if err != nil {
		return nil, err
	}
	cv, err := m.rt.view(class.Addr, ClassKind)
	if err != nil {
		return nil, err
	}
	cache, err := cv.Pointer("dex_cache_")
	if err != nil {
		return nil, err
	}
	dcv, err := m.rt.view(cache.Addr, DexCacheKind)
	if err != nil {
		return nil, err
	}
	addr, err := dcv.Uint("dex_file_")
	if err != nil {
		return nil, err
	}
	return m.rt.DexFile(addr)
}

// CodeItemAddr locates the method's code item: data_begin plus
// dex_code_item_offset_ where the layout has the offset, NterpGetCodeItem
// otherwise. Zero means the method has no code item.
func (m *Method) CodeItemAddr(df *DexFile) (uint64, error) {
	if m.view.Has("dex_code_item_offset_") {
		off, err := m.DexCodeItemOffset()
		if err != nil || off == 0 {
			return 0, err
		}
		begin, err := df.DataBegin()
		if err != nil {
			return 0, err
		}
		return begin + uint64(off), nil
	}
	fn, err := m.rt.bind(SymNterpGetCodeItem, ffi.Sig(ffi.TPointer, ffi.TPointer))
	if err != nil {
		return 0, err
	}
	v, err := fn.Call(m.Addr())
	if err != nil {
		return 0, err
	}
	return v.Pointer(), nil
}

// CodeItem reads the method's code item header.
func (m *Method) CodeItem() (dex.CodeItem, *DexFile, error) {
	df, err := m.DexFile()
	if err != nil {
		return dex.CodeItem{}, nil, err
	}
	addr, err := m.CodeItemAddr(df)
	if err != nil {
		return dex.CodeItem{}, nil, err
	}
	if addr == 0 {
		return dex.CodeItem{}, df, fmt.Errorf("method 0x%x has no code item", m.Addr())
	}
	compact, err := df.IsCompactDex()
	if err != nil {
		return dex.CodeItem{}, nil, err
	}
	c, err := dex.ReadCodeItem(m.rt.Layouts, m.rt.Version, mem.At(m.rt.Memory, addr), compact)
	return c, df, err
}

// Instructions decodes the method's bytecode. Index operands are named
// through the dex file's pools when they can be read.
func (m *Method) Instructions() ([]walk.Instruction, error) {
	c, df, err := m.CodeItem()
	if err != nil {
		return nil, err
	}
	dec := dex.Decoder{Version: m.rt.Version}
	if pool, err := df.Pool(); err == nil {
		dec.Names = pool
	}
	w := walk.New(m.rt.Memory, dec, m.rt.walkOpts...)
	return c.Instructions(w)
}

// String summarizes the method's fields without calling into the target.
func (m *Method) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ArtMethod@0x%x", m.Addr())
	for _, f := range m.view.Desc.Fields {
		if f.AliasOf != "" {
			continue
		}
		v, err := m.view.Uint(f.Name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, " %s=0x%x", strings.TrimSuffix(f.Name, "_"), v)
	}
	return b.String()
}
