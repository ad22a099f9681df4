package elfx

import (
	"os"
	"runtime"
	"testing"
)

func openSelf(t *testing.T) *Image {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not ELF")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	im, err := Open(exe)
	if err != nil {
		t.Fatalf("Open(%s): %v", exe, err)
	}
	t.Cleanup(func() { im.Close() })
	return im
}

func TestLookupInternal(t *testing.T) {
	im := openSelf(t)

	sym, ok := im.Lookup("runtime.main")
	if !ok {
		t.Fatal("runtime.main not found")
	}
	if sym.Exported {
		t.Error("runtime.main reported as exported")
	}
	if sym.Addr == 0 || sym.Size == 0 {
		t.Fatalf("runtime.main = %+v", sym)
	}
	if !im.Executable(sym.Addr) {
		t.Errorf("runtime.main at 0x%x not in an executable segment", sym.Addr)
	}
	if _, ok := im.ReadBytesVA(sym.Addr, 16); !ok {
		t.Errorf("cannot read runtime.main bytes")
	}

	got, ok := im.SymbolAt(sym.Addr + 1)
	if !ok || got.Addr != sym.Addr {
		t.Errorf("SymbolAt(0x%x) = %+v, %v", sym.Addr+1, got, ok)
	}

	if _, ok := im.Lookup("definitely_not_a_symbol"); ok {
		t.Error("found a symbol that does not exist")
	}
}

func TestSymbolsFilter(t *testing.T) {
	im := openSelf(t)
	syms := im.Symbols("runtime.main")
	if len(syms) == 0 {
		t.Fatal("filter returned nothing")
	}
	for i := 1; i < len(syms); i++ {
		if syms[i].Addr < syms[i-1].Addr {
			t.Fatalf("symbols not in address order at %d", i)
		}
	}
}

func TestDemangle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"_ZN3art9ArtMethod12PrettyMethodEb", "art::ArtMethod::PrettyMethod(bool)"},
		{"_ZN3art9ArtMethod12PrettyMethodEb.cold", "art::ArtMethod::PrettyMethod(bool)"},
		{"runtime.main", "runtime.main"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Demangle(tt.in); got != tt.want {
				t.Errorf("Demangle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
