package mem

import (
	"errors"
	"testing"
)

func TestBufferReadWrite(t *testing.T) {
	buf := NewBuffer(0x1000, make([]byte, 32))
	h := At(buf, 0x1008)

	if err := h.PutUint(4, 0xdeadbeef); err != nil {
		t.Fatalf("PutUint: %v", err)
	}
	v, err := h.U32()
	if err != nil {
		t.Fatalf("U32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("U32 = 0x%x, want 0xdeadbeef", v)
	}

	if err := h.PutUint(2, 0x12345); err != nil {
		t.Fatalf("PutUint: %v", err)
	}
	if v, _ := h.U16(); v != 0x2345 {
		t.Errorf("U16 = 0x%x, want truncated 0x2345", v)
	}
}

func TestBufferOutOfRange(t *testing.T) {
	buf := NewBuffer(0x1000, make([]byte, 8))

	tests := []struct {
		name string
		addr uint64
		size int
	}{
		{"before base", 0xfff, 1},
		{"past end", 0x1008, 1},
		{"straddles end", 0x1004, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := buf.ReadAt(make([]byte, tt.size), tt.addr)
			if !errors.Is(err, ErrUnmapped) {
				t.Errorf("ReadAt(0x%x, %d) error = %v, want ErrUnmapped", tt.addr, tt.size, err)
			}
		})
	}
}

func TestPointerChain(t *testing.T) {
	buf := NewBuffer(0x4000, make([]byte, 64))
	root := At(buf, 0x4000)
	if err := root.PutUint(8, 0x4020); err != nil {
		t.Fatal(err)
	}
	if err := At(buf, 0x4020).PutUint(4, 7); err != nil {
		t.Fatal(err)
	}

	next, err := root.Pointer(8)
	if err != nil {
		t.Fatalf("Pointer: %v", err)
	}
	if next.Addr != 0x4020 {
		t.Fatalf("Pointer = %v, want 0x4020", next)
	}
	if v, _ := next.U32(); v != 7 {
		t.Errorf("chained read = %d, want 7", v)
	}
}

func TestCString(t *testing.T) {
	data := make([]byte, 200)
	copy(data, "Ljava/lang/String;\x00garbage")
	copy(data[100:], "unterminated-at-end")
	buf := NewBuffer(0, data[:119])

	s, err := At(buf, 0).CString(256)
	if err != nil {
		t.Fatalf("CString: %v", err)
	}
	if s != "Ljava/lang/String;" {
		t.Errorf("CString = %q", s)
	}

	s, err = At(buf, 100).CString(256)
	if err != nil {
		t.Fatalf("CString at end: %v", err)
	}
	if s != "unterminated-at-end" {
		t.Errorf("CString at end = %q", s)
	}

	s, _ = At(buf, 0).CString(4)
	if s != "Ljav" {
		t.Errorf("CString(max=4) = %q, want truncated", s)
	}
}

func TestBufferAlloc(t *testing.T) {
	buf := NewBuffer(0x1000, make([]byte, 3))
	a, err := buf.Alloc(24)
	if err != nil {
		t.Fatal(err)
	}
	if a%16 != 0 {
		t.Errorf("Alloc returned unaligned address 0x%x", a)
	}
	b, _ := buf.Alloc(8)
	if b <= a {
		t.Errorf("second allocation 0x%x not after first 0x%x", b, a)
	}
	if buf.Allocations() != 2 || buf.Live() != 2 {
		t.Errorf("Allocations=%d Live=%d, want 2/2", buf.Allocations(), buf.Live())
	}
	if err := buf.Free(a); err != nil {
		t.Fatal(err)
	}
	if err := buf.Free(a); err == nil {
		t.Error("double free succeeded")
	}
	if buf.Live() != 1 {
		t.Errorf("Live = %d after free, want 1", buf.Live())
	}
}

func TestCStringRoundTrip(t *testing.T) {
	buf := NewBuffer(0x2000, make([]byte, 16))
	h := At(buf, 0x2004)
	if err := h.WriteCString("Invoke"); err != nil {
		t.Fatalf("WriteCString: %v", err)
	}
	got, err := h.CString(16)
	if err != nil {
		t.Fatalf("CString: %v", err)
	}
	if got != "Invoke" {
		t.Errorf("CString = %q, want %q", got, "Invoke")
	}
}
