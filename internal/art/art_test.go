package art

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"artprobe/internal/ffi"
	"artprobe/internal/intercept"
	"artprobe/internal/layout"
	"artprobe/internal/mem"
)

const (
	methodAddr   = 0x10000
	classAddr    = 0x10100
	dexCacheAddr = 0x10200
	dexFileAddr  = 0x10300
	dexBegin     = 0x10800
	codeItemOff  = 0x100

	prettyAddr = 0xa000
	invokeAddr = 0xb000
)

type fixture struct {
	buf *mem.Buffer
	rt  *Runtime
}

func put(t *testing.T, m mem.Accessor, addr uint64, width int, v uint64) {
	t.Helper()
	require.NoError(t, mem.At(m, addr).PutUint(width, v))
}

// newFixture lays out an Android 10 ArtMethod whose declaring class leads
// to a dex file holding a three-unit method body.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := layout.Builtin(8)
	require.NoError(t, err)
	buf := mem.NewBuffer(methodAddr, make([]byte, 0x2000))

	put(t, buf, methodAddr+0, 4, classAddr)
	put(t, buf, methodAddr+4, 4, uint64(AccPublic|AccStatic))
	put(t, buf, methodAddr+8, 4, codeItemOff)
	put(t, buf, methodAddr+12, 4, 7)
	put(t, buf, methodAddr+16, 2, 3)
	put(t, buf, methodAddr+32, 8, 0x7000)

	put(t, buf, classAddr+16, 4, dexCacheAddr)
	put(t, buf, dexCacheAddr+16, 8, dexFileAddr)

	put(t, buf, dexFileAddr+8, 8, dexBegin)
	put(t, buf, dexFileAddr+16, 8, 0x200)
	put(t, buf, dexFileAddr+24, 8, dexBegin)
	put(t, buf, dexFileAddr+32, 8, 0x200)
	require.NoError(t, buf.WriteAt(append([]byte{8 << 1}, "base.apk"...), dexFileAddr+40))
	put(t, buf, dexFileAddr+64, 4, 0xcafe)

	item := uint64(dexBegin + codeItemOff)
	put(t, buf, item+0, 2, 2)
	put(t, buf, item+2, 2, 1)
	put(t, buf, item+12, 4, 3)
	put(t, buf, item+16, 2, 0x1012) // const/4 v0, #1
	put(t, buf, item+18, 2, 0x0000) // nop
	put(t, buf, item+20, 2, 0x000f) // return v0

	return &fixture{buf: buf, rt: NewRuntime(reg, 29, buf)}
}

type query map[string]uint64

func (q query) FindExport(module, symbol string) (uint64, error) {
	if a, ok := q[symbol]; ok && module == DefaultModule {
		return a, nil
	}
	return 0, errors.New("not exported")
}

func (q query) FindInternal(module, symbol string) (uint64, error) {
	return 0, errors.New("not found")
}

// prettyBackend answers PrettyMethod with a libc++ string written into
// the hidden result buffer. Long strings get a heap block the caller never
// frees, as in the target.
type prettyBackend struct {
	m     *mem.Buffer
	names map[uint64]string
	calls int
}

func (b *prettyBackend) Call(addr uint64, args []uint64, indirect uint64) (uint64, uint64, error) {
	if addr != prettyAddr {
		return 0, 0, fmt.Errorf("no routine at 0x%x", addr)
	}
	b.calls++
	out, method := args[0], args[1]
	name := b.names[method]
	if args[2] != 0 {
		name += "()"
	}
	if len(name) < 23 {
		return out, 0, b.m.WriteAt(append([]byte{byte(len(name) << 1)}, name...), out)
	}
	heap, err := b.m.Alloc(len(name) + 1)
	if err != nil {
		return 0, 0, err
	}
	if err := b.m.WriteAt([]byte(name), heap); err != nil {
		return 0, 0, err
	}
	h := mem.At(b.m, out)
	if err := h.PutUint(8, uint64(len(name)+1)|1); err != nil {
		return 0, 0, err
	}
	if err := h.Add(8).PutUint(8, uint64(len(name))); err != nil {
		return 0, 0, err
	}
	return out, 0, h.Add(16).PutUint(8, heap)
}

func (b *prettyBackend) NewCallback(ffi.HostFunc, int) (uint64, error) {
	return 0, errors.New("unsupported")
}

func (f *fixture) withCalls(t *testing.T, names map[uint64]string) *prettyBackend {
	t.Helper()
	abi, err := ffi.ABIFor("amd64")
	require.NoError(t, err)
	be := &prettyBackend{m: f.buf, names: names}
	disp := ffi.NewDispatcher(be, f.buf, ffi.WithABI(abi))
	res := ffi.NewResolver(query{SymPrettyMethod: prettyAddr, SymInvoke: invokeAddr})
	WithCalls(res, disp)(f.rt)
	return be
}

func TestMethodFields(t *testing.T) {
	f := newFixture(t)
	m, err := f.rt.Method(methodAddr)
	require.NoError(t, err)

	flags, err := m.PrettyAccessFlags()
	require.NoError(t, err)
	require.Equal(t, "public static", flags)

	idx, err := m.DexMethodIndex()
	require.NoError(t, err)
	require.EqualValues(t, 7, idx)
	mi, err := m.MethodIndex()
	require.NoError(t, err)
	require.EqualValues(t, 3, mi)
	ep, err := m.EntryPointFromQuickCompiledCode()
	require.NoError(t, err)
	require.EqualValues(t, 0x7000, ep)
	static, err := m.IsStatic()
	require.NoError(t, err)
	require.True(t, static)

	_, err = f.rt.Method(0)
	require.Error(t, err)
}

func TestDexCodeItemOffsetGoneOnAndroid12(t *testing.T) {
	f := newFixture(t)
	rt := NewRuntime(f.rt.Layouts, 31, f.buf)
	m, err := rt.Method(methodAddr)
	require.NoError(t, err)
	_, err = m.DexCodeItemOffset()
	require.ErrorIs(t, err, layout.ErrUnknownField)

	_, err = m.CodeItemAddr(nil)
	require.Error(t, err, "code item lookup needs NterpGetCodeItem without calls configured")
}

func TestMethodDexFile(t *testing.T) {
	f := newFixture(t)
	m, err := f.rt.Method(methodAddr)
	require.NoError(t, err)

	df, err := m.DexFile()
	require.NoError(t, err)
	require.EqualValues(t, dexFileAddr, df.Addr())
	loc, err := df.Location()
	require.NoError(t, err)
	require.Equal(t, "base.apk", loc)
	sum, err := df.LocationChecksum()
	require.NoError(t, err)
	require.EqualValues(t, 0xcafe, sum)
	compact, err := df.IsCompactDex()
	require.NoError(t, err)
	require.False(t, compact)
	begin, err := df.Begin()
	require.NoError(t, err)
	require.EqualValues(t, dexBegin, begin)
}

func TestMethodInstructions(t *testing.T) {
	f := newFixture(t)
	m, err := f.rt.Method(methodAddr)
	require.NoError(t, err)

	c, _, err := m.CodeItem()
	require.NoError(t, err)
	require.EqualValues(t, 3, c.InsnsSize)
	require.EqualValues(t, dexBegin+codeItemOff+16, c.Insns)

	ins, err := m.Instructions()
	require.NoError(t, err)
	var text []string
	for _, in := range ins {
		text = append(text, in.String())
	}
	require.Equal(t, []string{"const/4 v0, #1", "nop", "return v0"}, text)
}

func TestPrettyMethod(t *testing.T) {
	f := newFixture(t)
	be := f.withCalls(t, map[uint64]string{methodAddr: "com.example.Foo.bar"})
	m, err := f.rt.Method(methodAddr)
	require.NoError(t, err)

	name, err := m.PrettyMethod(false)
	require.NoError(t, err)
	require.Equal(t, "com.example.Foo.bar", name)
	name, err = m.PrettyMethod(true)
	require.NoError(t, err)
	require.Equal(t, "com.example.Foo.bar()", name)
	require.Equal(t, 2, be.calls)
	require.Zero(t, f.buf.Live(), "result buffers are freed")
}

func TestPrettyMethodWithoutCalls(t *testing.T) {
	f := newFixture(t)
	m, err := f.rt.Method(methodAddr)
	require.NoError(t, err)
	_, err = m.PrettyMethod(false)
	require.Error(t, err)
}

func TestHookInvoke(t *testing.T) {
	f := newFixture(t)
	const other = methodAddr + 0x40
	put(t, f.buf, other+4, 4, uint64(AccPrivate))
	f.withCalls(t, map[uint64]string{
		methodAddr: "com.example.Foo.bar",
		other:      "android.os.Binder.getCallingUid",
	})

	tab := intercept.NewTable()
	tab.Define(invokeAddr, func([]uint64) uint64 { return 0 })
	e := intercept.New(tab)

	var seen []string
	_, err := HookInvoke(f.rt, e, func(pid, tid int, m *Method, name string) {
		seen = append(seen, fmt.Sprintf("%d:%s", tid, name))
	})
	require.NoError(t, err)

	for range 7 {
		_, err := tab.CallOn(11, invokeAddr, methodAddr)
		require.NoError(t, err)
	}
	require.Len(t, seen, intercept.DefaultCallBudget, "budget is per method")

	seen = nil
	require.NoError(t, e.State().Set(intercept.KeyNamePrefix, "android."))
	require.NoError(t, e.State().Set(intercept.KeyThreadID, "12"))
	for _, tid := range []int{11, 12} {
		_, err := tab.CallOn(tid, invokeAddr, other)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"12:android.os.Binder.getCallingUid"}, seen)
}
