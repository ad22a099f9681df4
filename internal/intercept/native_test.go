package intercept

import (
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"artprobe/internal/ffi"
	"artprobe/internal/layout"
	"artprobe/internal/mem"
)

type callbackBackend struct {
	mu    sync.Mutex
	next  uint64
	funcs map[uint64]ffi.HostFunc
}

func (b *callbackBackend) Call(uint64, []uint64, uint64) (uint64, uint64, error) {
	return 0, 0, errors.New("not callable")
}

func (b *callbackBackend) NewCallback(fn ffi.HostFunc, nargs int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.funcs == nil {
		b.funcs = make(map[uint64]ffi.HostFunc)
		b.next = 0xc0de_0000
	}
	b.next += 0x10
	b.funcs[b.next] = fn
	return b.next, nil
}

func (b *callbackBackend) invoke(addr uint64, args ...uint64) {
	b.mu.Lock()
	fn := b.funcs[addr]
	b.mu.Unlock()
	fn(args)
}

type listener struct {
	target, enter, leave, user uint64
}

// fakeHost plays the in-process inline hook: it builds an invocation
// context in memory and calls the registered trampolines around routine.
type fakeHost struct {
	backend   *callbackBackend
	buf       *mem.Buffer
	listeners map[uint64]listener
	detached  []uint64
	next      uint64
}

func (h *fakeHost) Attach(target, enter, leave, user uint64) (uint64, error) {
	if h.listeners == nil {
		h.listeners = make(map[uint64]listener)
	}
	h.next++
	h.listeners[h.next] = listener{target, enter, leave, user}
	return h.next, nil
}

func (h *fakeHost) Detach(id uint64) error {
	delete(h.listeners, id)
	h.detached = append(h.detached, id)
	return nil
}

func (h *fakeHost) call(t *testing.T, target uint64, tid uint32, routine func() uint64, args ...uint64) uint64 {
	t.Helper()
	var l *listener
	for _, cand := range h.listeners {
		if cand.target == target {
			l = &cand
			break
		}
	}
	if l == nil {
		return routine()
	}

	argv, err := h.buf.Alloc(8 * max(len(args), 1))
	require.NoError(t, err)
	for i, a := range args {
		require.NoError(t, mem.At(h.buf, argv+uint64(8*i)).PutUint(8, a))
	}
	ctx, err := h.buf.Alloc(24)
	require.NoError(t, err)
	c := mem.At(h.buf, ctx)
	require.NoError(t, c.PutUint(4, uint64(tid)))
	require.NoError(t, c.Add(4).PutUint(4, uint64(len(args))))
	require.NoError(t, c.Add(8).PutUint(8, argv))

	h.backend.invoke(l.enter, ctx, l.user)
	require.NoError(t, c.Add(16).PutUint(8, routine()))
	h.backend.invoke(l.leave, ctx, l.user)
	ret, err := c.Add(16).Uint(8)
	require.NoError(t, err)
	return ret
}

func newNativeFixture(t *testing.T) (*Engine, *fakeHost, *ffi.Dispatcher) {
	t.Helper()
	reg, err := layout.Builtin(8)
	require.NoError(t, err)
	buf := mem.NewBuffer(0x10_0000, nil)
	backend := &callbackBackend{}
	abi, err := ffi.ABIFor("arm64")
	require.NoError(t, err)
	disp := ffi.NewDispatcher(backend, buf, ffi.WithABI(abi))
	host := &fakeHost{backend: backend, buf: buf}
	p := NewNativePatcher(host, disp, reg, 34, buf)
	return New(p), host, disp
}

func TestNativePatcherEnterLeave(t *testing.T) {
	e, host, disp := newNativeFixture(t)
	require.NoError(t, e.State().Set(KeyCallBudget, "-1"))

	var gotArgs []uint64
	var gotTID int
	_, err := e.Install(0x4000,
		func(inv *Invocation) {
			gotArgs = inv.Args()
			gotTID = inv.ThreadID()
		},
		func(inv *Invocation) { inv.SetReturn(inv.Return() + 100) })
	require.NoError(t, err)
	_, err = e.Install(0x5000, nil, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, disp.Stats().Callbacks, "trampolines are shared between targets")

	ret := host.call(t, 0x4000, 321, func() uint64 { return 1 }, 0xaa, 0xbb)
	require.EqualValues(t, 101, ret)
	require.Equal(t, []uint64{0xaa, 0xbb}, gotArgs)
	require.Equal(t, 321, gotTID)

	ret = host.call(t, 0x5000, 321, func() uint64 { return 9 })
	require.EqualValues(t, 9, ret, "return value untouched without SetReturn")
}

func TestNativePatcherNested(t *testing.T) {
	e, host, _ := newNativeFixture(t)
	require.NoError(t, e.State().Set(KeyCallBudget, "-1"))

	var order []string
	_, err := e.Install(0x4000,
		func(*Invocation) { order = append(order, "enter outer") },
		func(*Invocation) { order = append(order, "leave outer") })
	require.NoError(t, err)
	_, err = e.Install(0x5000,
		func(*Invocation) { order = append(order, "enter inner") },
		func(*Invocation) { order = append(order, "leave inner") })
	require.NoError(t, err)

	host.call(t, 0x4000, 1, func() uint64 {
		return host.call(t, 0x5000, 1, func() uint64 { return 0 })
	})
	require.Equal(t, []string{"enter outer", "enter inner", "leave inner", "leave outer"}, order)
}

func TestNativePatcherDetachMidCall(t *testing.T) {
	e, host, _ := newNativeFixture(t)
	h, err := e.Install(0x4000, nil, nil)
	require.NoError(t, err)

	var l listener
	for _, cand := range host.listeners {
		l = cand
	}
	ctx, err := host.buf.Alloc(24)
	require.NoError(t, err)
	require.NoError(t, mem.At(host.buf, ctx).PutUint(4, 7))

	host.backend.invoke(l.enter, ctx, l.user)
	require.EqualValues(t, 1, h.Inflight())
	require.NoError(t, e.Uninstall(h))
	require.Len(t, host.detached, 1)
	require.Zero(t, e.Reclaim())

	host.backend.invoke(l.leave, ctx, l.user)
	require.Zero(t, h.Inflight(), "leave reaches the hook after detach")
	require.Equal(t, 1, e.Reclaim())
}

func TestNativePatcherRejectsHugeArgCount(t *testing.T) {
	e, host, _ := newNativeFixture(t)
	var entered int
	h, err := e.Install(0x4000, func(*Invocation) { entered++ }, nil)
	require.NoError(t, err)

	l := onlyListener(host)
	ctx, err := host.buf.Alloc(24)
	require.NoError(t, err)
	c := mem.At(host.buf, ctx)
	require.NoError(t, c.PutUint(4, 7))
	require.NoError(t, c.Add(4).PutUint(4, 1<<30))

	host.backend.invoke(l.enter, ctx, l.user)
	require.Zero(t, entered)
	require.Zero(t, h.Inflight())

	host.backend.invoke(l.leave, ctx, l.user)
	require.Zero(t, h.Inflight(), "leave without an enter is ignored")
}

func TestNativePatcherMissedLeave(t *testing.T) {
	e, host, _ := newNativeFixture(t)
	require.NoError(t, e.State().Set(KeyCallBudget, "-1"))

	var left []string
	outer, err := e.Install(0x4000, nil, func(*Invocation) { left = append(left, "outer") })
	require.NoError(t, err)
	inner, err := e.Install(0x5000, nil, func(*Invocation) { left = append(left, "inner") })
	require.NoError(t, err)

	ls := make(map[uint64]listener)
	for _, l := range host.listeners {
		ls[l.target] = l
	}
	ctx, err := host.buf.Alloc(24)
	require.NoError(t, err)
	require.NoError(t, mem.At(host.buf, ctx).PutUint(4, 9))

	host.backend.invoke(ls[0x4000].enter, ctx, ls[0x4000].user)
	host.backend.invoke(ls[0x5000].enter, ctx, ls[0x5000].user)
	require.EqualValues(t, 1, inner.Inflight())

	host.backend.invoke(ls[0x4000].leave, ctx, ls[0x4000].user)
	require.Zero(t, outer.Inflight())
	require.Zero(t, inner.Inflight(), "the unfinished inner frame is closed too")
	require.Equal(t, []string{"inner", "outer"}, left)
}

func TestNativePatcherUnreadableLeaveContext(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e, host, _ := newNativeFixture(t)
	var left int
	h, err := e.Install(0x4000, nil, func(*Invocation) { left++ })
	require.NoError(t, err)

	l := onlyListener(host)
	ctx, err := host.buf.Alloc(24)
	require.NoError(t, err)
	require.NoError(t, mem.At(host.buf, ctx).PutUint(4, uint64(currentThreadID())))

	host.backend.invoke(l.enter, ctx, l.user)
	require.EqualValues(t, 1, h.Inflight())

	host.backend.invoke(l.leave, 0x10, l.user)
	require.Zero(t, h.Inflight())
	require.Equal(t, 1, left)
	require.NoError(t, e.Uninstall(h))
	require.Equal(t, 1, e.Reclaim())
}

func onlyListener(h *fakeHost) listener {
	var l listener
	for _, cand := range h.listeners {
		l = cand
	}
	return l
}
