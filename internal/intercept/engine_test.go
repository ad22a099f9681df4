package intercept

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"artprobe/internal/layout"
	"artprobe/internal/mem"
)

const target = 0x7100_1000

func newTable(t *testing.T) (*Table, *atomic.Int64) {
	t.Helper()
	tab := NewTable()
	runs := new(atomic.Int64)
	tab.Define(target, func(args []uint64) uint64 {
		runs.Add(1)
		if len(args) > 0 {
			return args[0] * 2
		}
		return 7
	})
	return tab, runs
}

func TestCallBudgetConcurrent(t *testing.T) {
	tab, runs := newTable(t)
	e := New(tab)
	var entered atomic.Int64
	_, err := e.Install(target, func(*Invocation) { entered.Add(1) }, nil, CallBudget(e.State()))
	require.NoError(t, err)

	const goroutines, calls = 16, 200
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range calls {
				if _, err := tab.Call(target); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, DefaultCallBudget, entered.Load())
	require.EqualValues(t, goroutines*calls, runs.Load(), "the real routine runs for every call")
	require.EqualValues(t, DefaultCallBudget, e.State().Count(target))
}

func TestBudgetPerArg(t *testing.T) {
	tab, _ := newTable(t)
	e := New(tab)
	require.NoError(t, e.State().Set(KeyCallBudget, "2"))
	seen := map[uint64]int{}
	var mu sync.Mutex
	_, err := e.Install(target, func(inv *Invocation) {
		mu.Lock()
		seen[inv.Arg(0)]++
		mu.Unlock()
	}, nil, BudgetPerArg(e.State(), 0))
	require.NoError(t, err)

	for range 5 {
		for _, method := range []uint64{0xa0, 0xb0} {
			_, err := tab.Call(target, method)
			require.NoError(t, err)
		}
	}
	require.Equal(t, map[uint64]int{0xa0: 2, 0xb0: 2}, seen)
}

func TestThreadAffinityFiresOnce(t *testing.T) {
	tab, _ := newTable(t)
	e := New(tab)
	require.NoError(t, e.State().Set(KeyThreadID, "42"))
	require.NoError(t, e.State().Set(KeyCallBudget, "-1"))

	var fired []int
	_, err := e.Install(target, func(inv *Invocation) { fired = append(fired, inv.ThreadID()) }, nil,
		CallBudget(e.State()), ThreadAffinity(e.State()))
	require.NoError(t, err)

	for _, tid := range []int{7, 41, 42, 43} {
		_, err := tab.CallOn(tid, target)
		require.NoError(t, err)
	}
	require.Equal(t, []int{42}, fired)

	e.State().OnSettingChanged(KeyThreadID, fmt.Sprint(AnyThread))
	_, err = tab.CallOn(7, target)
	require.NoError(t, err)
	require.Equal(t, []int{42, 7}, fired)
}

func TestNamePrefix(t *testing.T) {
	tab, _ := newTable(t)
	e := New(tab)
	names := map[uint64]string{1: "com.example.Foo.bar", 2: "java.lang.String.length", 3: "com.google.Baz.qux"}
	nameOf := func(inv *Invocation) (string, error) {
		n, ok := names[inv.Arg(0)]
		if !ok {
			return "", errors.New("unknown method")
		}
		return n, nil
	}
	var got []string
	_, err := e.Install(target, func(inv *Invocation) {
		n, _ := nameOf(inv)
		got = append(got, n)
	}, nil, NamePrefix(e.State(), nameOf))
	require.NoError(t, err)

	call := func(args ...uint64) {
		_, err := tab.Call(target, args...)
		require.NoError(t, err)
	}
	call(1)
	call(2)
	require.Len(t, got, 2, "no prefixes lets everything through")

	require.NoError(t, e.State().Set(KeyNamePrefix, "com.example, com.google"))
	got = nil
	call(1)
	call(2)
	call(3)
	call(9)
	require.Equal(t, []string{"com.example.Foo.bar", "com.google.Baz.qux"}, got)
}

func TestDisabledStillRunsRoutine(t *testing.T) {
	tab, runs := newTable(t)
	e := New(tab)
	var entered, left int
	_, err := e.Install(target, func(*Invocation) { entered++ }, func(*Invocation) { left++ }, Disabled())
	require.NoError(t, err)

	ret, err := tab.Call(target, 21)
	require.NoError(t, err)
	require.EqualValues(t, 42, ret)
	require.EqualValues(t, 1, runs.Load())
	require.Zero(t, entered)
	require.Zero(t, left)
}

func TestInstallErrors(t *testing.T) {
	tab, _ := newTable(t)

	e := New(tab)
	_, err := e.Install(target, nil, nil)
	require.NoError(t, err)
	_, err = e.Install(target, nil, nil)
	require.ErrorIs(t, err, ErrAlreadyInstalled)

	_, err = e.Install(0x9999, nil, nil)
	require.ErrorIs(t, err, ErrAddressNotHookable)
	require.ErrorIs(t, err, ErrNoRoutine)
	var he *HookError
	require.ErrorAs(t, err, &he)
	require.EqualValues(t, 0x9999, he.Addr)

	nx := New(NewTable(), WithRegions(regionFunc(func(uint64) (bool, error) { return false, nil })))
	_, err = nx.Install(target, nil, nil)
	require.ErrorIs(t, err, ErrAddressNotHookable)
}

type regionFunc func(uint64) (bool, error)

func (f regionFunc) Executable(addr uint64) (bool, error) { return f(addr) }

func TestUninstallWithInflightCall(t *testing.T) {
	tab := NewTable()
	release := make(chan struct{})
	tab.Define(target, func([]uint64) uint64 {
		<-release
		return 1
	})
	e := New(tab)
	require.NoError(t, e.State().Set(KeyCallBudget, "-1"))
	var entered, left atomic.Int64
	h, err := e.Install(target,
		func(*Invocation) { entered.Add(1) },
		func(*Invocation) { left.Add(1) })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tab.Call(target)
	}()
	require.Eventually(t, func() bool { return h.Inflight() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, e.Uninstall(h))
	require.Equal(t, Uninstalled, h.State())
	require.NoError(t, e.Uninstall(h), "second uninstall is a no-op")
	require.Zero(t, e.Reclaim(), "in-flight hook must not be released")
	require.Equal(t, 1, e.Pending())

	close(release)
	<-done
	require.EqualValues(t, 1, entered.Load())
	require.EqualValues(t, 1, left.Load(), "a call that entered also leaves")
	require.Zero(t, h.Inflight())

	_, err = tab.Call(target)
	require.NoError(t, err)
	require.EqualValues(t, 1, entered.Load(), "detached hook sees no new calls")

	require.Equal(t, 1, e.Reclaim())
	require.True(t, h.Released())
	require.EqualValues(t, 1, tab.Released())
	require.Zero(t, e.Pending())

	_, err = e.Install(target, nil, nil)
	require.NoError(t, err, "target can be hooked again")
}

// stubbornPatcher wraps a Table and fails the first detach.
type stubbornPatcher struct {
	*Table
	fails    atomic.Int64
	released atomic.Int64
}

type stubbornAttachment struct {
	Attachment
	p *stubbornPatcher
}

func (p *stubbornPatcher) Attach(addr uint64, h Hooks) (Attachment, error) {
	att, err := p.Table.Attach(addr, h)
	if err != nil {
		return nil, err
	}
	return &stubbornAttachment{Attachment: att, p: p}, nil
}

func (a *stubbornAttachment) Detach() error {
	if a.p.fails.Add(-1) >= 0 {
		return errors.New("patch busy")
	}
	return a.Attachment.Detach()
}

func (a *stubbornAttachment) Release() error {
	a.p.released.Add(1)
	return a.Attachment.Release()
}

func TestUninstallDetachFailureKeepsHook(t *testing.T) {
	tab, runs := newTable(t)
	p := &stubbornPatcher{Table: tab}
	p.fails.Store(1)
	e := New(p)
	require.NoError(t, e.State().Set(KeyCallBudget, "-1"))
	var entered atomic.Int64
	h, err := e.Install(target, func(*Invocation) { entered.Add(1) }, nil)
	require.NoError(t, err)

	require.Error(t, e.Uninstall(h))
	require.Equal(t, Installed, h.State())
	require.Zero(t, e.Pending())
	require.Zero(t, e.Reclaim(), "a live patch is never released")
	require.Zero(t, p.released.Load())
	_, ok := e.Lookup(target)
	require.True(t, ok)

	_, err = tab.Call(target, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, entered.Load(), "hook still runs after a failed detach")

	require.NoError(t, e.Uninstall(h), "uninstall can be retried")
	require.Equal(t, Uninstalled, h.State())
	require.Equal(t, 1, e.Reclaim())
	require.EqualValues(t, 1, p.released.Load())

	_, err = tab.Call(target, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, entered.Load())
	require.EqualValues(t, 2, runs.Load())
}

func TestPanicRecovered(t *testing.T) {
	tab, runs := newTable(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := New(tab, WithMetrics(m))
	_, err := e.Install(target,
		func(*Invocation) { panic("boom") },
		func(inv *Invocation) { inv.SetReturn(inv.Return() + 1) })
	require.NoError(t, err)

	ret, err := tab.Call(target, 5)
	require.NoError(t, err)
	require.EqualValues(t, 11, ret, "onLeave still runs after onEnter panicked")
	require.EqualValues(t, 1, runs.Load())

	label := fmt.Sprintf("0x%x", target)
	require.EqualValues(t, 1, testutil.ToFloat64(m.Panics.WithLabelValues(label)))
	require.EqualValues(t, 1, testutil.ToFloat64(m.Calls.WithLabelValues(label)))
}

func TestFilteredMetric(t *testing.T) {
	tab, _ := newTable(t)
	m := NewMetrics(nil)
	e := New(tab, WithMetrics(m))
	require.NoError(t, e.State().Set(KeyCallBudget, "1"))
	_, err := e.Install(target, nil, nil, CallBudget(e.State()))
	require.NoError(t, err)
	for range 3 {
		_, err := tab.Call(target)
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, testutil.ToFloat64(m.Filtered.WithLabelValues(fmt.Sprintf("0x%x", target), "budget")))
}

func TestFilterStateSet(t *testing.T) {
	s := NewFilterState()
	require.EqualValues(t, DefaultCallBudget, s.Budget())
	require.EqualValues(t, AnyThread, s.ThreadID())
	require.Empty(t, s.Prefixes())

	require.Error(t, s.Set(KeyCallBudget, "many"))
	require.EqualValues(t, DefaultCallBudget, s.Budget(), "bad values leave state unchanged")
	require.NoError(t, s.Set("somethingElse", "x"))
	require.NoError(t, s.Set(KeyThreadID, "0x10"))
	require.EqualValues(t, 16, s.ThreadID())
	require.NoError(t, s.Set(KeyNamePrefix, ""))
	require.Empty(t, s.Prefixes())

	require.True(t, s.take(1))
	s.ResetCounts()
	require.Zero(t, s.Count(1))
}

func TestInvocationView(t *testing.T) {
	reg, err := layout.Builtin(8)
	require.NoError(t, err)
	buf := mem.NewBuffer(0x5000, make([]byte, 64))
	require.NoError(t, mem.At(buf, 0x5000+12).PutUint(4, 1234))

	tab, _ := newTable(t)
	e := New(tab, WithLayouts(reg, 29, buf))
	var idx uint64
	_, err = e.Install(target, func(inv *Invocation) {
		v, err := inv.View(0, "art::ArtMethod")
		if err == nil {
			idx, _ = v.Uint("dex_method_index_")
		}
	}, nil)
	require.NoError(t, err)
	_, err = tab.Call(target, 0x5000)
	require.NoError(t, err)
	require.EqualValues(t, 1234, idx)
}
