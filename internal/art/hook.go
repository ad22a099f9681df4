package art

import (
	"fmt"
	"log/slog"
	"os"

	"artprobe/internal/intercept"
)

// InvokeFunc observes an ArtMethod::Invoke call that passed every filter.
type InvokeFunc func(pid, tid int, m *Method, name string)

// NameOf is the name filter's view of a hooked call: the pretty name of
// the ArtMethod in the first argument. The name is kept in inv.State so
// later stages do not call into the target again.
func (rt *Runtime) NameOf(inv *intercept.Invocation) (string, error) {
	if name, ok := inv.State.(string); ok {
		return name, nil
	}
	m, err := rt.Method(inv.Arg(0))
	if err != nil {
		return "", err
	}
	name, err := m.PrettyMethod(false)
	if err != nil {
		return "", err
	}
	inv.State = name
	return name, nil
}

// HookInvoke hooks art::ArtMethod::Invoke. Each method passes at most the
// budget in e's filter state, only on the selected thread, and only when
// its name matches a configured prefix. Passing calls are logged as
// "Called [pid|tid] -> name" and handed to report when it is not nil.
func HookInvoke(rt *Runtime, e *intercept.Engine, report InvokeFunc) (*intercept.Handle, error) {
	addr, err := rt.Symbol(SymInvoke)
	if err != nil {
		return nil, err
	}
	pid := os.Getpid()
	state := e.State()

	onEnter := func(inv *intercept.Invocation) {
		m, err := rt.Method(inv.Arg(0))
		if err != nil {
			slog.Debug("invoke: bad ArtMethod", "addr", fmt.Sprintf("0x%x", inv.Arg(0)), "err", err)
			return
		}
		name, err := rt.NameOf(inv)
		if err != nil {
			slog.Debug("invoke: PrettyMethod", "method", fmt.Sprintf("0x%x", m.Addr()), "err", err)
			name = fmt.Sprintf("ArtMethod@0x%x", m.Addr())
		}
		slog.Info(fmt.Sprintf("Called [%d|%d] -> %s", pid, inv.ThreadID(), name))
		if report != nil {
			report(pid, inv.ThreadID(), m, name)
		}
	}
	return e.Install(addr, onEnter, nil,
		intercept.BudgetPerArg(state, 0),
		intercept.ThreadAffinity(state),
		intercept.NamePrefix(state, rt.NameOf),
	)
}
