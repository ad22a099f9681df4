package intercept

import (
	"log/slog"
	"strings"
)

// Filter decides whether user logic runs for one call. Filters must be safe
// for concurrent use and must not block.
type Filter interface {
	Name() string
	Allow(inv *Invocation) bool
}

type funcFilter struct {
	name string
	fn   func(*Invocation) bool
}

func (f funcFilter) Name() string               { return f.name }
func (f funcFilter) Allow(inv *Invocation) bool { return f.fn(inv) }

// FilterFunc adapts a function into a named Filter.
func FilterFunc(name string, fn func(*Invocation) bool) Filter {
	return funcFilter{name: name, fn: fn}
}

// CallBudget lets each hooked target through at most state.Budget() times.
func CallBudget(state *FilterState) Filter {
	return FilterFunc("budget", func(inv *Invocation) bool {
		return state.take(inv.Target)
	})
}

// BudgetPerArg keys the budget by argument i instead of the target, so a
// shared entry point such as a method dispatcher is limited per callee.
func BudgetPerArg(state *FilterState, i int) Filter {
	return FilterFunc("budget", func(inv *Invocation) bool {
		return state.take(inv.Arg(i))
	})
}

// ThreadAffinity lets through calls on state.ThreadID(), or every call when
// it is AnyThread.
func ThreadAffinity(state *FilterState) Filter {
	return FilterFunc("thread", func(inv *Invocation) bool {
		want := state.ThreadID()
		return want == AnyThread || int64(inv.ThreadID()) == want
	})
}

// NameFunc names the entity a call acts on, for example the managed method
// an interpreter entry point is about to run.
type NameFunc func(inv *Invocation) (string, error)

// NamePrefix lets through calls whose name starts with one of
// state.Prefixes(). An empty prefix list lets everything through without
// calling name.
func NamePrefix(state *FilterState, name NameFunc) Filter {
	return FilterFunc("name", func(inv *Invocation) bool {
		prefixes := state.Prefixes()
		if len(prefixes) == 0 {
			return true
		}
		n, err := name(inv)
		if err != nil {
			slog.Debug("name filter", "target", inv.Target, "err", err)
			return false
		}
		for _, p := range prefixes {
			if strings.HasPrefix(n, p) {
				return true
			}
		}
		return false
	})
}

// Disabled rejects every call. It is how a hook is silenced without being
// uninstalled.
func Disabled() Filter {
	return FilterFunc("disabled", func(*Invocation) bool { return false })
}
