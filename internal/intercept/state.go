package intercept

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Setting keys understood by FilterState.
const (
	KeyCallBudget = "filterTimes"
	KeyThreadID   = "filterThreadId"
	KeyNamePrefix = "filterMethodName"
)

const (
	// DefaultCallBudget is how many times each key passes CallBudget.
	DefaultCallBudget = 5
	// AnyThread disables ThreadAffinity.
	AnyThread = -1
)

// FilterState holds the values filters consult on every call. It is shared
// by all hooks of an engine, read without locks from hook context, and
// changed only through Set.
type FilterState struct {
	budget   atomic.Int64
	threadID atomic.Int64
	prefixes atomic.Pointer[[]string]

	counters sync.Map // uint64 -> *atomic.Int64
}

// NewFilterState returns state with a budget of DefaultCallBudget, any
// thread, and no name prefixes.
func NewFilterState() *FilterState {
	s := &FilterState{}
	s.budget.Store(DefaultCallBudget)
	s.threadID.Store(AnyThread)
	s.prefixes.Store(&[]string{})
	return s
}

// Set applies one setting. Unknown keys are ignored so a shared settings
// channel can carry keys for other consumers.
func (s *FilterState) Set(key, value string) error {
	switch key {
	case KeyCallBudget:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 0, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s.budget.Store(n)
	case KeyThreadID:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 0, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s.threadID.Store(n)
	case KeyNamePrefix:
		var list []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		s.prefixes.Store(&list)
	default:
		return nil
	}
	slog.Debug("filter state changed", "key", key, "value", value)
	return nil
}

// OnSettingChanged applies a setting pushed by a settings store.
func (s *FilterState) OnSettingChanged(key, value string) {
	if err := s.Set(key, value); err != nil {
		slog.Warn("rejected filter setting", "key", key, "value", value, "err", err)
	}
}

// Budget is the per-key call budget. Negative means unlimited.
func (s *FilterState) Budget() int64 { return s.budget.Load() }

// ThreadID is the only thread ThreadAffinity lets through, or AnyThread.
func (s *FilterState) ThreadID() int64 { return s.threadID.Load() }

// Prefixes are the name prefixes NamePrefix accepts. Empty accepts all.
func (s *FilterState) Prefixes() []string { return *s.prefixes.Load() }

func (s *FilterState) counter(key uint64) *atomic.Int64 {
	if c, ok := s.counters.Load(key); ok {
		return c.(*atomic.Int64)
	}
	c, _ := s.counters.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// take consumes one unit of key's budget. It never lets more than Budget
// calls through for a key, however many threads race on it.
func (s *FilterState) take(key uint64) bool {
	limit := s.budget.Load()
	if limit < 0 {
		return true
	}
	c := s.counter(key)
	for {
		n := c.Load()
		if n >= limit {
			return false
		}
		if c.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Count returns how many calls key has been let through.
func (s *FilterState) Count(key uint64) int64 {
	if c, ok := s.counters.Load(key); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// ResetCounts clears every budget counter.
func (s *FilterState) ResetCounts() {
	s.counters.Range(func(k, _ any) bool {
		s.counters.Delete(k)
		return true
	})
}
