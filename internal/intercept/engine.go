// Package intercept attaches programmable enter/leave logic to native entry
// points. A filter chain gates the user logic of every call; the hooked
// routine itself always runs.
package intercept

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"artprobe/internal/layout"
	"artprobe/internal/mem"
)

var (
	// ErrAddressNotHookable means the target is not executable or the
	// patcher refused it.
	ErrAddressNotHookable = errors.New("address not hookable")
	// ErrAlreadyInstalled means the target already carries a hook from
	// this engine.
	ErrAlreadyInstalled = errors.New("hook already installed")
)

// HookError names the target that could not be hooked.
type HookError struct {
	Addr   uint64
	Reason string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("0x%x: %v: %s", e.Addr, ErrAddressNotHookable, e.Reason)
}

func (e *HookError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAddressNotHookable}
	}
	return []error{ErrAddressNotHookable, e.Err}
}

// EnterFunc and LeaveFunc are user logic run around the hooked routine.
type (
	EnterFunc func(inv *Invocation)
	LeaveFunc func(inv *Invocation)
)

// Hooks is what a patcher calls around the real routine. Every Enter is
// followed by exactly one Leave for the returned invocation.
type Hooks interface {
	Enter(target uint64, args []uint64, threadID int) *Invocation
	Leave(inv *Invocation, ret uint64) uint64
}

// Attachment is a patch in place.
type Attachment interface {
	// Detach stops new calls from reaching the hooks.
	Detach() error
	// Release frees trampolines. It is called only once no call is inside
	// the hooks.
	Release() error
}

// Patcher is the host hook primitive.
type Patcher interface {
	Attach(target uint64, h Hooks) (Attachment, error)
}

// RegionQuery answers whether an address is executable.
type RegionQuery interface {
	Executable(addr uint64) (bool, error)
}

// State of a registration.
type State int32

const (
	Installed State = iota
	Uninstalled
)

func (s State) String() string {
	if s == Installed {
		return "installed"
	}
	return "uninstalled"
}

// Handle is one installed hook.
type Handle struct {
	Target uint64

	engine   *Engine
	label    string
	onEnter  EnterFunc
	onLeave  LeaveFunc
	filters  []Filter
	att      Attachment
	state    atomic.Int32
	inflight atomic.Int64
	released bool
}

// State returns Installed or Uninstalled.
func (h *Handle) State() State { return State(h.state.Load()) }

// Released reports whether Reclaim freed the hook's trampolines.
func (h *Handle) Released() bool {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	return h.released
}

// Inflight is the number of calls currently between Enter and Leave.
func (h *Handle) Inflight() int64 { return h.inflight.Load() }

// Enter runs the filter chain and, when every filter allows, onEnter.
func (h *Handle) Enter(target uint64, args []uint64, threadID int) *Invocation {
	h.inflight.Add(1)
	inv := &Invocation{Target: target, args: args, threadID: threadID, engine: h.engine}
	m := h.engine.metrics
	if m != nil {
		m.Calls.WithLabelValues(h.label).Inc()
	}
	if h.State() != Installed {
		return inv
	}
	inv.allowed = true
	for _, f := range h.filters {
		if !h.safeAllow(f, inv) {
			inv.allowed = false
			if m != nil {
				m.Filtered.WithLabelValues(h.label, f.Name()).Inc()
			}
			break
		}
	}
	if inv.allowed && h.onEnter != nil {
		h.run("onEnter", func() { h.onEnter(inv) })
	}
	return inv
}

// Leave runs onLeave for allowed calls and returns the value the caller
// should see. A call whose onEnter ran gets its onLeave even if the hook
// was uninstalled in between.
func (h *Handle) Leave(inv *Invocation, ret uint64) uint64 {
	defer h.inflight.Add(-1)
	inv.ret = ret
	if inv.allowed && h.onLeave != nil {
		h.run("onLeave", func() { h.onLeave(inv) })
	}
	return inv.ret
}

func (h *Handle) safeAllow(f Filter, inv *Invocation) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.recovered("filter "+f.Name(), r)
			ok = false
		}
	}()
	return f.Allow(inv)
}

func (h *Handle) run(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.recovered(what, r)
		}
	}()
	fn()
}

func (h *Handle) recovered(what string, r any) {
	slog.Error(fmt.Sprintf("Panic in %s", what),
		"target", h.label,
		"panic", r,
		"stack", string(debug.Stack()))
	if m := h.engine.metrics; m != nil {
		m.Panics.WithLabelValues(h.label).Inc()
	}
}

// Engine installs hooks through a patcher.
type Engine struct {
	patcher Patcher
	regions RegionQuery
	state   *FilterState
	metrics *Metrics

	layouts *layout.Registry
	version int
	memory  mem.Accessor

	mu        sync.Mutex
	installed map[uint64]*Handle
	retired   []*Handle
}

type Option func(*Engine)

// WithRegions rejects targets outside executable mappings.
func WithRegions(q RegionQuery) Option { return func(e *Engine) { e.regions = q } }

// WithMetrics counts calls, filtered calls and recovered panics.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithFilterState shares state between engines.
func WithFilterState(s *FilterState) Option { return func(e *Engine) { e.state = s } }

// WithLayouts lets Invocation.View read arguments as versioned structures.
func WithLayouts(r *layout.Registry, version int, m mem.Accessor) Option {
	return func(e *Engine) {
		e.layouts, e.version, e.memory = r, version, m
	}
}

// New returns an engine that patches through p.
func New(p Patcher, opts ...Option) *Engine {
	e := &Engine{patcher: p, installed: make(map[uint64]*Handle)}
	for _, o := range opts {
		o(e)
	}
	if e.state == nil {
		e.state = NewFilterState()
	}
	return e
}

// State is the filter state shared by this engine's hooks.
func (e *Engine) State() *FilterState { return e.state }

// Install hooks target. Filters run in order before onEnter; the first
// rejection skips both callbacks for that call. Either callback may be nil.
func (e *Engine) Install(target uint64, onEnter EnterFunc, onLeave LeaveFunc, filters ...Filter) (*Handle, error) {
	if target == 0 {
		return nil, &HookError{Addr: target, Reason: "null address"}
	}
	if e.regions != nil {
		exec, err := e.regions.Executable(target)
		if err != nil {
			return nil, &HookError{Addr: target, Reason: "region lookup failed", Err: err}
		}
		if !exec {
			return nil, &HookError{Addr: target, Reason: "not in an executable mapping"}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.installed[target]; dup {
		return nil, fmt.Errorf("0x%x: %w", target, ErrAlreadyInstalled)
	}
	h := &Handle{
		Target:  target,
		engine:  e,
		label:   fmt.Sprintf("0x%x", target),
		onEnter: onEnter,
		onLeave: onLeave,
		filters: filters,
	}
	att, err := e.patcher.Attach(target, h)
	if err != nil {
		return nil, &HookError{Addr: target, Reason: "patcher refused", Err: err}
	}
	h.att = att
	e.installed[target] = h
	slog.Debug("hook installed", "target", h.label, "filters", len(filters))
	return h, nil
}

// Uninstall detaches h at once. Calls already inside the hook finish
// normally; trampolines are freed by a later Reclaim. A second call is a
// no-op. When the patcher fails to detach, h stays installed and the call
// may be retried.
func (e *Engine) Uninstall(h *Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h.State() != Installed {
		return nil
	}
	if err := h.att.Detach(); err != nil {
		return fmt.Errorf("detach 0x%x: %w", h.Target, err)
	}
	h.state.Store(int32(Uninstalled))
	delete(e.installed, h.Target)
	e.retired = append(e.retired, h)
	slog.Debug("hook uninstalled", "target", h.label, "inflight", h.Inflight())
	return nil
}

// Reclaim releases uninstalled hooks that no call is executing and returns
// how many were released.
func (e *Engine) Reclaim() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	keep := e.retired[:0]
	for _, h := range e.retired {
		if h.Inflight() > 0 {
			keep = append(keep, h)
			continue
		}
		if err := h.att.Release(); err != nil {
			slog.Warn("release hook", "target", h.label, "err", err)
		}
		h.released = true
		n++
	}
	clear(e.retired[len(keep):])
	e.retired = keep
	return n
}

// Pending is the number of uninstalled hooks not yet reclaimed.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retired)
}

// Lookup returns the hook installed at target.
func (e *Engine) Lookup(target uint64) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.installed[target]
	return h, ok
}

// Close uninstalls every hook and reclaims what it can.
func (e *Engine) Close() error {
	e.mu.Lock()
	hs := make([]*Handle, 0, len(e.installed))
	for _, h := range e.installed {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	var errs *multierror.Error
	for _, h := range hs {
		if err := e.Uninstall(h); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	e.Reclaim()
	return errs.ErrorOrNil()
}
