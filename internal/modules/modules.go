// Package modules answers module and address-space questions about a live
// process: which shared objects are mapped, where they are loaded, where a
// symbol of theirs lives at runtime, and whether an address is executable.
package modules

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/procfs"

	"artprobe/internal/elfx"
)

var (
	ErrNotLoaded = errors.New("module not loaded")
	ErrNoSymbol  = errors.New("symbol not in module")
	ErrUnmapped  = errors.New("address not mapped")
)

// DefaultImageCache is the number of parsed ELF images kept open.
const DefaultImageCache = 16

// Region is one line of the process memory map.
type Region struct {
	Start, End uint64
	Read       bool
	Write      bool
	Exec       bool
	Offset     int64
	Path       string
}

func (r Region) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

func (r Region) Perms() string {
	b := []byte("---")
	if r.Read {
		b[0] = 'r'
	}
	if r.Write {
		b[1] = 'w'
	}
	if r.Exec {
		b[2] = 'x'
	}
	return string(b)
}

// Module is a file-backed object mapped into the process.
type Module struct {
	Name    string
	Path    string
	Base    uint64
	End     uint64
	Regions []Region
}

// MapsFunc returns the current memory map of the process.
type MapsFunc func() ([]*procfs.ProcMap, error)

// OpenFunc parses the ELF file at path.
type OpenFunc func(path string) (*elfx.Image, error)

type Option func(*Process)

// WithMaps replaces the /proc/<pid>/maps reader.
func WithMaps(fn MapsFunc) Option { return func(p *Process) { p.maps = fn } }

// WithOpener replaces elfx.Open, for example to read files out of a pulled
// device image.
func WithOpener(fn OpenFunc) Option { return func(p *Process) { p.open = fn } }

// WithImageCache sets how many parsed images stay open.
func WithImageCache(n int) Option { return func(p *Process) { p.cacheSize = n } }

// Process is the module view of one pid.
type Process struct {
	Pid int

	maps      MapsFunc
	open      OpenFunc
	cacheSize int

	mu     sync.Mutex
	images *lru.Cache[string, *elfx.Image]
}

// New returns a view of pid read through procfs.
func New(pid int, opts ...Option) (*Process, error) {
	p := &Process{Pid: pid, open: elfx.Open, cacheSize: DefaultImageCache}
	for _, o := range opts {
		o(p)
	}
	if p.maps == nil {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return nil, fmt.Errorf("open procfs: %w", err)
		}
		proc, err := fs.Proc(pid)
		if err != nil {
			return nil, fmt.Errorf("error opening process %d: %w", pid, err)
		}
		p.maps = proc.ProcMaps
	}
	cache, err := lru.NewWithEvict(p.cacheSize, func(path string, im *elfx.Image) {
		if err := im.Close(); err != nil {
			slog.Debug("close image", "path", path, "err", err)
		}
	})
	if err != nil {
		return nil, err
	}
	p.images = cache
	return p, nil
}

// Close releases every cached image.
func (p *Process) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.images.Purge()
}

// Regions returns the memory map sorted by address.
func (p *Process) Regions() ([]Region, error) {
	maps, err := p.maps()
	if err != nil {
		return nil, fmt.Errorf("error reading process %d memory maps: %w", p.Pid, err)
	}
	out := make([]Region, 0, len(maps))
	for _, m := range maps {
		r := Region{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: m.Offset,
			Path:   m.Pathname,
		}
		if m.Perms != nil {
			r.Read, r.Write, r.Exec = m.Perms.Read, m.Perms.Write, m.Perms.Execute
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b Region) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return out, nil
}

// Modules groups file-backed regions by path.
func (p *Process) Modules() ([]Module, error) {
	regions, err := p.Regions()
	if err != nil {
		return nil, err
	}
	var out []Module
	index := make(map[string]int)
	for _, r := range regions {
		if r.Path == "" || r.Path[0] == '[' {
			continue
		}
		i, ok := index[r.Path]
		if !ok {
			i = len(out)
			index[r.Path] = i
			out = append(out, Module{Name: filepath.Base(r.Path), Path: r.Path, Base: r.Start})
		}
		m := &out[i]
		m.Base = min(m.Base, r.Start)
		m.End = max(m.End, r.End)
		m.Regions = append(m.Regions, r)
	}
	return out, nil
}

// Module finds a mapped module by file name or full path.
func (p *Process) Module(name string) (Module, error) {
	mods, err := p.Modules()
	if err != nil {
		return Module{}, err
	}
	for _, m := range mods {
		if m.Path == name || m.Name == name {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("%s: %w", name, ErrNotLoaded)
}

// Region returns the mapping containing addr.
func (p *Process) Region(addr uint64) (Region, error) {
	regions, err := p.Regions()
	if err != nil {
		return Region{}, err
	}
	i, found := slices.BinarySearchFunc(regions, addr, func(r Region, a uint64) int {
		switch {
		case r.End <= a:
			return -1
		case r.Start > a:
			return 1
		}
		return 0
	})
	if !found {
		return Region{}, fmt.Errorf("0x%x: %w", addr, ErrUnmapped)
	}
	return regions[i], nil
}

// Executable reports whether addr lies in an executable mapping.
func (p *Process) Executable(addr uint64) (bool, error) {
	r, err := p.Region(addr)
	if errors.Is(err, ErrUnmapped) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.Exec, nil
}

// WithImage runs fn with the parsed ELF image of path. The image may be
// evicted and closed once fn returns.
func (p *Process) WithImage(path string, fn func(*elfx.Image) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	im, ok := p.images.Get(path)
	if !ok {
		var err error
		if im, err = p.open(path); err != nil {
			return err
		}
		p.images.Add(path, im)
	}
	return fn(im)
}

// Bias returns the load bias of m: runtime address minus link-time address.
func (p *Process) Bias(m Module) (uint64, error) {
	var bias uint64
	err := p.WithImage(m.Path, func(im *elfx.Image) error {
		bias = m.Base - im.MinVaddr()
		return nil
	})
	return bias, err
}

// FindExport returns the runtime address of an exported symbol of module.
func (p *Process) FindExport(module, symbol string) (uint64, error) {
	return p.find(module, symbol, (*elfx.Image).LookupExported)
}

// FindInternal returns the runtime address of a non-exported symbol of
// module.
func (p *Process) FindInternal(module, symbol string) (uint64, error) {
	return p.find(module, symbol, (*elfx.Image).LookupInternal)
}

func (p *Process) find(module, symbol string, lookup func(*elfx.Image, string) (elfx.Symbol, bool)) (uint64, error) {
	m, err := p.Module(module)
	if err != nil {
		return 0, err
	}
	var addr uint64
	err = p.WithImage(m.Path, func(im *elfx.Image) error {
		sym, ok := lookup(im, symbol)
		if !ok {
			return fmt.Errorf("%s!%s: %w", module, symbol, ErrNoSymbol)
		}
		addr = m.Base - im.MinVaddr() + sym.Addr
		return nil
	})
	return addr, err
}

// Symbolize names the module and symbol containing a runtime address.
func (p *Process) Symbolize(addr uint64) (string, error) {
	r, err := p.Region(addr)
	if err != nil {
		return "", err
	}
	if r.Path == "" {
		return fmt.Sprintf("0x%x", addr), nil
	}
	m, err := p.Module(r.Path)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s+0x%x", m.Name, addr-m.Base)
	err = p.WithImage(m.Path, func(im *elfx.Image) error {
		va := addr - (m.Base - im.MinVaddr())
		if sym, ok := im.SymbolAt(va); ok {
			name = fmt.Sprintf("%s!%s+0x%x", m.Name, elfx.Demangle(sym.Name), va-sym.Addr)
		}
		return nil
	})
	return name, err
}
