package layout

import (
	"fmt"
	"sort"
	"sync"

	"artprobe/internal/mem"
)

// Registry holds descriptors for one pointer width. It is safe for
// concurrent use.
type Registry struct {
	ptrSize int

	mu    sync.RWMutex
	kinds map[string][]*Descriptor
}

// NewRegistry returns an empty registry for ptrSize-byte pointers.
func NewRegistry(ptrSize int) *Registry {
	return &Registry{ptrSize: ptrSize, kinds: make(map[string][]*Descriptor)}
}

// PointerSize returns the width the registry is pinned to.
func (r *Registry) PointerSize() int { return r.ptrSize }

// Register validates d, pins it to the registry's pointer width and adds it.
// A descriptor whose version range overlaps an existing descriptor of the
// same kind is rejected.
func (r *Registry) Register(d *Descriptor) error {
	if d.PointerSize == 0 {
		for _, f := range d.Fields {
			if f.Type.PointerSized() {
				return fmt.Errorf("%s (%s): %w: field %q is pointer-sized in a width-independent layout",
					d.Kind, d.Range(), ErrInvalidDescriptor, f.Name)
			}
		}
	}
	pinned, err := d.forWidth(r.ptrSize)
	if err != nil {
		return err
	}
	if err := pinned.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.kinds[d.Kind] {
		if rangesOverlap(other, pinned) {
			return fmt.Errorf("%s: %w: versions %s overlap %s",
				d.Kind, ErrInvalidDescriptor, pinned.Range(), other.Range())
		}
	}
	list := append(r.kinds[d.Kind], pinned)
	sort.Slice(list, func(i, j int) bool { return list[i].MinVersion < list[j].MinVersion })
	r.kinds[d.Kind] = list
	return nil
}

func rangesOverlap(a, b *Descriptor) bool {
	aHi, bHi := a.MaxVersion, b.MaxVersion
	if aHi == 0 {
		aHi = int(^uint(0) >> 1)
	}
	if bHi == 0 {
		bHi = int(^uint(0) >> 1)
	}
	return a.MinVersion <= bHi && b.MinVersion <= aHi
}

// Descriptor returns the layout of kind at version.
func (r *Registry) Descriptor(kind string, version int) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.kinds[kind]
	for _, d := range list {
		if d.Covers(version) {
			return d, nil
		}
	}
	known := make([]string, 0, len(list))
	for _, d := range list {
		known = append(known, d.Range())
	}
	return nil, &VersionError{Kind: kind, Version: version, Known: known}
}

// Kinds lists the registered structure kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Descriptors lists every descriptor registered for kind, ordered by version.
func (r *Registry) Descriptors(kind string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Descriptor(nil), r.kinds[kind]...)
}

// ResolveOffset returns the byte offset and width of field in kind at
// version.
func (r *Registry) ResolveOffset(kind string, version int, field string) (uint64, int, error) {
	d, err := r.Descriptor(kind, version)
	if err != nil {
		return 0, 0, err
	}
	f, ok := d.Field(field)
	if !ok {
		return 0, 0, &FieldError{Kind: kind, Version: version, Field: field}
	}
	return f.Offset, f.Width, nil
}

// FieldView returns an accessor for field of the structure at h.
func (r *Registry) FieldView(h mem.Handle, kind string, version int, field string) (Field, error) {
	v, err := r.View(h, kind, version)
	if err != nil {
		return Field{}, err
	}
	return v.Field(field)
}

// View binds the structure at h to the layout of kind at version.
func (r *Registry) View(h mem.Handle, kind string, version int) (View, error) {
	d, err := r.Descriptor(kind, version)
	if err != nil {
		return View{}, err
	}
	return View{Handle: h, Desc: d, Version: version}, nil
}

// View is a structure instance bound to its descriptor.
type View struct {
	Handle  mem.Handle
	Desc    *Descriptor
	Version int
}

// Field returns an accessor for the named field.
func (v View) Field(name string) (Field, error) {
	f, ok := v.Desc.Field(name)
	if !ok {
		return Field{}, &FieldError{Kind: v.Desc.Kind, Version: v.Version, Field: name}
	}
	return Field{Spec: f, Handle: v.Handle.Add(f.Offset), ptrSize: v.Desc.PointerSize}, nil
}

// Uint reads the named integer field.
func (v View) Uint(name string) (uint64, error) {
	f, err := v.Field(name)
	if err != nil {
		return 0, err
	}
	return f.Uint()
}

// Pointer dereferences the named pointer field.
func (v View) Pointer(name string) (mem.Handle, error) {
	f, err := v.Field(name)
	if err != nil {
		return mem.Handle{}, err
	}
	return f.Pointer()
}

// Text reads the named string field.
func (v View) Text(name string) (string, error) {
	f, err := v.Field(name)
	if err != nil {
		return "", err
	}
	return f.Text()
}

// Has reports whether the layout declares name. Fields that appear in only
// some releases are probed this way.
func (v View) Has(name string) bool {
	_, ok := v.Desc.Field(name)
	return ok
}
