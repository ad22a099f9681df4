package layout

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// FieldSpec declares one field of a structure.
type FieldSpec struct {
	Name   string
	Offset uint64
	Type   Kind
	Width  int
	// AliasOf names another field sharing the same storage (a C++ union
	// member). Aliases are exempt from the overlap check.
	AliasOf string
}

// End returns the first offset past the field.
func (f FieldSpec) End() uint64 { return f.Offset + uint64(f.Width) }

// Descriptor is the layout of one structure kind over a range of runtime
// versions at one pointer width.
type Descriptor struct {
	Kind string
	// MinVersion and MaxVersion bound the versions the layout applies to,
	// inclusive. A zero MaxVersion is open-ended.
	MinVersion int
	MaxVersion int
	// PointerSize is 4 or 8. Zero marks a width-independent layout that
	// declares no pointer-sized fields.
	PointerSize int
	Size        uint64
	Fields      []FieldSpec

	byName map[string]int
}

// Covers reports whether version falls in the descriptor's range.
func (d *Descriptor) Covers(version int) bool {
	if version < d.MinVersion {
		return false
	}
	return d.MaxVersion == 0 || version <= d.MaxVersion
}

// Range formats the version range.
func (d *Descriptor) Range() string {
	switch {
	case d.MaxVersion == 0:
		return fmt.Sprintf("%d+", d.MinVersion)
	case d.MinVersion == d.MaxVersion:
		return fmt.Sprintf("%d", d.MinVersion)
	}
	return fmt.Sprintf("%d-%d", d.MinVersion, d.MaxVersion)
}

// Field returns the named field.
func (d *Descriptor) Field(name string) (FieldSpec, bool) {
	if d.byName == nil {
		d.index()
	}
	i, ok := d.byName[name]
	if !ok {
		return FieldSpec{}, false
	}
	return d.Fields[i], true
}

func (d *Descriptor) index() {
	d.byName = make(map[string]int, len(d.Fields))
	for i, f := range d.Fields {
		d.byName[f.Name] = i
	}
}

// forWidth returns the descriptor pinned to ptrSize, filling in widths of
// pointer-sized fields. Width-independent descriptors are copied.
func (d *Descriptor) forWidth(ptrSize int) (*Descriptor, error) {
	if d.PointerSize != 0 && d.PointerSize != ptrSize {
		return nil, fmt.Errorf("%s (%s): %w: descriptor is %d, registry is %d",
			d.Kind, d.Range(), ErrPointerWidth, d.PointerSize, ptrSize)
	}
	out := *d
	out.PointerSize = ptrSize
	out.Fields = make([]FieldSpec, len(d.Fields))
	for i, f := range d.Fields {
		if f.Width == 0 {
			f.Width = f.Type.Width(ptrSize)
		}
		out.Fields[i] = f
	}
	out.index()
	return &out, nil
}

// Validate checks that field names are unique, non-alias fields do not
// overlap, every field lies inside Size, and width-independent descriptors
// declare no pointer-sized fields. All problems are reported together.
func (d *Descriptor) Validate() error {
	var errs *multierror.Error
	fail := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf("%s (%s): %w: "+format,
			append([]any{d.Kind, d.Range(), ErrInvalidDescriptor}, args...)...))
	}

	if d.Kind == "" {
		fail("missing kind")
	}
	if d.PointerSize != 0 && d.PointerSize != 4 && d.PointerSize != 8 {
		fail("pointer size %d", d.PointerSize)
	}
	if d.MaxVersion != 0 && d.MaxVersion < d.MinVersion {
		fail("max version %d below min version %d", d.MaxVersion, d.MinVersion)
	}

	seen := make(map[string]FieldSpec, len(d.Fields))
	var storage []FieldSpec
	for _, f := range d.Fields {
		if _, dup := seen[f.Name]; dup {
			fail("duplicate field %q", f.Name)
			continue
		}
		seen[f.Name] = f
		if d.PointerSize == 0 && f.Type.PointerSized() {
			fail("field %q is pointer-sized in a width-independent layout", f.Name)
			continue
		}
		if w := f.Type.Width(d.PointerSize); f.Width == 0 {
			f.Width = w
		} else if w != 0 && f.Width != w {
			fail("field %q: width %d disagrees with %s (%d)", f.Name, f.Width, f.Type, w)
			continue
		}
		if f.Width <= 0 {
			fail("field %q has no width", f.Name)
			continue
		}
		if f.End() > d.Size {
			fail("field %q [%d,%d) exceeds size %d", f.Name, f.Offset, f.End(), d.Size)
		}
		if f.AliasOf == "" {
			storage = append(storage, f)
		}
	}
	for _, f := range d.Fields {
		if f.AliasOf == "" {
			continue
		}
		target, ok := seen[f.AliasOf]
		switch {
		case !ok:
			fail("field %q aliases unknown field %q", f.Name, f.AliasOf)
		case target.Offset != f.Offset:
			fail("alias %q at %d does not share storage with %q at %d", f.Name, f.Offset, target.Name, target.Offset)
		}
	}

	sort.Slice(storage, func(i, j int) bool { return storage[i].Offset < storage[j].Offset })
	for i := 1; i < len(storage); i++ {
		prev, cur := storage[i-1], storage[i]
		if cur.Offset < prev.End() {
			fail("field %q [%d,%d) overlaps %q [%d,%d)",
				cur.Name, cur.Offset, cur.End(), prev.Name, prev.Offset, prev.End())
		}
	}
	return errs.ErrorOrNil()
}
