package layout

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
)

//go:embed tables/*.toml
var builtinTables embed.FS

type tableFile struct {
	Struct []tableStruct `toml:"struct"`
}

type tableStruct struct {
	Kind        string       `toml:"kind"`
	MinVersion  int          `toml:"min_version"`
	MaxVersion  int          `toml:"max_version"`
	PointerSize int          `toml:"pointer_size"`
	Size        uint64       `toml:"size"`
	Fields      []tableField `toml:"fields"`
}

type tableField struct {
	Name    string `toml:"name"`
	Offset  uint64 `toml:"offset"`
	Type    string `toml:"type"`
	Width   int    `toml:"width"`
	AliasOf string `toml:"alias_of"`
}

// ParseTable decodes one TOML layout table.
func ParseTable(name string, data []byte) ([]*Descriptor, error) {
	var tf tableFile
	md, err := toml.Decode(string(data), &tf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown keys %v", name, undecoded)
	}

	var errs *multierror.Error
	out := make([]*Descriptor, 0, len(tf.Struct))
	for _, ts := range tf.Struct {
		d := &Descriptor{
			Kind:        ts.Kind,
			MinVersion:  ts.MinVersion,
			MaxVersion:  ts.MaxVersion,
			PointerSize: ts.PointerSize,
			Size:        ts.Size,
		}
		for _, fld := range ts.Fields {
			k, err := ParseKind(fld.Type)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %s.%s: %w", name, ts.Kind, fld.Name, err))
				continue
			}
			d.Fields = append(d.Fields, FieldSpec{
				Name:    fld.Name,
				Offset:  fld.Offset,
				Type:    k,
				Width:   fld.Width,
				AliasOf: fld.AliasOf,
			})
		}
		out = append(out, d)
	}
	return out, errs.ErrorOrNil()
}

// LoadFS registers every descriptor for the registry's pointer width found in
// the *.toml files of fsys. Descriptors for other widths are skipped.
func (r *Registry) LoadFS(fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.toml")
	if err != nil {
		return err
	}
	sort.Strings(names)

	var errs *multierror.Error
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		descs, err := ParseTable(name, data)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, d := range descs {
			if d.PointerSize != 0 && d.PointerSize != r.ptrSize {
				continue
			}
			if err := r.Register(d); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	return errs.ErrorOrNil()
}

// LoadDir registers the tables found in dir on top of what is already
// registered.
func (r *Registry) LoadDir(dir string) error {
	if _, err := os.Stat(filepath.Clean(dir)); err != nil {
		return err
	}
	return r.LoadFS(os.DirFS(dir))
}

// Builtin returns a registry populated with the embedded tables for ptrSize.
func Builtin(ptrSize int) (*Registry, error) {
	if ptrSize != 4 && ptrSize != 8 {
		return nil, fmt.Errorf("%w: %d", ErrPointerWidth, ptrSize)
	}
	sub, err := fs.Sub(builtinTables, "tables")
	if err != nil {
		return nil, err
	}
	r := NewRegistry(ptrSize)
	if err := r.LoadFS(sub); err != nil {
		return nil, err
	}
	return r, nil
}
