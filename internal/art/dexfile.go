package art

import (
	"artprobe/internal/dex"
	"artprobe/internal/layout"
	"artprobe/internal/mem"
)

// DexFile is an art::DexFile.
type DexFile struct {
	rt   *Runtime
	view layout.View
}

// DexFile binds the art::DexFile at addr.
func (rt *Runtime) DexFile(addr uint64) (*DexFile, error) {
	v, err := rt.view(addr, DexFileKind)
	if err != nil {
		return nil, err
	}
	return &DexFile{rt: rt, view: v}, nil
}

func (d *DexFile) Addr() uint64               { return d.view.Handle.Addr }
func (d *DexFile) View() layout.View          { return d.view }
func (d *DexFile) Begin() (uint64, error)     { return d.view.Uint("begin_") }
func (d *DexFile) Size() (uint64, error)      { return d.view.Uint("size_") }
func (d *DexFile) DataBegin() (uint64, error) { return d.view.Uint("data_begin_") }
func (d *DexFile) DataSize() (uint64, error)  { return d.view.Uint("data_size_") }
func (d *DexFile) Location() (string, error)  { return d.view.Text("location_") }

func (d *DexFile) LocationChecksum() (uint32, error) {
	v, err := d.view.Uint("location_checksum_")
	return uint32(v), err
}

func (d *DexFile) IsCompactDex() (bool, error) {
	f, err := d.view.Field("is_compact_dex_")
	if err != nil {
		return false, err
	}
	return f.Bool()
}

// Header views the mapped dex header at begin_.
func (d *DexFile) Header() (layout.View, error) {
	begin, err := d.Begin()
	if err != nil {
		return layout.View{}, err
	}
	return d.rt.view(begin, "dex::Header")
}

// Pool resolves the file's string, type, field, method and proto ids.
func (d *DexFile) Pool() (*dex.Pool, error) {
	begin, err := d.Begin()
	if err != nil {
		return nil, err
	}
	data, err := d.DataBegin()
	if err != nil {
		return nil, err
	}
	return dex.NewPool(d.rt.Layouts, d.rt.Version, mem.At(d.rt.Memory, begin), mem.At(d.rt.Memory, data))
}
