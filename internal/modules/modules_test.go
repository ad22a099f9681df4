package modules

import (
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"artprobe/internal/elfx"
)

const fixtureBase = 0x7f00_0000_0000

func fixture(t *testing.T) (*Process, string, *int) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("needs an ELF test binary")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	maps := []*procfs.ProcMap{
		{StartAddr: fixtureBase + 0x10000, EndAddr: fixtureBase + 0x20000, Perms: &procfs.ProcMapPermissions{Read: true, Execute: true}, Offset: 0x10000, Pathname: exe},
		{StartAddr: fixtureBase, EndAddr: fixtureBase + 0x10000, Perms: &procfs.ProcMapPermissions{Read: true}, Pathname: exe},
		{StartAddr: 0x1000, EndAddr: 0x2000, Perms: &procfs.ProcMapPermissions{Read: true, Write: true}},
		{StartAddr: 0x3000, EndAddr: 0x4000, Perms: &procfs.ProcMapPermissions{Read: true, Write: true}, Pathname: "[heap]"},
	}
	opens := new(int)
	p, err := New(1234,
		WithMaps(func() ([]*procfs.ProcMap, error) { return maps, nil }),
		WithOpener(func(path string) (*elfx.Image, error) {
			*opens++
			return elfx.Open(path)
		}),
		WithImageCache(2),
	)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, exe, opens
}

func TestModules(t *testing.T) {
	p, exe, _ := fixture(t)

	mods, err := p.Modules()
	require.NoError(t, err)
	require.Len(t, mods, 1)
	require.Equal(t, exe, mods[0].Path)
	require.Equal(t, uint64(fixtureBase), mods[0].Base)
	require.Equal(t, uint64(fixtureBase+0x20000), mods[0].End)

	_, err = p.Module("libart.so")
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestFindInternalAppliesBias(t *testing.T) {
	p, exe, opens := fixture(t)

	im, err := elfx.Open(exe)
	require.NoError(t, err)
	sym, ok := im.Lookup("runtime.main")
	require.True(t, ok)
	want := fixtureBase - im.MinVaddr() + sym.Addr
	require.NoError(t, im.Close())

	got, err := p.FindInternal(mods0(t, p).Name, "runtime.main")
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = p.FindExport(mods0(t, p).Name, "runtime.main")
	require.ErrorIs(t, err, ErrNoSymbol)

	_, err = p.FindInternal(exe, "runtime.main")
	require.NoError(t, err)
	require.Equal(t, 1, *opens, "image should be parsed once and cached")
}

func mods0(t *testing.T, p *Process) Module {
	mods, err := p.Modules()
	require.NoError(t, err)
	return mods[0]
}

func TestRegionQuery(t *testing.T) {
	p, _, _ := fixture(t)

	exec, err := p.Executable(fixtureBase + 0x10010)
	require.NoError(t, err)
	require.True(t, exec)

	exec, err = p.Executable(fixtureBase + 0x10)
	require.NoError(t, err)
	require.False(t, exec)

	exec, err = p.Executable(0x9000)
	require.NoError(t, err)
	require.False(t, exec)

	r, err := p.Region(0x1800)
	require.NoError(t, err)
	require.Equal(t, "rw-", r.Perms())

	_, err = p.Region(0x2800)
	require.True(t, errors.Is(err, ErrUnmapped))
}
