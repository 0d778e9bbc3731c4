//go:build linux

package proc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestThreadsIncludesSelf(t *testing.T) {
	tids, err := Threads(os.Getpid())
	require.NoError(t, err)
	assert.Contains(t, tids, os.Getpid())
}

func TestMappingsAreFileBacked(t *testing.T) {
	maps, err := Mappings(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, maps)

	exe, err := os.Executable()
	require.NoError(t, err)
	exe, err = filepath.EvalSymlinks(exe)
	require.NoError(t, err)

	var sawExe bool
	for _, m := range maps {
		assert.True(t, filepath.IsAbs(m.Pathname), m.Pathname)
		assert.NotZero(t, m.Inode)
		if m.Pathname == exe && m.Exec {
			sawExe = true
		}
	}
	assert.True(t, sawExe, "executable text mapping of %s not found", exe)
}

func TestMappingContains(t *testing.T) {
	m := Mapping{Start: 0x1000, End: 0x3000, Offset: 0x2000}
	assert.True(t, m.Contains(0x2000))
	assert.True(t, m.Contains(0x3fff))
	assert.False(t, m.Contains(0x4000))
	assert.False(t, m.Contains(0x1fff))
}

func TestResolveAt(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	f, err := os.Open(dir)
	require.NoError(t, err)
	defer f.Close()

	got, err := ResolveAt(os.Getpid(), int(f.Fd()), "app.sqlite")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "app.sqlite"), got)

	got, err = ResolveAt(os.Getpid(), unix.AT_FDCWD, "/abs/path.db")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path.db", got)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	cwd, err = filepath.EvalSymlinks(cwd)
	require.NoError(t, err)
	got, err = ResolveAt(os.Getpid(), unix.AT_FDCWD, "rel.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "rel.db"), got)
}

func TestTgid(t *testing.T) {
	tgid, err := Tgid(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), tgid)
}
