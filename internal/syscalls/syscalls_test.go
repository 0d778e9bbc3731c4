//go:build linux

package syscalls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLookup(t *testing.T) {
	nr, ok := Lookup("openat")
	require.True(t, ok)
	assert.Equal(t, unix.SYS_OPENAT, nr)

	nr, ok = Lookup("GETDENTS64")
	require.True(t, ok)
	assert.Equal(t, unix.SYS_GETDENTS64, nr)

	_, ok = Lookup("definitely_not_a_syscall")
	assert.False(t, ok)
}

func TestName(t *testing.T) {
	assert.Equal(t, "execve", Name(unix.SYS_EXECVE))
	assert.Equal(t, "syscall_99999", Name(99999))
}
