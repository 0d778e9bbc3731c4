package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaczmarj/dblocate/internal/symbols"
)

func TestScanCommandJSON(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	self, err := os.Executable()
	require.NoError(t, err)

	var runErr error
	out := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"scan", "--json", self})
		runErr = rootCmd.Execute()
	})
	require.NoError(t, runErr)

	var got symbols.Report
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, self, got.Path)
	want := symbols.FormatELF
	if runtime.GOOS == "darwin" {
		want = symbols.FormatMachO
	}
	assert.Equal(t, want, got.Format)
}

func TestScanCommandRejectsGarbage(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a binary"), 0o644))

	rootCmd.SetArgs([]string{"scan", path})
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "1 of 1 binaries could not be scanned")
}
