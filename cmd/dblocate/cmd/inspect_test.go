package cmd

import (
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/kaczmarj/dblocate/internal/inspect"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	_ = w.Close()
	os.Stdout = orig
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestInspectCommandJSON(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE accounts (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var runErr error
	out := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"inspect", "--json", path})
		runErr = rootCmd.Execute()
	})
	require.NoError(t, runErr)

	var got inspect.Database
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, path, got.Path)
	assert.Equal(t, []string{"accounts"}, got.Tables)
	assert.False(t, got.CoreData)
}

func TestInspectCommandRejectsNonSQLite(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "notes.db")
	require.NoError(t, os.WriteFile(path, []byte("plain text, no header"), 0o644))

	rootCmd.SetArgs([]string{"inspect", path})
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "1 of 1 files could not be inspected")
}
