package inspect

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createDB(t *testing.T, path string, stmts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	require.NoError(t, db.Close())
}

func TestInspectPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.sqlite")
	createDB(t, path,
		`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`,
		`CREATE TABLE attachments (id INTEGER PRIMARY KEY, note INTEGER)`,
		`INSERT INTO notes (body) VALUES ('hello')`,
	)

	d, err := Inspect(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, d.Path)
	assert.Equal(t, []string{"attachments", "notes"}, d.Tables)
	assert.False(t, d.CoreData)
	assert.Empty(t, d.StoreUUID)
	assert.Positive(t, d.Size)
	assert.NotEmpty(t, d.HumanSize())
	assert.Equal(t, "delete", d.JournalMode)
}

func TestInspectCoreData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Model.sqlite")
	createDB(t, path,
		`CREATE TABLE ZITEM (Z_PK INTEGER PRIMARY KEY, Z_ENT INTEGER, Z_OPT INTEGER, ZNAME VARCHAR)`,
		`CREATE TABLE Z_PRIMARYKEY (Z_ENT INTEGER PRIMARY KEY, Z_NAME VARCHAR, Z_SUPER INTEGER, Z_MAX INTEGER)`,
		`CREATE TABLE Z_METADATA (Z_VERSION INTEGER PRIMARY KEY, Z_UUID VARCHAR(255), Z_PLIST BLOB)`,
		`INSERT INTO Z_METADATA (Z_VERSION, Z_UUID) VALUES (1, '8E2B3C52-4D6A-4F1B-9C0E-3A7D5B1F2E90')`,
	)

	d, err := Inspect(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, d.CoreData)
	assert.Equal(t, "8E2B3C52-4D6A-4F1B-9C0E-3A7D5B1F2E90", d.StoreUUID)
	assert.Equal(t, int64(1), d.ModelVersion)
	assert.Equal(t, "file://"+path, d.StoreURL())
}

func TestInspectNotSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.db")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a database file"), 0o644))

	_, err := Inspect(context.Background(), path)
	assert.ErrorIs(t, err, ErrNotSQLite)

	_, err = Inspect(context.Background(), filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotSQLite)
}

func TestIsSQLite(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "a.db")
	createDB(t, db, `CREATE TABLE t (x)`)
	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("SQLite"), 0o644))

	ok, err := IsSQLite(db)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsSQLite(short)
	require.NoError(t, err)
	assert.False(t, ok)

	// Directories are never read.
	ok, err = IsSQLite(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasHeader(t *testing.T) {
	assert.True(t, HasHeader(strings.NewReader(Header+"rest of page")))
	assert.False(t, HasHeader(strings.NewReader("SQLite format 2\x00")))
	assert.False(t, HasHeader(strings.NewReader("")))
}

func TestSidecars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	createDB(t, path, `CREATE TABLE t (x)`)
	require.NoError(t, os.WriteFile(path+"-wal", nil, 0o644))
	require.NoError(t, os.WriteFile(path+"-shm", nil, 0o644))

	assert.Equal(t, []string{path + "-wal", path + "-shm"}, Sidecars(path))
}

func TestMainFile(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/data/app.db-wal", "/data/app.db"},
		{"/data/app.db-shm", "/data/app.db"},
		{"/data/app.sqlite-journal", "/data/app.sqlite"},
		{"/data/app.sqlite", "/data/app.sqlite"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MainFile(tt.in), tt.in)
	}
}

func TestDSNEscapesURICharacters(t *testing.T) {
	assert.Equal(t, "file:/tmp/a%3fb%23c%25d.db?mode=ro", dsn("/tmp/a?b#c%d.db"))
}
