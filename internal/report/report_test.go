//go:build linux

package report

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/kaczmarj/dblocate/internal/locator"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	goleak.VerifyTestMain(m)
}

func run(t *testing.T, r *Reporter, events ...locator.Event) {
	t.Helper()
	ch := make(chan locator.Event)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), ch) }()
	for _, e := range events {
		ch <- e
	}
	close(ch)
	require.NoError(t, <-done)
}

func coreDataStore(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	for _, s := range []string{
		`CREATE TABLE Z_PRIMARYKEY (Z_ENT INTEGER PRIMARY KEY, Z_NAME VARCHAR, Z_SUPER INTEGER, Z_MAX INTEGER)`,
		`CREATE TABLE Z_METADATA (Z_VERSION INTEGER PRIMARY KEY, Z_UUID VARCHAR(255), Z_PLIST BLOB)`,
		`INSERT INTO Z_METADATA (Z_VERSION, Z_UUID) VALUES (1, 'C0FFEE00-0000-4000-8000-000000000001')`,
	} {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		e    locator.Event
		want string
	}{
		{
			locator.Event{Kind: locator.KindFileCheck, Path: "/data/a.db", Exists: true},
			"[FileCheck] Checking database file: /data/a.db",
		},
		{
			locator.Event{Kind: locator.KindFileCheck, Path: "/data/a.db"},
			"[FileCheck] Checking database file: /data/a.db (missing)",
		},
		{
			locator.Event{Kind: locator.KindDirectory, Path: "/data"},
			"[Directory] Listing directory: /data",
		},
		{
			locator.Event{Kind: locator.KindSQLite, Point: "sqlite3_open_v2", Path: "/data/a.db", Detail: "READONLY"},
			"[SQLite] sqlite3_open_v2 called for: /data/a.db (READONLY)",
		},
		{
			locator.Event{Kind: locator.KindQuery, Point: "sqlite3_prepare_v2", Path: "/data/a.db", Detail: "SELECT 1"},
			"[SQLite] sqlite3_prepare_v2: SELECT 1 on /data/a.db",
		},
		{
			locator.Event{Kind: locator.KindCoreData, Path: "/data/Model.sqlite"},
			"[CoreData] Store URL: file:///data/Model.sqlite",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.e))
	}
}

func TestFindings(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, Options{Logger: zaptest.NewLogger(t)})
	run(t, r,
		locator.Event{Kind: locator.KindFileCheck, Point: "newfstatat", Path: "/data/b.db", Database: true},
		locator.Event{Kind: locator.KindSQLite, Point: "sqlite3_open", Path: "/data/b.db", Database: true, Exists: true},
		locator.Event{Kind: locator.KindFileCheck, Point: "access", Path: "/data/b.db", Database: true},
		locator.Event{Kind: locator.KindDirectory, Point: "getdents64", Path: "/data"},
		locator.Event{Kind: locator.KindFileCheck, Point: "access", Path: "/data/a.sqlite", Database: true},
	)

	f := r.Findings()
	require.Len(t, f, 2)
	assert.Equal(t, "/data/a.sqlite", f[0].Path)
	assert.False(t, f[0].Exists)
	assert.Equal(t, "/data/b.db", f[1].Path)
	assert.Equal(t, 3, f[1].Hits)
	assert.Equal(t, locator.KindSQLite, f[1].Kind)
	assert.Equal(t, []string{"access", "newfstatat", "sqlite3_open"}, f[1].Sources)
	assert.True(t, f[1].Exists)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 5)
	assert.Equal(t, "[Directory] Listing directory: /data", lines[3])
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, Options{})
	run(t, r,
		locator.Event{Kind: locator.KindSQLite, Point: "openat", Path: "/z.db", Database: true, Exists: true},
		locator.Event{Kind: locator.KindSQLite, Point: "openat", Path: "/a.db", Database: true, Exists: true},
		locator.Event{Kind: locator.KindSQLite, Point: "openat", Path: "/a.db", Database: true, Exists: true},
	)
	buf.Reset()
	require.NoError(t, r.Summary())
	assert.Equal(t, "\n2 database file(s) observed:\n"+
		"2\t/a.db\tsqlite via openat\n"+
		"1\t/z.db\tsqlite via openat\n", buf.String())

	buf.Reset()
	require.NoError(t, New(&buf, Options{}).Summary())
	assert.Equal(t, "No database files observed.\n", buf.String())
}

func TestInspectReportsCoreData(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "Model.sqlite")
	coreDataStore(t, store)
	require.NoError(t, os.WriteFile(store+"-wal", nil, 0o644))

	var buf bytes.Buffer
	r := New(&buf, Options{Inspect: true, Logger: zaptest.NewLogger(t)})
	open := locator.Event{Kind: locator.KindSQLite, Point: "openat", Path: store + "-wal", Database: true, Exists: true}
	run(t, r, open, open)

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "[CoreData] Store URL: file://"+store+"\n"))

	f := r.Findings()
	require.Len(t, f, 2)
	assert.Equal(t, store, f[0].Path)
	assert.Equal(t, locator.KindCoreData, f[0].Kind)
	require.NotNil(t, f[0].Database)
	assert.Equal(t, "C0FFEE00-0000-4000-8000-000000000001", f[0].Database.StoreUUID)
	assert.Equal(t, []string{store + "-wal"}, f[0].Database.Sidecars)
	assert.Equal(t, store+"-wal", f[1].Path)
}

func TestStoreCreatedEmptyIsCheckedAgain(t *testing.T) {
	store := filepath.Join(t.TempDir(), "Model.sqlite")
	// sqlite3_open_v2 with CREATE leaves an empty file behind.
	require.NoError(t, os.WriteFile(store, nil, 0o644))

	var buf bytes.Buffer
	r := New(&buf, Options{Inspect: true, Logger: zaptest.NewLogger(t)})
	open := locator.Event{Kind: locator.KindSQLite, Point: "sqlite3_open_v2", Path: store, Database: true, Exists: true}
	r.Handle(context.Background(), open)

	coreDataStore(t, store)
	// Within the recheck interval nothing is inspected again.
	r.Handle(context.Background(), open)
	assert.NotContains(t, buf.String(), "[CoreData]")

	require.NoError(t, r.Recheck(context.Background()))
	assert.Equal(t, 1, strings.Count(buf.String(), "[CoreData] Store URL: file://"+store+"\n"))

	buf.Reset()
	require.NoError(t, r.Summary())
	assert.Contains(t, buf.String(), store+"\tcoredata")

	// Settled now; neither path looks at it again.
	buf.Reset()
	r.Handle(context.Background(), open)
	require.NoError(t, r.Recheck(context.Background()))
	assert.NotContains(t, buf.String(), "[CoreData]")
}

func TestStoreRecheckedOnLaterEvent(t *testing.T) {
	store := filepath.Join(t.TempDir(), "Cloud.sqlite")
	require.NoError(t, os.WriteFile(store, nil, 0o644))

	var buf bytes.Buffer
	r := New(&buf, Options{Inspect: true})
	r.recheck = 0
	open := locator.Event{Kind: locator.KindSQLite, Point: "openat", Path: store + "-wal", Database: true, Exists: true}
	r.Handle(context.Background(), open)
	coreDataStore(t, store)
	r.Handle(context.Background(), open)

	assert.Contains(t, buf.String(), "[CoreData] Store URL: file://"+store+"\n")
	f := r.Findings()
	require.Len(t, f, 2)
	assert.Equal(t, locator.KindCoreData, f[0].Kind)
}

func TestInspectSkipsNonSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Thumbs.db")
	require.NoError(t, os.WriteFile(path, []byte("not sqlite at all, just bytes"), 0o644))

	var buf bytes.Buffer
	r := New(&buf, Options{Inspect: true})
	run(t, r, locator.Event{Kind: locator.KindSQLite, Point: "openat", Path: path, Database: true, Exists: true})

	f := r.Findings()
	require.Len(t, f, 1)
	assert.Nil(t, f[0].Database)
	assert.NotContains(t, buf.String(), "[CoreData]")
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, Options{JSON: true})
	r.Banner()
	run(t, r, locator.Event{Kind: locator.KindSQLite, Pid: 42, Point: "sqlite3_open", Path: "/a.db", Database: true, Exists: true})
	require.NoError(t, r.Summary())

	dec := json.NewDecoder(&buf)
	var e locator.Event
	require.NoError(t, dec.Decode(&e))
	assert.Equal(t, 42, e.Pid)
	assert.Equal(t, locator.KindSQLite, e.Kind)

	var f Finding
	require.NoError(t, dec.Decode(&f))
	assert.Equal(t, "/a.db", f.Path)
	assert.Equal(t, 1, f.Hits)
	assert.False(t, dec.More())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, os.ErrClosed }

func TestRunReportsWriteErrorAfterDraining(t *testing.T) {
	r := New(failingWriter{}, Options{})
	ch := make(chan locator.Event, 3)
	for i := 0; i < 3; i++ {
		ch <- locator.Event{Kind: locator.KindDirectory, Path: "/"}
	}
	close(ch)
	err := r.Run(context.Background(), ch)
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Empty(t, ch)
}
