// Package inspect opens database files found by the tracer and describes
// them: tables, Core Data metadata and the files SQLite keeps next to them.
package inspect

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"
)

// Header is the magic string every SQLite 3 database file starts with.
const Header = "SQLite format 3\x00"

// ErrNotSQLite is returned for files that do not carry the SQLite header.
var ErrNotSQLite = errors.New("not a SQLite database")

// sidecarSuffixes are the files SQLite creates next to a database.
var sidecarSuffixes = []string{"-wal", "-shm", "-journal"}

// Database describes one SQLite file.
type Database struct {
	Path        string   `json:"path"`
	Size        int64    `json:"size"`
	Tables      []string `json:"tables"`
	JournalMode string   `json:"journal_mode,omitempty"`
	Sidecars    []string `json:"sidecars,omitempty"`

	// Core Data stores carry Z_METADATA and Z_PRIMARYKEY.
	CoreData     bool   `json:"core_data"`
	StoreUUID    string `json:"store_uuid,omitempty"`
	ModelVersion int64  `json:"model_version,omitempty"`
}

// HumanSize is the size of the database file and its sidecars.
func (d *Database) HumanSize() string {
	total := d.Size
	for _, s := range d.Sidecars {
		if fi, err := os.Stat(s); err == nil {
			total += fi.Size()
		}
	}
	return humanize.Bytes(uint64(total))
}

// StoreURL is the URL Core Data reports for the store.
func (d *Database) StoreURL() string { return "file://" + d.Path }

// HasHeader reports whether r starts with the SQLite header.
func HasHeader(r io.Reader) bool {
	buf := make([]byte, len(Header))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false
	}
	return bytes.Equal(buf, []byte(Header))
}

// IsSQLite reports whether path is a regular file starting with the SQLite
// header. It never blocks on FIFOs or devices.
func IsSQLite(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if !fi.Mode().IsRegular() || fi.Size() < int64(len(Header)) {
		return false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return HasHeader(f), nil
}

// Inspect opens path read-only and describes it.
func Inspect(ctx context.Context, path string) (*Database, error) {
	ok, err := IsSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSQLite)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer db.Close()

	d := &Database{Path: path, Size: fi.Size(), Sidecars: Sidecars(path)}
	if d.Tables, err = tables(ctx, db); err != nil {
		return nil, fmt.Errorf("listing tables of %s: %w", path, err)
	}
	// Best effort; left empty when the pragma cannot be read.
	_ = db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&d.JournalMode)

	if has(d.Tables, "Z_METADATA") && has(d.Tables, "Z_PRIMARYKEY") {
		d.CoreData = true
		var uuid sql.NullString
		var version sql.NullInt64
		row := db.QueryRowContext(ctx, "SELECT Z_VERSION, Z_UUID FROM Z_METADATA LIMIT 1")
		if err := row.Scan(&version, &uuid); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return d, fmt.Errorf("reading Core Data metadata of %s: %w", path, err)
		}
		d.StoreUUID = uuid.String
		d.ModelVersion = version.Int64
	}
	return d, nil
}

// Sidecars lists the -wal, -shm and -journal files that exist next to path.
func Sidecars(path string) []string {
	var out []string
	for _, suffix := range sidecarSuffixes {
		if _, err := os.Stat(path + suffix); err == nil {
			out = append(out, path+suffix)
		}
	}
	return out
}

// MainFile maps a sidecar path to the database it belongs to.
func MainFile(path string) string {
	for _, suffix := range sidecarSuffixes {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix)
		}
	}
	return path
}

func tables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='table'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, rows.Err()
}

func has(list []string, name string) bool {
	i := sort.SearchStrings(list, name)
	return i < len(list) && list[i] == name
}

// dsn builds a read-only URI filename for path.
func dsn(path string) string {
	r := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
	return "file:" + r.Replace(path) + "?mode=ro"
}
