//go:build linux

// Package report prints locator events as they arrive and keeps the set of
// databases seen during a session.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/kaczmarj/dblocate/internal/inspect"
	"github.com/kaczmarj/dblocate/internal/locator"
)

var (
	tagFileCheck = color.New(color.FgYellow).SprintFunc()
	tagDirectory = color.New(color.FgBlue).SprintFunc()
	tagSQLite    = color.New(color.FgGreen, color.Bold).SprintFunc()
	tagCoreData  = color.New(color.FgMagenta, color.Bold).SprintFunc()
	faint        = color.New(color.Faint).SprintFunc()
)

// Options configure a Reporter.
type Options struct {
	Logger *zap.Logger
	// JSON prints one JSON object per event instead of text lines.
	JSON bool
	// Inspect opens the databases seen and reports Core Data stores.
	Inspect bool
}

// recheckInterval throttles inspections of a database whose schema is not
// known yet.
const recheckInterval = time.Second

// Finding is one database path seen during a session.
type Finding struct {
	Path     string            `json:"path"`
	Kind     locator.Kind      `json:"kind"`
	Sources  []string          `json:"sources"`
	Hits     int               `json:"hits"`
	Exists   bool              `json:"exists"`
	Database *inspect.Database `json:"database,omitempty"`
}

// Reporter writes events to an io.Writer.
type Reporter struct {
	opts Options
	log  *zap.Logger
	w    io.Writer
	enc  *json.Encoder

	findings map[string]*Finding
	// settled databases are never inspected again; the others are retried
	// at most once per recheck
	settled map[string]bool
	checked map[string]time.Time
	recheck time.Duration
	err     error
}

// New returns a Reporter writing to w.
func New(w io.Writer, opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reporter{
		opts:      opts,
		log:       opts.Logger.Named("report"),
		w:         w,
		enc:       json.NewEncoder(w),
		findings: make(map[string]*Finding),
		settled:  make(map[string]bool),
		checked:  make(map[string]time.Time),
		recheck:  recheckInterval,
	}
}

// Banner prints the line announcing that tracing started.
func (r *Reporter) Banner() {
	if r.opts.JSON {
		return
	}
	fmt.Fprintln(r.w, "Database locator loaded. Monitoring file operations...")
	fmt.Fprintln(r.w, "Interacting with the program will reveal database locations.")
}

// Run handles events until the channel is closed. It always drains the
// channel so that senders never block; ctx only bounds database inspection.
// The first write error is returned once the channel is closed.
func (r *Reporter) Run(ctx context.Context, events <-chan locator.Event) error {
	for e := range events {
		r.Handle(ctx, e)
	}
	return r.err
}

// Handle prints one event and records it.
func (r *Reporter) Handle(ctx context.Context, e locator.Event) {
	r.print(e)
	if !e.Database || e.Path == "" {
		return
	}
	r.record(e)

	dbPath := inspect.MainFile(e.Path)
	if !r.opts.Inspect || !e.Exists || r.settled[dbPath] || ctx.Err() != nil {
		return
	}
	if last, ok := r.checked[dbPath]; ok && time.Since(last) < r.recheck {
		return
	}
	r.inspect(ctx, dbPath, e.Pid)
}

// Recheck inspects every database whose schema was not known when it was
// last looked at, such as stores created empty and filled in later. It
// returns the first write error seen so far.
func (r *Reporter) Recheck(ctx context.Context) error {
	if !r.opts.Inspect {
		return r.err
	}
	var paths []string
	for p := range r.checked {
		if !r.settled[p] {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		r.inspect(ctx, p, 0)
	}
	return r.err
}

func (r *Reporter) inspect(ctx context.Context, dbPath string, pid int) {
	r.checked[dbPath] = time.Now()
	db, err := inspect.Inspect(ctx, dbPath)
	r.settled[dbPath] = settled(dbPath, db, err)
	if err != nil {
		if !errors.Is(err, inspect.ErrNotSQLite) {
			r.log.Debug("inspecting database", zap.String("path", dbPath), zap.Error(err))
		}
		return
	}
	f, ok := r.findings[dbPath]
	if !ok {
		f = r.record(locator.Event{Kind: locator.KindSQLite, Path: dbPath, Point: "inspect", Exists: true})
	}
	f.Database = db
	if db.CoreData {
		r.Handle(ctx, locator.Event{
			Time:     time.Now(),
			Kind:     locator.KindCoreData,
			Pid:      pid,
			Point:    "inspect",
			Path:     dbPath,
			Detail:   db.StoreUUID,
			Exists:   true,
			Database: true,
		})
	}
}

// settled reports whether an inspection result is final. SQLite creates
// databases as empty files and writes the header and schema with the first
// transaction, so an empty file or schema may still change.
func settled(path string, db *inspect.Database, err error) bool {
	switch {
	case err == nil:
		return db.CoreData || len(db.Tables) > 0
	case errors.Is(err, inspect.ErrNotSQLite):
		fi, serr := os.Stat(path)
		return serr == nil && fi.Size() >= int64(len(inspect.Header))
	}
	return false
}

// rank orders kinds from least to most specific.
var rank = map[locator.Kind]int{
	locator.KindFileCheck: 1,
	locator.KindQuery:     2,
	locator.KindSQLite:    3,
	locator.KindCoreData:  4,
}

func (r *Reporter) record(e locator.Event) *Finding {
	f, ok := r.findings[e.Path]
	if !ok {
		f = &Finding{Path: e.Path}
		r.findings[e.Path] = f
	}
	f.Hits++
	f.Exists = f.Exists || e.Exists
	if rank[e.Kind] > rank[f.Kind] {
		f.Kind = e.Kind
	}
	i := sort.SearchStrings(f.Sources, e.Point)
	if i == len(f.Sources) || f.Sources[i] != e.Point {
		f.Sources = append(f.Sources, "")
		copy(f.Sources[i+1:], f.Sources[i:])
		f.Sources[i] = e.Point
	}
	return f
}

func (r *Reporter) print(e locator.Event) {
	var err error
	if r.opts.JSON {
		err = r.enc.Encode(e)
	} else {
		_, err = fmt.Fprintln(r.w, Format(e))
	}
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("writing report: %w", err)
	}
}

// Format renders an event as a text line.
func Format(e locator.Event) string {
	switch e.Kind {
	case locator.KindFileCheck:
		s := fmt.Sprintf("%s Checking database file: %s", tagFileCheck("[FileCheck]"), e.Path)
		if !e.Exists {
			s += faint(" (missing)")
		}
		return s
	case locator.KindDirectory:
		return fmt.Sprintf("%s Listing directory: %s", tagDirectory("[Directory]"), e.Path)
	case locator.KindSQLite:
		s := fmt.Sprintf("%s %s called for: %s", tagSQLite("[SQLite]"), e.Point, e.Path)
		if e.Detail != "" {
			s += faint(" (" + e.Detail + ")")
		}
		return s
	case locator.KindQuery:
		s := fmt.Sprintf("%s %s: %s", tagSQLite("[SQLite]"), e.Point, e.Detail)
		if e.Path != "" {
			s += faint(" on " + e.Path)
		}
		return s
	case locator.KindCoreData:
		return fmt.Sprintf("%s Store URL: file://%s", tagCoreData("[CoreData]"), e.Path)
	}
	return fmt.Sprintf("[%s] %s %s", e.Kind, e.Point, e.Path)
}

// Findings returns every database seen, sorted by path.
func (r *Reporter) Findings() []Finding {
	out := make([]Finding, 0, len(r.findings))
	for _, f := range r.findings {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Summary prints the findings, one per line, as hit count and path followed
// by what was learned about the file.
func (r *Reporter) Summary() error {
	findings := r.Findings()
	if r.opts.JSON {
		for _, f := range findings {
			if err := r.enc.Encode(f); err != nil {
				return err
			}
		}
		return nil
	}
	if len(findings) == 0 {
		_, err := fmt.Fprintln(r.w, "No database files observed.")
		return err
	}
	fmt.Fprintf(r.w, "\n%d database file(s) observed:\n", len(findings))
	for _, f := range findings {
		var notes []string
		notes = append(notes, string(f.Kind))
		if !f.Exists {
			notes = append(notes, "missing")
		}
		if db := f.Database; db != nil {
			notes = append(notes, db.HumanSize(), fmt.Sprintf("%d tables", len(db.Tables)))
			if db.JournalMode != "" {
				notes = append(notes, "journal="+db.JournalMode)
			}
		}
		notes = append(notes, "via "+strings.Join(f.Sources, ","))
		if _, err := fmt.Fprintf(r.w, "%d\t%s\t%s\n", f.Hits, f.Path, strings.Join(notes, " ")); err != nil {
			return err
		}
	}
	return nil
}
